package service

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang/gddo/httputil/header"
)

// viaToken identifies this proxy in Via headers.
const viaToken = "1.1 relay-proxy"

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop returns a copy of src without hop-by-hop headers, including
// any extra headers named in its Connection header.
func stripHopByHop(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, name := range header.ParseList(src, "Connection") {
		dst.Del(name)
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
	return dst
}

// addForwarded records the inbound hop on an outbound request header.
func addForwarded(h http.Header, clientIP, host, scheme string) {
	if clientIP != "" {
		if ip, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = ip
		}
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if host != "" {
		h.Set("X-Forwarded-Host", host)
	}
	if scheme != "" {
		h.Set("X-Forwarded-Proto", scheme)
	}
	addVia(h)
}

func addVia(h http.Header) {
	h.Add("Via", viaToken)
}
