// Package target extracts and validates the upstream URL embedded in a proxy path.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Prefix is the path prefix under which targets are embedded.
const Prefix = "/p/"

// Rejection reasons. Resolve wraps exactly one of these.
var (
	ErrMissingTarget     = errors.New("missing target")
	ErrDecode            = errors.New("target is not valid percent-encoding")
	ErrMalformedURL      = errors.New("target is not an absolute URL")
	ErrUnsupportedScheme = errors.New("target scheme is not http or https")
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Extract returns the raw (still escaped) target segment from an escaped request
// path. Everything after the prefix is the target, slashes included. The inbound
// query string is never part of the target.
func Extract(escapedPath string) string {
	raw, ok := strings.CutPrefix(escapedPath, Prefix)
	if !ok {
		return ""
	}
	return raw
}

// Resolve decodes and validates a raw target segment and returns the canonical
// absolute URL that is forwarded upstream.
func Resolve(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMissingTarget
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !utf8.ValidString(decoded) {
		return nil, fmt.Errorf("%w: invalid UTF-8 sequence", ErrDecode)
	}

	u, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if u.Scheme == "" {
		return nil, ErrMalformedURL
	}
	if _, ok := defaultPorts[u.Scheme]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Opaque != "" || u.Host == "" {
		return nil, ErrMalformedURL
	}

	return canonicalize(u)
}

// canonicalize normalizes the parsed URL in place: ASCII (punycode) lower-case
// host, no default port, non-empty path, no fragment. url.Parse has already
// lower-cased the scheme.
func canonicalize(u *url.URL) (*url.URL, error) {
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	switch {
	case strings.Contains(host, ":"):
		if net.ParseIP(host) == nil {
			return nil, fmt.Errorf("%w: host %q", ErrMalformedURL, host)
		}
		host = "[" + host + "]"
	case net.ParseIP(host) != nil:
	default:
		ascii, err := idna.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("%w: host %q: %v", ErrMalformedURL, host, err)
		}
		host = ascii
	}
	if host == "" {
		return nil, ErrMalformedURL
	}

	if port != "" && port != defaultPorts[u.Scheme] {
		host += ":" + port
	}
	u.Host = host

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
