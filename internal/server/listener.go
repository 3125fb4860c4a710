// Package server opens the inbound listener.
package server

import (
	"fmt"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"relay-proxy-go/internal/config"
)

// headerTimeout bounds how long a new connection may take to send its PROXY header.
const headerTimeout = 10 * time.Second

// Listen binds the configured address. With proxy_protocol on, a PROXY v1/v2
// header from a load balancer replaces the peer address; connections without
// one are accepted unchanged.
func Listen(cfg *config.ServerConfig) (net.Listener, error) {
	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if !cfg.ProxyProtocol {
		return ln, nil
	}
	return &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: headerTimeout,
	}, nil
}
