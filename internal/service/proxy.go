// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
)

// ErrInvalidTarget is returned when a ProxyRequest carries no usable http or https target.
var ErrInvalidTarget = errors.New("proxy request has no http or https target")

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to its target and returns the response.
// The outbound request is bound to pr.Ctx, so canceling it aborts the
// upstream exchange. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Target == nil || (pr.Target.Scheme != "http" && pr.Target.Scheme != "https") || pr.Target.Host == "" {
		return nil, ErrInvalidTarget
	}

	body := pr.Body
	if body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, pr.Target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = s.outboundHeader(pr)
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	// The upstream sees its own authority, not the proxy's.
	req.Host = pr.Target.Host

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Target.Host,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.inboundHeader(resp.Header)
	return resp, nil
}

func (s *ProxyService) outboundHeader(pr *model.ProxyRequest) http.Header {
	h := stripHopByHop(pr.Header)
	// Keep Go's default User-Agent off requests that had none.
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}
	if s.cfg.Upstream.ForwardedHeaders {
		addForwarded(h, pr.ClientIP, pr.Host, pr.Scheme)
	}
	return h
}

func (s *ProxyService) inboundHeader(src http.Header) http.Header {
	h := stripHopByHop(src)
	if s.cfg.Upstream.ForwardedHeaders {
		addVia(h)
	}
	return h
}
