package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/breaker"
	"relay-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	breakers *breaker.Registry
}

// NewHealthHandler creates a HealthHandler. breakers may be nil.
func NewHealthHandler(cfg *config.Config, v Version, breakers *breaker.Registry) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, breakers: breakers}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	ProxyPrefix     string          `json:"proxy_prefix"`
	TimeoutSeconds  int             `json:"upstream_timeout_seconds"`
	FollowRedirects bool            `json:"follow_redirects"`
	MaxRedirects    int             `json:"max_redirects"`
	RateLimit       rateLimitStatus `json:"rate_limit"`
	BreakerHosts    int             `json:"circuit_breaker_hosts"`
}

type rateLimitStatus struct {
	Enabled       bool   `json:"enabled"`
	Store         string `json:"store,omitempty"`
	Requests      int    `json:"requests,omitempty"`
	WindowSeconds int    `json:"window_seconds,omitempty"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	up := h.cfg.Upstream
	rl := h.cfg.Server.RateLimit

	resp := statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		ProxyPrefix:     "/p/",
		TimeoutSeconds:  up.TimeoutSeconds,
		FollowRedirects: up.ShouldFollowRedirects(),
		MaxRedirects:    up.MaxRedirects,
		RateLimit:       rateLimitStatus{Enabled: rl.IsEnabled()},
		BreakerHosts:    h.breakers.Len(),
	}
	if rl.IsEnabled() {
		resp.RateLimit.Store = rl.Store
		resp.RateLimit.Requests = rl.Requests
		resp.RateLimit.WindowSeconds = rl.WindowSeconds
	}
	return c.JSON(http.StatusOK, resp)
}
