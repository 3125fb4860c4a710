// Package ratelimit provides the per-client request budget stores used by
// the rate limiting middleware.
package ratelimit

import (
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"relay-proxy-go/internal/config"
)

// NewMemoryStore returns an in-process token bucket store. A client may burst
// the full budget and then regains it evenly over the window.
func NewMemoryStore(cfg config.RateLimitConfig) *echomw.RateLimiterMemoryStore {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	return echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(cfg.Requests) / window.Seconds()),
		Burst:     cfg.Requests,
		ExpiresIn: window,
	})
}
