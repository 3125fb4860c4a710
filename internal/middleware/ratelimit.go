package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

const msgRateLimited = "Too many requests, please try again later."

// RateLimit returns an Echo middleware that limits requests per client IP
// using store. Health probes are never limited.
// The metrics parameter is optional.
func RateLimit(store echomw.RateLimiterStore, cfg config.RateLimitConfig, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "ratelimit")
	retryAfter := strconv.Itoa(cfg.WindowSeconds)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/healthz"
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if m != nil {
				m.RateLimited.Inc()
			}
			logger.Warn("rate limited",
				"remote_ip", identifier,
				"path", metrics.NormalizePath(c.Request().URL.Path),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.String(http.StatusTooManyRequests, msgRateLimited)
		},
	})
}
