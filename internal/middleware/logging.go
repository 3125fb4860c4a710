// Package middleware provides Echo middleware for logging, metrics, security
// headers and rate limiting.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/redact"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Handler errors are rendered here so the logged status is the one the client saw.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "access")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			// The path embeds the target URL, which may carry credentials.
			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", redact.String(req.URL.EscapedPath()),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return nil
		}
	}
}
