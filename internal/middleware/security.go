package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"relay-proxy-go/internal/config"
)

// isolationHeaders are set on every response alongside echo's Secure headers.
var isolationHeaders = map[string]string{
	"Cross-Origin-Opener-Policy":        "same-origin",
	"Cross-Origin-Resource-Policy":      "same-origin",
	"Origin-Agent-Cluster":              "?1",
	"X-DNS-Prefetch-Control":            "off",
	"X-Download-Options":                "noopen",
	"X-Permitted-Cross-Domain-Policies": "none",
}

// SecurityHeaders returns an Echo middleware that sets the response security
// headers. They are written before the handler runs, so headers relayed from
// an upstream response replace them. No Content-Security-Policy is sent since
// proxied pages load resources from their own origins.
func SecurityHeaders(cfg config.SecurityConfig) echo.MiddlewareFunc {
	secure := echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "0",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      cfg.FrameOptions,
		HSTSMaxAge:         cfg.HSTSMaxAgeSeconds,
		ReferrerPolicy:     cfg.ReferrerPolicy,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return secure(func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range isolationHeaders {
				h.Set(k, v)
			}
			return next(c)
		})
	}
}
