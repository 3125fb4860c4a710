package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/target"
	"relay-proxy-go/internal/web"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Paths that match no other route fall through to the static site.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
			Registry: m.Registry,
		})))
	}

	// "/p" alone has an empty target and is rejected by the handler.
	e.Any(strings.TrimSuffix(target.Prefix, "/"), proxy.Handle)
	e.Any(target.Prefix+"*", proxy.Handle)

	if dir := cfg.Server.StaticDir; dir != "" {
		e.Static("/", dir)
	} else {
		e.StaticFS("/", web.Public())
	}
}
