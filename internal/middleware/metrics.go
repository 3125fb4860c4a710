package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
)

// statusAborted labels requests whose response was cut off after the headers
// went out, because the upstream body failed mid-stream.
const statusAborted = "aborted"

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths are reduced to a fixed set of prefixes so
// proxied target URLs never become label values.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)
			observe := func(status string) {
				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			// A mid-stream abort unwinds as a panic that net/http turns into a
			// closed connection. Count it, then let it keep unwinding.
			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						observe(statusAborted)
					}
					panic(r)
				}
			}()

			err := next(c)

			// An *echo.HTTPError has not been written yet; the error handler
			// renders it later with the error's code.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}
			observe(strconv.Itoa(statusCode))

			return err
		}
	}
}
