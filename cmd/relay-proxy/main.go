package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"relay-proxy-go/internal/breaker"
	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/handler"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
	"relay-proxy-go/internal/ratelimit"
	"relay-proxy-go/internal/server"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("relay-proxy"),
		kong.Description("HTTP forward proxy: /p/<url-encoded target> relays the request to target."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTracing,
			newBreakers,
			newRateLimitStore,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newTracing(cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	return tracing.New(context.Background(), cfg.Tracing, logger)
}

func newBreakers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *breaker.Registry {
	return breaker.New(cfg.Upstream.CircuitBreaker, logger, m, breaker.WithFailureFunc(client.IsHostFailure))
}

func newRateLimitStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) echomw.RateLimiterStore {
	rl := cfg.Server.RateLimit
	if rl.Store != "redis" {
		return ratelimit.NewMemoryStore(rl)
	}

	store := ratelimit.NewRedisStore(ratelimit.NewRedisClient(rl.Redis), rl, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Requests are allowed while redis is down, so startup does not wait for it.
			if err := store.Ping(ctx); err != nil {
				logger.Warn("rate limit store unreachable", "addr", rl.Redis.Addr, "err", err)
				return nil
			}
			logger.Info("rate limit store connected", "addr", rl.Redis.Addr)
			return nil
		},
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})
	return store
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store echomw.RateLimiterStore) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = server.IPExtractor(&cfg.Server)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed responses are not cut off.
	// The upstream timeout bounds each exchange instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyLimitBytes())))
	e.Use(middleware.SecurityHeaders(cfg.Security))

	if rl := cfg.Server.RateLimit; rl.IsEnabled() {
		e.Use(middleware.RateLimit(store, rl, m, logger))
		logger.Info("rate limiter enabled",
			"store", rl.Store,
			"requests", rl.Requests,
			"window_seconds", rl.WindowSeconds,
		)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, tp *tracing.Provider, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := server.Listen(&cfg.Server)
			if err != nil {
				return err
			}
			logger.Info("starting server",
				"addr", ln.Addr().String(),
				"proxy_protocol", cfg.Server.ProxyProtocol,
				"tracing", tp.Enabled(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			// Spans from in-flight requests end during shutdown, so flush after it.
			return multierr.Combine(e.Shutdown(ctx), tp.Shutdown(ctx))
		},
	})
}
