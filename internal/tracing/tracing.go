// Package tracing configures the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"relay-proxy-go/internal/config"
)

const exportTimeout = 10 * time.Second

// Provider owns the process tracer provider. A Provider for disabled tracing
// leaves otel's no-op provider in place.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// New installs a tracer provider exporting spans over OTLP/gRPC.
// The exporter connects lazily, so an unreachable collector does not block startup.
func New(ctx context.Context, cfg config.TracingConfig, logger *slog.Logger) (*Provider, error) {
	logger = logger.With("component", "tracing")
	if !cfg.Enabled {
		return &Provider{logger: logger}, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	p, err := install(cfg, logger, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_rate", cfg.Ratio())
	return p, nil
}

// NewWithExporter installs a tracer provider that hands every span to exporter
// synchronously as it ends.
func NewWithExporter(cfg config.TracingConfig, exporter sdktrace.SpanExporter, logger *slog.Logger) (*Provider, error) {
	return install(cfg, logger.With("component", "tracing"), sdktrace.WithSyncer(exporter))
}

func install(cfg config.TracingConfig, logger *slog.Logger, export sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.Ratio()))),
		export,
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, logger: logger}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	p.logger.Info("tracing stopped")
	return nil
}
