// Package client provides the outbound HTTP client used to reach proxy targets.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relay-proxy-go/internal/breaker"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

// UpstreamClient sends requests to arbitrary http and https targets.
type UpstreamClient struct {
	httpClient *http.Client
	breakers   *breaker.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	followRedirects bool
	maxRedirects    int
}

// NewUpstreamClient creates an UpstreamClient with a shared connection pool.
// The metrics and breakers parameters are optional; pass nil to disable them.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, breakers *breaker.Registry) (*UpstreamClient, error) {
	up := cfg.Upstream

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if up.CAFile != "" {
		pool, err := loadCertPool(up.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if up.BlockPrivateNetworks {
		dialer.Control = denyPrivateControl
	}

	transport := &http.Transport{
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   up.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		// Bodies are relayed as-is; the client negotiates its own encoding.
		DisableCompression: true,
	}

	c := &UpstreamClient{
		breakers:        breakers,
		logger:          logger.With("component", "upstream_client"),
		metrics:         m,
		tracer:          otel.Tracer("relay-proxy/client"),
		followRedirects: up.ShouldFollowRedirects(),
		maxRedirects:    up.MaxRedirects,
	}
	c.httpClient = &http.Client{
		Transport:     transport,
		CheckRedirect: c.checkRedirect,
		Timeout:       time.Duration(up.TimeoutSeconds) * time.Second,
	}
	return c, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstream ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("upstream ca_file %s: no PEM certificates found", path)
	}
	return pool, nil
}

// checkRedirect bounds redirect chains, rejects loops and keeps every hop on
// http or https.
func (c *UpstreamClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if !c.followRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) > c.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrRedirectScheme, req.URL.Scheme)
	}
	next := req.URL.String()
	for _, prev := range via {
		if prev.URL.String() == next {
			return fmt.Errorf("%w: %s", ErrRedirectLoop, req.URL.Redacted())
		}
	}
	return nil
}

// Do executes an HTTP request against its target and returns the raw response.
// The request context bounds the whole exchange, body included.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	method := metrics.NormalizeMethod(req.Method)
	host := req.URL.Host

	ctx, span := c.tracer.Start(req.Context(), "upstream "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Hostname()),
			attribute.String("url.scheme", req.URL.Scheme),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", host,
	)

	start := time.Now()
	res, err := c.breakers.Execute(host, func() (any, error) {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	})
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		reason := Classify(err)
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
		}
		span.SetAttributes(attribute.String("error.type", reason))
		span.SetStatus(codes.Error, reason)
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	resp := res.(*http.Response)
	status := strconv.Itoa(resp.StatusCode)
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, status)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
