package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/redact"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/target"
)

// Fixed client-facing bodies. Details go to the log only.
const (
	msgInvalidTarget = "Invalid target URL"
	msgUpstreamError = "Upstream proxy error"
)

const copyBufferSize = 32 * 1024

// ProxyHandler forwards /p/<encoded URL> requests to their target.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable outcome metrics.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
		tracer:  otel.Tracer("relay-proxy/handler"),
	}
}

// Handle resolves the embedded target, forwards the request and streams the
// response back, flushing after the headers and after every chunk.
//
// Once headers are sent the status can no longer change, so an upstream
// failure mid-body aborts the client connection instead of ending it cleanly.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	rid := requestID(c)

	ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := h.tracer.Start(ctx, "proxy "+metrics.NormalizeMethod(req.Method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.request.method", req.Method)),
	)
	defer span.End()

	u, err := target.Resolve(target.Extract(req.URL.EscapedPath()))
	if err != nil {
		h.logger.Warn("invalid target",
			"err", redact.Error(err),
			"path", redact.String(req.URL.EscapedPath()),
			"request_id", rid,
		)
		h.record(span, model.OutcomeRejected, "")
		return c.String(http.StatusBadRequest, msgInvalidTarget)
	}
	span.SetAttributes(attribute.String("server.address", u.Hostname()))

	pr := &model.ProxyRequest{
		Ctx:           ctx,
		Method:        req.Method,
		Target:        u,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		ClientIP:      c.RealIP(),
		Host:          req.Host,
		Scheme:        c.Scheme(),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		reason := client.Classify(err)
		h.logger.Error("upstream request failed",
			"err", redact.Error(err),
			"reason", reason,
			"method", req.Method,
			"target", redact.URL(u),
			"request_id", rid,
		)
		h.record(span, model.OutcomeFailedEarly, reason)
		return c.String(http.StatusBadGateway, msgUpstreamError)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream headers replace any defaults set by earlier middleware.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	written, err := h.stream(c.Response(), resp.Body)
	switch {
	case err == nil:
		h.logger.Debug("proxied",
			"method", req.Method,
			"target", redact.URL(u),
			"status", resp.StatusCode,
			"bytes", written,
			"request_id", rid,
		)
		h.record(span, model.OutcomeCompleted, "")
		return nil

	case errors.Is(err, errClientWrite) || ctx.Err() != nil:
		// The client went away; closing the upstream body releases the connection.
		h.logger.Info("client disconnected mid-stream",
			"method", req.Method,
			"target", redact.URL(u),
			"bytes", written,
			"request_id", rid,
		)
		h.record(span, model.OutcomeFailedMid, client.ReasonCanceled)
		return nil

	default:
		reason := client.Classify(err)
		h.logger.Error("upstream stream failed",
			"err", redact.Error(err),
			"reason", reason,
			"method", req.Method,
			"target", redact.URL(u),
			"status", resp.StatusCode,
			"bytes", written,
			"request_id", rid,
		)
		h.record(span, model.OutcomeFailedMid, reason)
		// Make the truncation visible to the client: the server closes the
		// connection without completing the response.
		panic(http.ErrAbortHandler)
	}
}

// errClientWrite marks a failure writing to the client, as opposed to reading upstream.
var errClientWrite = errors.New("write to client")

// stream copies src to the client, flushing after every chunk.
func (h *ProxyHandler) stream(w *echo.Response, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, errors.Join(errClientWrite, werr)
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *ProxyHandler) record(span trace.Span, outcome model.Outcome, reason string) {
	if h.metrics != nil {
		h.metrics.ForwardOutcomes.WithLabelValues(string(outcome)).Inc()
	}
	span.SetAttributes(attribute.String("proxy.outcome", string(outcome)))
	if reason != "" {
		span.SetAttributes(attribute.String("error.type", reason))
		span.SetStatus(codes.Error, reason)
	}
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
