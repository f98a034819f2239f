package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/knowledged/internal/httpapi"

// instruments records a server span and request metrics per request.
type instruments struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

// newInstruments falls back to the global providers for a nil tracer or
// meter. Instruments that fail to register are skipped.
func newInstruments(tracer trace.Tracer, meter metric.Meter, logger *zap.Logger) *instruments {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	in := &instruments{tracer: tracer, propagator: otel.GetTextMapPropagator()}

	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("http instrument not registered", zap.String("instrument", name), zap.Error(err))
		}
	}
	var err error
	in.requests, err = meter.Int64Counter("knowledged.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)
	in.latency, err = meter.Float64Histogram("knowledged.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.002, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15))
	warn("request_duration_seconds", err)
	in.size, err = meter.Int64Histogram("knowledged.http.response_size_bytes",
		metric.WithDescription("Response body size. Retrieval responses grow with top_k and the context budget."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144))
	warn("response_size_bytes", err)
	in.inflight, err = meter.Int64UpDownCounter("knowledged.http.active_requests",
		metric.WithDescription("Requests being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return in
}

func (in *instruments) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := routeLabel(c)
			ctx := in.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := in.tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			if in.inflight != nil {
				in.inflight.Add(ctx, 1)
				defer in.inflight.Add(ctx, -1)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}

			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("endpoint", route),
				attribute.Int("status", status),
			)
			if in.requests != nil {
				in.requests.Add(ctx, 1, attrs)
			}
			if in.latency != nil {
				in.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if in.size != nil {
				in.size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// routeLabel is the registered pattern, e.g. /api/v1/knowledge/:id, so
// record ids never become label values.
func routeLabel(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
