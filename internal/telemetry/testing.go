package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. It never touches the
// global providers, so tests can run in parallel.
type TestTelemetry struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled Telemetry backed by in-memory
// recorders.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg: cfg,
			tp:  sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		spans:  spans,
		reader: reader,
	}
}

// Spans returns the ended spans.
func (tt *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return tt.spans.Ended()
}

// Span returns the first ended span named name, or nil.
func (tt *TestTelemetry) Span(name string) sdktrace.ReadOnlySpan {
	for _, s := range tt.Spans() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpanExists fails tb unless a span named name has ended.
func (tt *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if tt.Span(name) == nil {
		tb.Errorf("span %q not recorded; have %v", name, tt.spanNames())
	}
}

// AssertSpanAttribute fails tb unless span name carries key=want. Integer
// attributes compare as int64.
func (tt *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, want any) {
	tb.Helper()
	s := tt.Span(name)
	if s == nil {
		tb.Fatalf("span %q not recorded; have %v", name, tt.spanNames())
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) != key {
			continue
		}
		if got := plain(kv.Value); got != want {
			tb.Errorf("span %q attribute %s = %v (%T), want %v (%T)", name, key, got, got, want, want)
		}
		return
	}
	tb.Errorf("span %q has no attribute %s", name, key)
}

// Collect reads the current metric values.
func (tt *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := tt.reader.Collect(ctx, &rm)
	return rm, err
}

// MetricNames lists the instruments that have recorded data.
func (tt *TestTelemetry) MetricNames(ctx context.Context) ([]string, error) {
	rm, err := tt.Collect(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (tt *TestTelemetry) spanNames() []string {
	var names []string
	for _, s := range tt.Spans() {
		names = append(names, s.Name())
	}
	return names
}

func plain(v attribute.Value) any {
	switch v.Type() {
	case attribute.BOOL:
		return v.AsBool()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.STRING:
		return v.AsString()
	default:
		return v.Emit()
	}
}
