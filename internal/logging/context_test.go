package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestContextFields_Empty(t *testing.T) {
	fields := ContextFields(context.Background())
	assert.Empty(t, fields)
}

func TestContextFields_OTELTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "retrieve")
	defer span.End()

	fields := ContextFields(ctx)

	var hasTraceID, hasSpanID bool
	for _, f := range fields {
		switch f.Key {
		case "trace_id":
			hasTraceID = true
			assert.NotEmpty(t, f.String)
		case "span_id":
			hasSpanID = true
			assert.NotEmpty(t, f.String)
		}
	}
	assert.True(t, hasTraceID, "trace_id field missing from context fields")
	assert.True(t, hasSpanID, "span_id field missing from context fields")
	assertBoolFieldExists(t, fields, "trace_sampled", true)
}

func TestContextFields_RequestAndGeneration(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_456")
	ctx = WithGeneration(ctx, 7)

	fields := ContextFields(ctx)

	assert.Len(t, fields, 2)
	assertFieldExists(t, fields, "request.id", "req_456")
	for _, f := range fields {
		if f.Key == "generation" {
			assert.Equal(t, int64(7), f.Integer)
		}
	}
}

func TestGenerationFromContext(t *testing.T) {
	_, ok := GenerationFromContext(context.Background())
	assert.False(t, ok)

	gen, ok := GenerationFromContext(WithGeneration(context.Background(), 3))
	assert.True(t, ok)
	assert.Equal(t, uint64(3), gen)
}

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func assertBoolFieldExists(t *testing.T, fields []zap.Field, key string, expected bool) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key {
			// zap stores bools as Integer 1/0
			if expected && field.Integer == 1 {
				return
			} else if !expected && field.Integer == 0 {
				return
			}
		}
	}
	t.Errorf("bool field %q with value %v not found", key, expected)
}

func TestFromContext(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger())
	ctx = WithRequestID(ctx, "req_9")

	FromContext(ctx).Info("handled")

	tl.AssertField(t, "handled", "request.id", "req_9")
}

func TestFromContext_Missing(t *testing.T) {
	l := FromContext(context.Background())
	assert.NotNil(t, l)
	l.Info("dropped")
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		want      string
	}{
		{"simple", "req_456", "req_456"},
		{"with hyphens", "req-abc-456", "req-abc-456"},
		{"echo generated", "Hq3kOZmYbXzq5jrWyVd5xKnGi7TvJ2NT", "Hq3kOZmYbXzq5jrWyVd5xKnGi7TvJ2NT"},
		{"empty", "", ""},
		{"with spaces", "req 456", ""},
		{"with slash", "req/456", ""},
		{"with dots", "req.456", ""},
		{"too long", strings.Repeat("a", 129), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			assert.Equal(t, tt.want, RequestIDFromContext(ctx))
		})
	}
}
