package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	if gen, ok := GenerationFromContext(ctx); ok {
		fields = append(fields, zap.Uint64("generation", gen))
	}

	return fields
}

type requestCtxKey struct{}
type generationCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context. Request ids usually arrive in
// client headers, so an empty or malformed id leaves ctx unchanged.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WithGeneration records the index generation serving the current operation.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationCtxKey{}, gen)
}

// GenerationFromContext extracts the index generation from context.
func GenerationFromContext(ctx context.Context) (uint64, bool) {
	g, ok := ctx.Value(generationCtxKey{}).(uint64)
	return g, ok
}

type loggerCtxKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger, with the
// correlation fields of ctx attached.
func FromContext(ctx context.Context) *zap.Logger {
	l, ok := ctx.Value(loggerCtxKey{}).(*zap.Logger)
	if !ok {
		return zap.NewNop()
	}
	if fields := ContextFields(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}
