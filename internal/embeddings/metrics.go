package embeddings

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/knowledged/internal/embeddings"

// Metrics holds all embedding-related metrics.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	retries   metric.Int64Counter
	cacheHits metric.Int64Counter
	breaker   metric.Int64Counter
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *Metrics
)

// defaultMetrics returns the process-wide instruments on the global meter
// provider.
func defaultMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics(zap.NewNop())
	})
	return sharedMetrics
}

// NewMetrics creates the embedding instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(embeddingsInstrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"knowledged.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation in seconds, labeled by model and operation (embed_documents, embed_query)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"knowledged.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"knowledged.embedding.errors_total",
		metric.WithDescription("Total embedding generation errors by model, operation and gateway error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.retries, err = m.meter.Int64Counter(
		"knowledged.embedding.retries_total",
		metric.WithDescription("Total retried gateway calls by error kind"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"knowledged.embedding.query_cache_total",
		metric.WithDescription("Query embedding cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache counter", zap.Error(err))
	}

	m.breaker, err = m.meter.Int64Counter(
		"knowledged.embedding.circuit_rejections_total",
		metric.WithDescription("Total gateway calls rejected by the open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create breaker counter", zap.Error(err))
	}
}

// RecordGeneration records embedding generation metrics.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("operation", operation),
	}

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}

	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), metric.WithAttributes(attrs...))
	}

	if err != nil && m.errors != nil {
		attrs = append(attrs, attribute.String("kind", KindOf(err).String()))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts one retried call.
func (m *Metrics) RecordRetry(ctx context.Context, kind ErrorKind) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
}

// RecordCache counts one query cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m.cacheHits == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCircuitRejection counts one call refused by the breaker.
func (m *Metrics) RecordCircuitRejection(ctx context.Context) {
	if m.breaker != nil {
		m.breaker.Add(ctx, 1)
	}
}
