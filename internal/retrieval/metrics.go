package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queriesTotal counts retrievals.
	// Labels: method (hybrid, vector, lexical, none)
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total number of retrieve calls by the passes that contributed",
		},
		[]string{"method"},
	)

	// degradedTotal counts retrievals that skipped the vector pass.
	// Labels: reason (gateway, no_index, index_error, timeout)
	degradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "retrieval",
			Name:      "degraded_total",
			Help:      "Total number of retrievals served without the vector pass",
		},
		[]string{"reason"},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "Duration of retrieve calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	hitsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "retrieval",
			Name:      "hits",
			Help:      "Number of hits returned per retrieve call",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)
)
