package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downgradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "vectorindex",
			Name:      "downgrades_total",
			Help:      "Total number of permanent downgrades to the linear fallback backend",
		},
	)

	// searchDuration tracks backend search latency.
	// Labels: backend (flat, ivf, hnsw, linear)
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "vectorindex",
			Name:      "search_duration_seconds",
			Help:      "Duration of vector index searches in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"backend"},
	)
)
