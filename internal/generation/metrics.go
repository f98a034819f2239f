package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// buildsTotal counts full builds.
	// Labels: result (success, error)
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "generation",
			Name:      "builds_total",
			Help:      "Total number of full index builds",
		},
		[]string{"result"},
	)

	buildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "generation",
			Name:      "build_duration_seconds",
			Help:      "Duration of full index builds in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	staleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "generation",
			Name:      "stale_total",
			Help:      "Total number of times the served generation was marked stale",
		},
	)

	currentGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "knowledged",
			Subsystem: "generation",
			Name:      "current",
			Help:      "Sequence number of the served index generation",
		},
	)

	recordsServed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "knowledged",
			Subsystem: "generation",
			Name:      "records",
			Help:      "Number of records in the served index generation",
		},
	)
)
