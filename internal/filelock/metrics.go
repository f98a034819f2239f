package filelock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lockAcquireTotal counts acquisition outcomes.
	// Labels: result (acquired, timeout)
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "filelock",
			Name:      "acquire_total",
			Help:      "Total number of file lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	lockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "filelock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a file lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	staleReclaimTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "filelock",
			Name:      "stale_reclaimed_total",
			Help:      "Total number of abandoned lock files reclaimed after their TTL",
		},
	)
)
