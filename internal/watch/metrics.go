package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// changesTotal counts debounced file changes.
	// Labels: file
	changesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "watch",
			Name:      "changes_total",
			Help:      "Total number of debounced record file changes",
		},
		[]string{"file"},
	)

	watchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "watch",
			Name:      "errors_total",
			Help:      "Total number of filesystem watcher errors",
		},
	)
)
