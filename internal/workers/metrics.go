package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "knowledged",
			Subsystem: "workers",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the background queue",
		},
	)

	// tasksTotal counts task outcomes.
	// Labels: task, result (success, error, rejected, coalesced)
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "workers",
			Name:      "tasks_total",
			Help:      "Total number of background tasks by outcome",
		},
		[]string{"task", "result"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "workers",
			Name:      "task_duration_seconds",
			Help:      "Duration of background tasks in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
)
