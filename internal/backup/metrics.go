package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// snapshotsTotal counts snapshot attempts.
	// Labels: result (success, error)
	snapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "backup",
			Name:      "snapshots_total",
			Help:      "Total number of backup snapshots by result",
		},
		[]string{"result"},
	)

	snapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "knowledged",
			Subsystem: "backup",
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of backup snapshots in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	prunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "backup",
			Name:      "pruned_total",
			Help:      "Total number of snapshots removed by retention",
		},
	)
)
