package records

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mutationsTotal counts committed and failed mutations.
	// Labels: collection (knowledge, products), op (upsert, delete), result (success, error)
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "records",
			Name:      "mutations_total",
			Help:      "Total number of record store mutations",
		},
		[]string{"collection", "op", "result"},
	)

	synthesisStaleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "records",
			Name:      "synthesis_stale_total",
			Help:      "Total number of product saves whose synthesized record could not be written",
		},
	)
)
