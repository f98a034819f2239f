package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// syncsTotal counts index synchronisations after store changes.
	// Labels: result (noop, applied, rebuilt, error)
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "engine",
			Name:      "syncs_total",
			Help:      "Total number of index synchronisations by result",
		},
		[]string{"result"},
	)

	embeddedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "engine",
			Name:      "embedded_records_total",
			Help:      "Total number of records embedded for indexing",
		},
	)

	corpusLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "knowledged",
			Subsystem: "engine",
			Name:      "corpus_loads_total",
			Help:      "Total number of lexical corpus reloads from the record store",
		},
	)
)
