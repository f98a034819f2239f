package engine

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/knowledged/internal/generation"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

// Degradation reasons reported by IndexStatus.
const (
	DegradedNoGateway      = "no_gateway"
	DegradedGatewayBreaker = "gateway_circuit_open"
	DegradedNoAcceleration = "accelerated_backend_unavailable"
	DegradedNoIndex        = "no_index"
	DegradedStale          = "index_stale"
)

// Status describes the served index.
type Status struct {
	generation.Status

	StoreVersion   uint64 `json:"store_version"`
	IndexedVersion uint64 `json:"indexed_version"`

	Degraded        bool     `json:"degraded"`
	DegradedReasons []string `json:"degraded_reasons,omitempty"`

	Capabilities vectorindex.Capabilities `json:"capabilities"`
	// Gateway is the circuit breaker state, or "disabled".
	Gateway string `json:"gateway"`
}

// IndexStatus reports the lifecycle state of the served generation and
// whether retrieval is running degraded.
func (e *Engine) IndexStatus(ctx context.Context) Status {
	st := Status{Status: e.gens.Status(), Gateway: "disabled"}
	if g := e.gens.Current(); g != nil {
		st.IndexedVersion = g.Mapping.Descriptor().StoreVersion
	}
	if v, err := e.store.Version(ctx); err == nil {
		st.StoreVersion = v
		if st.State == generation.Ready && v != st.IndexedVersion {
			st.State = generation.Stale
		}
	} else if st.LastError == "" {
		st.LastError = err.Error()
	}

	var reasons []string
	if e.gateway == nil {
		reasons = append(reasons, DegradedNoGateway)
	} else {
		st.Gateway = "closed"
		if br, ok := e.gateway.(breakerReporter); ok {
			st.Gateway = br.BreakerState()
		}
		if st.Gateway != "closed" {
			reasons = append(reasons, DegradedGatewayBreaker)
		}
	}
	if e.selector.Probe != nil {
		st.Capabilities = e.selector.Probe.Capabilities()
		if !st.Capabilities.Accelerated {
			reasons = append(reasons, DegradedNoAcceleration)
		}
	}
	switch st.State {
	case generation.Missing:
		reasons = append(reasons, DegradedNoIndex)
	case generation.Stale:
		reasons = append(reasons, DegradedStale)
	}
	st.Degraded = len(reasons) > 0
	st.DegradedReasons = reasons
	return st
}

func sortByID(recs []records.KnowledgeRecord) {
	sort.Slice(recs, func(i, j int) bool { return vectorindex.CompareIDs(recs[i].ID, recs[j].ID) < 0 })
}
