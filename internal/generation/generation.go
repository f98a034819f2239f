// Package generation owns the lifecycle of index generations.
//
// A generation is one consistent (index, mapping) pair. Readers load the
// current generation through an atomic pointer and keep using it for the
// whole query; writers never modify a published generation but publish a
// new one, either from a full build or from a copy-on-write incremental
// change.
//
// States move Missing → Building → Ready → Stale → Building → Ready.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/indexmap"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

// State is the lifecycle state of the served index.
type State int32

const (
	Missing State = iota
	Building
	Ready
	Stale
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name, for clients reading status payloads.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Missing, Building, Ready, Stale} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown generation state %q", text)
}

// ErrNoGeneration is returned by Apply when nothing has been published.
var ErrNoGeneration = errors.New("no index generation published")

// Generation is an immutable published index.
type Generation struct {
	Seq       uint64
	Index     vectorindex.Index
	Mapping   *indexmap.Mapper
	Published time.Time
}

// Match is a search hit resolved to a record id.
type Match struct {
	ID    string
	Slot  uint32
	Score float32
}

// Search returns up to k matches with score >= threshold, ordered by
// descending score and then ascending record id.
func (g *Generation) Search(query []float32, k int, threshold float32) ([]Match, error) {
	hits, err := g.Index.Search(query, k, threshold)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		id, ok := g.Mapping.ID(h.Slot)
		if !ok {
			continue
		}
		out = append(out, Match{ID: id, Slot: h.Slot, Score: h.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return vectorindex.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Descriptor returns the generation's descriptor.
func (g *Generation) Descriptor() indexmap.Descriptor {
	d := g.Mapping.Descriptor()
	d.IndexType = g.Index.Kind()
	d.Dimension = g.Index.Dimension()
	return d
}

// Status is a point-in-time view of the manager.
type Status struct {
	State       State     `json:"state"`
	Generation  uint64    `json:"generation"`
	RecordCount int       `json:"record_count"`
	Backend     string    `json:"backend,omitempty"`
	Dimension   int       `json:"dimension,omitempty"`
	BuiltAt     time.Time `json:"built_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Config configures a Manager.
type Config struct {
	Logger *zap.Logger
}

// Manager publishes generations. Builds and incremental changes are
// serialised by one writer mutex; reads never block on it.
type Manager struct {
	logger *zap.Logger

	current atomic.Pointer[Generation]
	state   atomic.Int32
	seq     atomic.Uint64

	writeMu sync.Mutex

	errMu   sync.Mutex
	lastErr string
}

// NewManager returns a Manager in state Missing.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{logger: cfg.Logger}
	m.state.Store(int32(Missing))
	return m
}

// Current returns the served generation, or nil before the first publish.
func (m *Manager) Current() *Generation { return m.current.Load() }

// State returns the lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Status reports state, served generation and the last build error.
func (m *Manager) Status() Status {
	st := Status{State: m.State()}
	if g := m.Current(); g != nil {
		d := g.Descriptor()
		st.Generation = g.Seq
		st.RecordCount = d.RecordCount
		st.Backend = string(d.IndexType)
		st.Dimension = d.Dimension
		st.BuiltAt = d.BuiltAt
	}
	m.errMu.Lock()
	st.LastError = m.lastErr
	m.errMu.Unlock()
	return st
}

// MarkStale records that the served generation no longer matches the
// store. It is a no-op before the first publish.
func (m *Manager) MarkStale(reason string) {
	if m.state.CompareAndSwap(int32(Ready), int32(Stale)) {
		staleTotal.Inc()
		m.logger.Info("generation: marked stale", zap.String("reason", reason))
	}
}

// BuildFunc produces a complete index and mapping.
type BuildFunc func(ctx context.Context) (vectorindex.Index, *indexmap.Mapper, error)

// Build runs fn as a full build and publishes its result. While it runs
// the previous generation keeps serving. If fn fails the previous
// generation stays published and the state reverts to what it was, with
// the error kept for Status.
func (m *Manager) Build(ctx context.Context, fn BuildFunc) (*Generation, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := State(m.state.Swap(int32(Building)))
	start := time.Now()
	idx, mp, err := fn(ctx)
	buildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		restore := prev
		if restore == Building {
			restore = Stale
		}
		if m.Current() == nil {
			restore = Missing
		}
		m.state.Store(int32(restore))
		m.setErr(err)
		buildsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("generation: build failed, previous generation keeps serving",
			zap.Error(err), zap.Stringer("state", restore))
		return nil, err
	}
	buildsTotal.WithLabelValues("success").Inc()
	m.setErr(nil)
	return m.publish(idx, mp), nil
}

// Adopt publishes an index restored from disk without running a build.
func (m *Manager) Adopt(idx vectorindex.Index, mp *indexmap.Mapper) *Generation {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.publish(idx, mp)
}

// ApplyFunc mutates private copies of the current index and mapping.
type ApplyFunc func(idx vectorindex.Index, mp *indexmap.Mapper) error

// Apply clones the current generation, runs fn on the clone and publishes
// it. Readers holding the previous generation are unaffected. When fn
// fails nothing is published and the error is returned; callers treat it
// as a reason to rebuild.
func (m *Manager) Apply(fn ApplyFunc) (*Generation, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.Current()
	if cur == nil {
		return nil, ErrNoGeneration
	}
	idx, err := cur.Index.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone index: %w", err)
	}
	mp := cur.Mapping.Clone()
	if err := fn(idx, mp); err != nil {
		return nil, err
	}
	return m.publishKeepState(idx, mp), nil
}

func (m *Manager) publish(idx vectorindex.Index, mp *indexmap.Mapper) *Generation {
	g := m.publishKeepState(idx, mp)
	m.state.Store(int32(Ready))
	return g
}

// publishKeepState swaps in a new generation without touching the state,
// so an incremental change to a stale generation leaves it stale.
func (m *Manager) publishKeepState(idx vectorindex.Index, mp *indexmap.Mapper) *Generation {
	g := &Generation{
		Seq:       m.seq.Add(1),
		Index:     idx,
		Mapping:   mp,
		Published: time.Now().UTC(),
	}
	m.current.Store(g)
	if m.State() == Missing {
		m.state.Store(int32(Ready))
	}
	currentGeneration.Set(float64(g.Seq))
	recordsServed.Set(float64(mp.Len()))
	m.logger.Debug("generation: published",
		zap.Uint64("generation", g.Seq),
		zap.String("backend", string(idx.Kind())),
		zap.Int("records", mp.Len()))
	return g
}

func (m *Manager) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}
