package vectorindex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Capabilities describes what the probe found.
type Capabilities struct {
	Accelerated bool       `json:"accelerated"`
	Feature     CPUFeature `json:"cpu_feature"`
	Kernel      string     `json:"kernel"`
	// Reason explains why acceleration is unavailable.
	Reason string `json:"reason,omitempty"`
}

// Probe decides whether the accelerated backends may be used. Once a
// backend constructor fails the probe downgrades permanently for the life
// of the process and logs a single warning.
type Probe struct {
	disabled bool
	feature  CPUFeature
	kernel   dotFunc
	kname    string
	logger   *zap.Logger

	once       sync.Once
	downgraded atomic.Bool
	mu         sync.Mutex
	reason     string
}

// NewProbe inspects the CPU. disable forces LinearFallback for every build.
func NewProbe(disable bool, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := detectFeature()
	k, name := kernelFor(f)
	p := &Probe{
		disabled: disable,
		feature:  f,
		kernel:   k,
		kname:    name,
		logger:   logger,
	}
	switch {
	case !buildAccel:
		p.reason = "built with noaccel tag"
	case disable:
		p.reason = "disabled by configuration"
	}
	return p
}

// Available reports whether accelerated backends may be constructed.
func (p *Probe) Available() bool {
	return buildAccel && !p.disabled && !p.downgraded.Load()
}

// Kernel returns the dot-product kernel for accelerated backends.
func (p *Probe) Kernel() dotFunc {
	if !p.Available() {
		return dotScalar
	}
	return p.kernel
}

// Downgrade permanently disables acceleration after a backend failure.
func (p *Probe) Downgrade(err error) {
	p.downgraded.Store(true)
	p.once.Do(func() {
		p.mu.Lock()
		p.reason = "backend init failed: " + err.Error()
		p.mu.Unlock()
		downgradesTotal.Inc()
		p.logger.Warn("vectorindex: accelerated backend unavailable, using linear fallback for the rest of this process",
			zap.Error(err))
	})
}

// Capabilities returns the current probe result.
func (p *Probe) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Capabilities{
		Accelerated: p.Available(),
		Feature:     p.feature,
		Kernel:      "scalar",
		Reason:      p.reason,
	}
	if c.Accelerated {
		c.Kernel = p.kname
		c.Reason = ""
	}
	return c
}

// Selector chooses a backend from the record count.
type Selector struct {
	IVFThreshold  int
	HNSWThreshold int
	Params        Params
	Probe         *Probe
}

// Choose returns the backend for count records: Flat below IVFThreshold,
// IVF below HNSWThreshold, HNSW above. Every choice becomes LinearFallback
// when the probe reports no acceleration.
func (s Selector) Choose(count int) Kind {
	if s.Probe != nil && !s.Probe.Available() {
		return KindLinear
	}
	ivf, hnsw := s.IVFThreshold, s.HNSWThreshold
	if ivf <= 0 {
		ivf = 1000
	}
	if hnsw <= 0 {
		hnsw = 50000
	}
	switch {
	case count >= hnsw:
		return KindHNSW
	case count >= ivf:
		return KindIVF
	default:
		return KindFlat
	}
}

// Build chooses a backend for entries, constructs it and builds it. A
// failing accelerated constructor or build downgrades the probe and the
// entries are built into LinearFallback instead; dimension errors and
// cancellation are returned unchanged.
func (s Selector) Build(ctx context.Context, dim int, entries []Entry) (Index, error) {
	kind := s.Choose(len(entries))
	idx, err := New(kind, dim, s.Params, s.Probe)
	if err == nil {
		err = idx.Build(ctx, entries)
	}
	if err == nil {
		return idx, nil
	}
	if kind == KindLinear || IsKind(err, DimensionMismatch) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	if s.Probe != nil {
		s.Probe.Downgrade(err)
	}
	lin := newLinear(dim)
	if lerr := lin.Build(ctx, entries); lerr != nil {
		return nil, lerr
	}
	return lin, nil
}

// Restore constructs an empty backend of kind k for decoding a blob. A kind
// the probe no longer permits is refused so the caller rebuilds.
func (s Selector) Restore(k Kind, dim int) (Index, error) {
	if k != KindLinear && s.Probe != nil && !s.Probe.Available() {
		return nil, &IndexError{Kind: VersionMismatch, Backend: k, Err: errors.New("accelerated backend unavailable")}
	}
	return New(k, dim, s.Params, s.Probe)
}
