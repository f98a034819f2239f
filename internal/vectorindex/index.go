// Package vectorindex provides similarity search backends over unit-length
// embedding vectors addressed by uint32 slots.
//
// Four backends share the Index interface: Flat (exact, chromem-go), IVF
// (k-means coarse quantizer), HNSW (navigable small-world graph) and
// LinearFallback (exact, scalar kernel only). A Selector picks one at every
// full build from the record count and the Probe's view of whether the
// accelerated backends are usable.
//
// Scores are cosine similarities; vectors are L2-normalised on the way in.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind names a backend.
type Kind string

const (
	KindFlat   Kind = "flat"
	KindIVF    Kind = "ivf"
	KindHNSW   Kind = "hnsw"
	KindLinear Kind = "linear"
)

// Valid reports whether k names a known backend.
func (k Kind) Valid() bool {
	switch k {
	case KindFlat, KindIVF, KindHNSW, KindLinear:
		return true
	}
	return false
}

// Entry is one vector to index.
type Entry struct {
	Slot   uint32
	Vector []float32
}

// Hit is one search result.
type Hit struct {
	Slot  uint32
	Score float32
}

// Index is a similarity search backend.
//
// Search returns hits with Score >= threshold ordered by descending score,
// then ascending slot. It returns at most k hits, except that hits tying
// with the k-th score are also returned so callers can apply their own
// tie-break before truncating.
type Index interface {
	Kind() Kind
	Dimension() int
	Len() int

	// Build replaces the content with entries.
	Build(ctx context.Context, entries []Entry) error
	Upsert(slot uint32, vec []float32) error
	Remove(slot uint32) error
	Search(query []float32, k int, threshold float32) ([]Hit, error)

	// Clone returns an independent deep copy.
	Clone() (Index, error)

	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// Params tunes the backends.
type Params struct {
	IVFMinTrain    int
	HNSWM          int
	EfConstruction int
	EfSearch       int
	// Seed drives k-means initialisation and HNSW level assignment.
	Seed int64
}

// DefaultParams returns the standard tuning.
func DefaultParams() Params {
	return Params{
		IVFMinTrain:    39,
		HNSWM:          32,
		EfConstruction: 200,
		EfSearch:       64,
		Seed:           42,
	}
}

func (p *Params) applyDefaults() {
	d := DefaultParams()
	if p.IVFMinTrain <= 0 {
		p.IVFMinTrain = d.IVFMinTrain
	}
	if p.HNSWM < 2 {
		p.HNSWM = d.HNSWM
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = d.EfConstruction
	}
	if p.EfSearch <= 0 {
		p.EfSearch = d.EfSearch
	}
	if p.Seed == 0 {
		p.Seed = d.Seed
	}
}

// ErrRebuildRequired is wrapped by every IndexError: the only remedy for an
// index error is a full rebuild.
var ErrRebuildRequired = errors.New("index rebuild required")

// ErrorKind classifies an IndexError.
type ErrorKind int

const (
	DimensionMismatch ErrorKind = iota + 1
	BackendInit
	VersionMismatch
	NotTrained
)

func (k ErrorKind) String() string {
	switch k {
	case DimensionMismatch:
		return "dimension mismatch"
	case BackendInit:
		return "backend init"
	case VersionMismatch:
		return "version mismatch"
	case NotTrained:
		return "not trained"
	default:
		return "unknown"
	}
}

// IndexError reports a backend failure.
type IndexError struct {
	Kind     ErrorKind
	Backend  Kind
	Expected int
	Actual   int
	Err      error
}

func (e *IndexError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vectorindex %s: %s", e.Backend, e.Kind)
	if e.Kind == DimensionMismatch {
		fmt.Fprintf(&b, " (expected %d, got %d)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *IndexError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRebuildRequired}
	}
	return []error{ErrRebuildRequired, e.Err}
}

// IsKind reports whether err is an IndexError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ie *IndexError
	return errors.As(err, &ie) && ie.Kind == k
}

func dimErr(backend Kind, expected, actual int) error {
	return &IndexError{Kind: DimensionMismatch, Backend: backend, Expected: expected, Actual: actual}
}

// New constructs an empty backend of kind k. Accelerated backends use the
// dot-product kernel selected by the probe.
func New(k Kind, dim int, p Params, probe *Probe) (Index, error) {
	if dim <= 0 {
		return nil, &IndexError{Kind: BackendInit, Backend: k, Err: fmt.Errorf("dimension must be positive, got %d", dim)}
	}
	p.applyDefaults()
	dot := dotScalar
	if probe != nil && k != KindLinear {
		dot = probe.Kernel()
	}
	switch k {
	case KindFlat:
		return newFlat(dim)
	case KindIVF:
		return newIVF(dim, p, dot), nil
	case KindHNSW:
		return newHNSW(dim, p, dot), nil
	case KindLinear:
		return newLinear(dim), nil
	default:
		return nil, &IndexError{Kind: BackendInit, Backend: k, Err: fmt.Errorf("unknown backend %q", k)}
	}
}

// normalize returns a unit-length copy of v. The zero vector stays zero.
func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1) < 1e-9 {
		copy(out, v)
		return out
	}
	inv := 1 / norm
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Normalize is the exported form of the vector normalisation used by every
// backend.
func Normalize(v []float32) []float32 {
	return normalize(v)
}

// MeanNormalized averages vecs and normalises the result. It returns nil
// when vecs is empty or dimensions disagree.
func MeanNormalized(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vecs))
	for i := range acc {
		out[i] = float32(acc[i] / n)
	}
	return normalize(out)
}

// sortHits orders by score descending, slot ascending.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Slot < hits[j].Slot
	})
}

// selectTop sorts hits and keeps the first k plus any hits tying with the
// k-th score.
func selectTop(hits []Hit, k int) []Hit {
	sortHits(hits)
	if k <= 0 || len(hits) <= k {
		return hits
	}
	cut := k
	for cut < len(hits) && hits[cut].Score == hits[k-1].Score {
		cut++
	}
	return hits[:cut]
}

// CompareIDs orders record identities: ids that are both decimal integers
// compare numerically, otherwise lexicographically.
func CompareIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// checkEntries validates dimensions before a build.
func checkEntries(backend Kind, dim int, entries []Entry) error {
	seen := make(map[uint32]struct{}, len(entries))
	for _, e := range entries {
		if len(e.Vector) != dim {
			return dimErr(backend, dim, len(e.Vector))
		}
		if _, dup := seen[e.Slot]; dup {
			return &IndexError{Kind: BackendInit, Backend: backend, Err: fmt.Errorf("duplicate slot %d", e.Slot)}
		}
		seen[e.Slot] = struct{}{}
	}
	return nil
}
