package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	ivfMinLists  = 16
	ivfMaxLists  = 256
	ivfMaxProbes = 16
)

var errNotTrained = errors.New("coarse quantizer is not trained")

// IVF partitions vectors into inverted lists around k-means centroids and
// scans only the lists nearest to the query. The lists are roaring bitmaps
// of slots.
//
// With fewer than Params.IVFMinTrain vectors the quantizer is not trained:
// Search scans every vector and incremental changes fail with NotTrained
// so the owner rebuilds.
type IVF struct {
	mu        sync.RWMutex
	dim       int
	params    Params
	dot       dotFunc
	vecs      map[uint32][]float32
	centroids [][]float32
	lists     []*roaring.Bitmap
	assign    map[uint32]int
	nprobe    int
}

func newIVF(dim int, p Params, dot dotFunc) *IVF {
	return &IVF{
		dim:    dim,
		params: p,
		dot:    dot,
		vecs:   make(map[uint32][]float32),
		assign: make(map[uint32]int),
	}
}

func (x *IVF) Kind() Kind     { return KindIVF }
func (x *IVF) Dimension() int { return x.dim }

func (x *IVF) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vecs)
}

// Trained reports whether the coarse quantizer has centroids.
func (x *IVF) Trained() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.trained()
}

func (x *IVF) trained() bool { return len(x.centroids) > 0 }

// listCount picks the number of inverted lists for n vectors.
func listCount(n int) int {
	nl := int(math.Sqrt(float64(n)))
	nl = max(nl, ivfMinLists)
	nl = min(nl, ivfMaxLists)
	return min(nl, n)
}

func (x *IVF) Build(ctx context.Context, entries []Entry) error {
	if err := checkEntries(KindIVF, x.dim, entries); err != nil {
		return err
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })

	vecs := make(map[uint32][]float32, len(sorted))
	ordered := make([][]float32, len(sorted))
	for i, e := range sorted {
		v := normalize(e.Vector)
		vecs[e.Slot] = v
		ordered[i] = v
	}

	var (
		centroids [][]float32
		lists     []*roaring.Bitmap
		assign    = make(map[uint32]int, len(sorted))
	)
	if len(sorted) >= x.params.IVFMinTrain {
		c, a, err := trainSpherical(ctx, ordered, listCount(len(sorted)), x.params.Seed, x.dot)
		if err != nil {
			return err
		}
		centroids = c
		lists = make([]*roaring.Bitmap, len(c))
		for j := range lists {
			lists[j] = roaring.New()
		}
		for i, e := range sorted {
			lists[a[i]].Add(e.Slot)
			assign[e.Slot] = a[i]
		}
	}

	x.mu.Lock()
	x.vecs, x.centroids, x.lists, x.assign = vecs, centroids, lists, assign
	x.nprobe = min(ivfMaxProbes, len(centroids))
	x.mu.Unlock()
	return nil
}

func (x *IVF) Upsert(slot uint32, vec []float32) error {
	if len(vec) != x.dim {
		return dimErr(KindIVF, x.dim, len(vec))
	}
	v := normalize(vec)

	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.trained() {
		return &IndexError{Kind: NotTrained, Backend: KindIVF, Err: errNotTrained}
	}
	if old, ok := x.assign[slot]; ok {
		x.lists[old].Remove(slot)
	}
	c := nearestCentroid(v, x.centroids, x.dot)
	x.lists[c].Add(slot)
	x.assign[slot] = c
	x.vecs[slot] = v
	return nil
}

func (x *IVF) Remove(slot uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.trained() {
		return &IndexError{Kind: NotTrained, Backend: KindIVF, Err: errNotTrained}
	}
	if c, ok := x.assign[slot]; ok {
		x.lists[c].Remove(slot)
		delete(x.assign, slot)
	}
	delete(x.vecs, slot)
	return nil
}

func (x *IVF) Search(query []float32, k int, threshold float32) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, dimErr(KindIVF, x.dim, len(query))
	}
	start := time.Now()
	q := normalize(query)

	x.mu.RLock()
	var hits []Hit
	if !x.trained() {
		for slot, v := range x.vecs {
			if s := x.dot(q, v); s >= threshold {
				hits = append(hits, Hit{Slot: slot, Score: s})
			}
		}
	} else {
		candidates := roaring.New()
		for _, c := range closestCentroids(q, x.centroids, x.nprobe, x.dot) {
			candidates.Or(x.lists[c])
		}
		it := candidates.Iterator()
		for it.HasNext() {
			slot := it.Next()
			if s := x.dot(q, x.vecs[slot]); s >= threshold {
				hits = append(hits, Hit{Slot: slot, Score: s})
			}
		}
	}
	x.mu.RUnlock()

	hits = selectTop(hits, k)
	searchDuration.WithLabelValues(string(KindIVF)).Observe(time.Since(start).Seconds())
	return hits, nil
}

func (x *IVF) Clone() (Index, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c := newIVF(x.dim, x.params, x.dot)
	for slot, v := range x.vecs {
		c.vecs[slot] = append([]float32(nil), v...)
	}
	for slot, l := range x.assign {
		c.assign[slot] = l
	}
	c.centroids = make([][]float32, len(x.centroids))
	for j, cen := range x.centroids {
		c.centroids[j] = append([]float32(nil), cen...)
	}
	c.lists = make([]*roaring.Bitmap, len(x.lists))
	for j, l := range x.lists {
		c.lists[j] = l.Clone()
	}
	c.nprobe = x.nprobe
	return c, nil
}

// ivfPayload is the gob form of an IVF index.
type ivfPayload struct {
	Centroids [][]float32
	Lists     [][]byte
	Records   []vectorRecord
}

func (x *IVF) Encode(w io.Writer) error {
	x.mu.RLock()
	p := ivfPayload{
		Centroids: x.centroids,
		Lists:     make([][]byte, len(x.lists)),
		Records:   sortedRecords(x.vecs),
	}
	for j, l := range x.lists {
		b, err := l.MarshalBinary()
		if err != nil {
			x.mu.RUnlock()
			return fmt.Errorf("encode ivf list %d: %w", j, err)
		}
		p.Lists[j] = b
	}
	x.mu.RUnlock()
	return encodeBlob(w, KindIVF, x.dim, p)
}

func (x *IVF) Decode(r io.Reader) error {
	var p ivfPayload
	dim, err := decodeBlob(r, KindIVF, &p)
	if err != nil {
		return err
	}
	if dim != x.dim {
		return dimErr(KindIVF, x.dim, dim)
	}
	if len(p.Lists) != len(p.Centroids) {
		return &IndexError{Kind: VersionMismatch, Backend: KindIVF,
			Err: fmt.Errorf("%d lists for %d centroids", len(p.Lists), len(p.Centroids))}
	}

	vecs := make(map[uint32][]float32, len(p.Records))
	for _, rec := range p.Records {
		vecs[rec.Slot] = rec.Vector
	}
	lists := make([]*roaring.Bitmap, len(p.Lists))
	assign := make(map[uint32]int, len(p.Records))
	for j, b := range p.Lists {
		l := roaring.New()
		if err := l.UnmarshalBinary(b); err != nil {
			return &IndexError{Kind: VersionMismatch, Backend: KindIVF, Err: fmt.Errorf("decode list %d: %w", j, err)}
		}
		it := l.Iterator()
		for it.HasNext() {
			assign[it.Next()] = j
		}
		lists[j] = l
	}

	x.mu.Lock()
	x.vecs, x.centroids, x.lists, x.assign = vecs, p.Centroids, lists, assign
	x.nprobe = min(ivfMaxProbes, len(p.Centroids))
	x.mu.Unlock()
	return nil
}
