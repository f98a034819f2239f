package vectorindex

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// Linear is the LinearFallback backend: an exact sequential scan using the
// scalar kernel only.
type Linear struct {
	mu   sync.RWMutex
	dim  int
	vecs map[uint32][]float32
}

func newLinear(dim int) *Linear {
	return &Linear{dim: dim, vecs: make(map[uint32][]float32)}
}

func (l *Linear) Kind() Kind     { return KindLinear }
func (l *Linear) Dimension() int { return l.dim }

func (l *Linear) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.vecs)
}

func (l *Linear) Build(ctx context.Context, entries []Entry) error {
	if err := checkEntries(KindLinear, l.dim, entries); err != nil {
		return err
	}
	vecs := make(map[uint32][]float32, len(entries))
	for i, e := range entries {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		vecs[e.Slot] = normalize(e.Vector)
	}
	l.mu.Lock()
	l.vecs = vecs
	l.mu.Unlock()
	return nil
}

func (l *Linear) Upsert(slot uint32, vec []float32) error {
	if len(vec) != l.dim {
		return dimErr(KindLinear, l.dim, len(vec))
	}
	l.mu.Lock()
	l.vecs[slot] = normalize(vec)
	l.mu.Unlock()
	return nil
}

func (l *Linear) Remove(slot uint32) error {
	l.mu.Lock()
	delete(l.vecs, slot)
	l.mu.Unlock()
	return nil
}

func (l *Linear) Search(query []float32, k int, threshold float32) ([]Hit, error) {
	if len(query) != l.dim {
		return nil, dimErr(KindLinear, l.dim, len(query))
	}
	start := time.Now()
	q := normalize(query)

	l.mu.RLock()
	hits := make([]Hit, 0, min(len(l.vecs), max(k, 0)*2+1))
	for slot, v := range l.vecs {
		if s := dotScalar(q, v); s >= threshold {
			hits = append(hits, Hit{Slot: slot, Score: s})
		}
	}
	l.mu.RUnlock()

	hits = selectTop(hits, k)
	searchDuration.WithLabelValues(string(KindLinear)).Observe(time.Since(start).Seconds())
	return hits, nil
}

func (l *Linear) Clone() (Index, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := newLinear(l.dim)
	for slot, v := range l.vecs {
		c.vecs[slot] = append([]float32(nil), v...)
	}
	return c, nil
}

func (l *Linear) Encode(w io.Writer) error {
	l.mu.RLock()
	recs := sortedRecords(l.vecs)
	l.mu.RUnlock()
	return encodeBlob(w, KindLinear, l.dim, recs)
}

func (l *Linear) Decode(r io.Reader) error {
	var recs []vectorRecord
	dim, err := decodeBlob(r, KindLinear, &recs)
	if err != nil {
		return err
	}
	if dim != l.dim {
		return dimErr(KindLinear, l.dim, dim)
	}
	vecs := make(map[uint32][]float32, len(recs))
	for _, rec := range recs {
		vecs[rec.Slot] = rec.Vector
	}
	l.mu.Lock()
	l.vecs = vecs
	l.mu.Unlock()
	return nil
}

// sortedRecords flattens a slot map in slot order so encodings are stable.
func sortedRecords(vecs map[uint32][]float32) []vectorRecord {
	recs := make([]vectorRecord, 0, len(vecs))
	for slot, v := range vecs {
		recs = append(recs, vectorRecord{Slot: slot, Vector: v})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Slot < recs[j].Slot })
	return recs
}
