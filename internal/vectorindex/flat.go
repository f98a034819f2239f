package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

const flatCollection = "slots"

// errNoEmbeddingFunc guards the chromem collection: every document and
// query carries a precomputed vector.
var errNoEmbeddingFunc = errors.New("flat index embeds nothing itself")

// Flat is the exact backend, held in an in-memory chromem-go collection.
// chromem scores by dot product over normalised vectors, i.e. cosine.
type Flat struct {
	mu   sync.RWMutex
	dim  int
	vecs map[uint32][]float32
	db   *chromem.DB
	col  *chromem.Collection
}

func newFlat(dim int) (*Flat, error) {
	f := &Flat{dim: dim, vecs: make(map[uint32][]float32)}
	if err := f.reset(); err != nil {
		return nil, err
	}
	return f, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// reset replaces the chromem collection with an empty one.
func (f *Flat) reset() error {
	db := chromem.NewDB()
	col, err := db.CreateCollection(flatCollection, nil, noEmbed)
	if err != nil {
		return &IndexError{Kind: BackendInit, Backend: KindFlat, Err: err}
	}
	f.db, f.col = db, col
	return nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func slotKey(slot uint32) string { return strconv.FormatUint(uint64(slot), 10) }

func toDocument(slot uint32, vec []float32) chromem.Document {
	key := slotKey(slot)
	return chromem.Document{ID: key, Content: key, Embedding: vec}
}

func (f *Flat) Kind() Kind     { return KindFlat }
func (f *Flat) Dimension() int { return f.dim }

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vecs)
}

func (f *Flat) Build(ctx context.Context, entries []Entry) error {
	if err := checkEntries(KindFlat, f.dim, entries); err != nil {
		return err
	}
	vecs := make(map[uint32][]float32, len(entries))
	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		v := normalize(e.Vector)
		vecs[e.Slot] = v
		if !isZero(v) {
			docs = append(docs, toDocument(e.Slot, v))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reset(); err != nil {
		return err
	}
	if len(docs) > 0 {
		if err := f.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &IndexError{Kind: BackendInit, Backend: KindFlat, Err: fmt.Errorf("add documents: %w", err)}
		}
	}
	f.vecs = vecs
	return nil
}

func (f *Flat) Upsert(slot uint32, vec []float32) error {
	if len(vec) != f.dim {
		return dimErr(KindFlat, f.dim, len(vec))
	}
	v := normalize(vec)

	f.mu.Lock()
	defer f.mu.Unlock()
	ctx := context.Background()
	if old, ok := f.vecs[slot]; ok && !isZero(old) {
		if err := f.col.Delete(ctx, nil, nil, slotKey(slot)); err != nil {
			return &IndexError{Kind: BackendInit, Backend: KindFlat, Err: err}
		}
	}
	if !isZero(v) {
		if err := f.col.AddDocument(ctx, toDocument(slot, v)); err != nil {
			return &IndexError{Kind: BackendInit, Backend: KindFlat, Err: err}
		}
	}
	f.vecs[slot] = v
	return nil
}

func (f *Flat) Remove(slot uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.vecs[slot]
	if !ok {
		return nil
	}
	if !isZero(old) {
		if err := f.col.Delete(context.Background(), nil, nil, slotKey(slot)); err != nil {
			return &IndexError{Kind: BackendInit, Backend: KindFlat, Err: err}
		}
	}
	delete(f.vecs, slot)
	return nil
}

// Search asks chromem for every document so the final ordering, including
// ties, is decided here rather than by chromem's partial sort. Zero vectors
// are kept out of chromem and score 0.
func (f *Flat) Search(query []float32, k int, threshold float32) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, dimErr(KindFlat, f.dim, len(query))
	}
	start := time.Now()
	q := normalize(query)

	f.mu.RLock()
	var zeros []uint32
	if isZero(q) || threshold <= 0 {
		for slot, v := range f.vecs {
			if isZero(q) || isZero(v) {
				zeros = append(zeros, slot)
			}
		}
	}
	var res []chromem.Result
	var err error
	if n := f.col.Count(); n > 0 && !isZero(q) {
		res, err = f.col.QueryEmbedding(context.Background(), q, n, nil, nil)
	}
	f.mu.RUnlock()
	if err != nil {
		return nil, &IndexError{Kind: BackendInit, Backend: KindFlat, Err: fmt.Errorf("query: %w", err)}
	}

	hits := make([]Hit, 0, len(res)+len(zeros))
	if threshold <= 0 {
		for _, slot := range zeros {
			hits = append(hits, Hit{Slot: slot})
		}
	}
	for _, r := range res {
		if r.Similarity < threshold {
			continue
		}
		slot, err := strconv.ParseUint(r.ID, 10, 32)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{Slot: uint32(slot), Score: r.Similarity})
	}
	hits = selectTop(hits, k)
	searchDuration.WithLabelValues(string(KindFlat)).Observe(time.Since(start).Seconds())
	return hits, nil
}

func (f *Flat) Clone() (Index, error) {
	f.mu.RLock()
	entries := make([]Entry, 0, len(f.vecs))
	for slot, v := range f.vecs {
		entries = append(entries, Entry{Slot: slot, Vector: v})
	}
	f.mu.RUnlock()

	c, err := newFlat(f.dim)
	if err != nil {
		return nil, err
	}
	if err := c.Build(context.Background(), entries); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *Flat) Encode(w io.Writer) error {
	f.mu.RLock()
	recs := sortedRecords(f.vecs)
	f.mu.RUnlock()
	return encodeBlob(w, KindFlat, f.dim, recs)
}

func (f *Flat) Decode(r io.Reader) error {
	var recs []vectorRecord
	dim, err := decodeBlob(r, KindFlat, &recs)
	if err != nil {
		return err
	}
	if dim != f.dim {
		return dimErr(KindFlat, f.dim, dim)
	}
	entries := make([]Entry, len(recs))
	for i, rec := range recs {
		entries[i] = Entry{Slot: rec.Slot, Vector: rec.Vector}
	}
	return f.Build(context.Background(), entries)
}
