package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/generation"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
	"github.com/fyrsmithlabs/knowledged/internal/workers"
)

const testDim = 32

// hashGateway embeds text as a hashed bag of words, so texts sharing terms
// are similar.
type hashGateway struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (g *hashGateway) vector(text string) []float32 {
	v := make([]float32, testDim)
	v[testDim-1] = 0.01
	for _, term := range retrieval.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		v[h.Sum32()%uint32(testDim-1)]++
	}
	return v
}

func (g *hashGateway) err() error {
	return &embeddings.GatewayError{Kind: embeddings.KindNetwork, Provider: "fake", Err: errors.New("connection refused")}
}

func (g *hashGateway) Embed(_ context.Context, texts []string) ([][]float32, error) {
	g.calls.Add(1)
	if g.fail.Load() {
		return nil, g.err()
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = g.vector(t)
	}
	return out, nil
}

func (g *hashGateway) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if g.fail.Load() {
		return nil, g.err()
	}
	return g.vector(text), nil
}

func newTestEngine(t *testing.T, dir string, gw Gateway, pool *workers.Pool, opts ...func(*Config)) *Engine {
	t.Helper()
	guard := filelock.New(filelock.Config{
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	store, err := records.Open(records.Config{Dir: dir, Guard: guard})
	require.NoError(t, err)

	cfg := Config{
		Store:     store,
		Guard:     guard,
		DataDir:   dir,
		Gateway:   gw,
		Dimension: testDim,
		Selector:  vectorindex.Selector{Params: vectorindex.DefaultParams(), Probe: vectorindex.NewProbe(false, nil)},
		Retrieval: retrieval.DefaultSettings(),
		Pool:      pool,
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	return e
}

func refundRecord() records.KnowledgeRecord {
	return records.KnowledgeRecord{
		Question: "What is the refund policy?",
		Answer:   "Refunds are issued within 7 days of delivery.",
		Keywords: []string{"refund"},
	}
}

func shippingRecord() records.KnowledgeRecord {
	return records.KnowledgeRecord{
		Question: "How long does shipping take?",
		Answer:   "Orders ship within two business days.",
		Keywords: []string{"shipping"},
	}
}

func hitIDs(res *retrieval.Result) []string {
	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	return ids
}

func TestNew_RequiresCollaborators(t *testing.T) {
	guard := filelock.New(filelock.Config{})
	store, err := records.Open(records.Config{Dir: t.TempDir(), Guard: guard})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no store", Config{Guard: guard, DataDir: "x"}},
		{"no guard", Config{Store: store, DataDir: "x"}},
		{"no data dir", Config{Store: store, Guard: guard}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestEngine_UpsertIsVisibleToRetrieve(t *testing.T) {
	ctx := context.Background()
	gw := &hashGateway{}
	e := newTestEngine(t, t.TempDir(), gw, nil)

	refund, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, refund.ID, res.Hits[0].ID)
	assert.False(t, res.Degraded)
	assert.Equal(t, retrieval.MethodHybrid, res.Method)
	assert.Greater(t, res.Hits[0].VectorScore, 0.0)
	assert.Contains(t, res.Context, "refund policy")

	st := e.IndexStatus(ctx)
	assert.Equal(t, generation.Ready, st.State)
	assert.Equal(t, 2, st.RecordCount)
	assert.Equal(t, st.StoreVersion, st.IndexedVersion)
	assert.Equal(t, "closed", st.Gateway)
}

func TestEngine_DeleteIsVisibleToRetrieve(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), &hashGateway{}, nil)

	refund, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)

	coll, err := e.DeleteRecord(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, records.CollectionKnowledge, coll)

	g := e.Generations().Current()
	require.NotNil(t, g)
	_, ok := g.Mapping.Slot(refund.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, g.Index.Len())

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(res), refund.ID)

	_, err = e.DeleteRecord(ctx, "missing")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestEngine_ProductSynthesisIsIndexed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), &hashGateway{}, nil)

	p, synth, err := e.UpsertProductRecord(ctx, records.ProductRecord{
		Name:     "Red Mug",
		Price:    9.99,
		Category: "Kitchen",
		Stock:    12,
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID+"_K1", synth.ID)
	assert.Contains(t, synth.Answer, "$9.99")

	_, ok := e.Generations().Current().Mapping.Slot(synth.ID)
	assert.True(t, ok)

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "red mug price"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, synth.ID, res.Hits[0].ID)

	coll, err := e.DeleteRecord(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, records.CollectionProducts, coll)

	_, ok = e.Generations().Current().Mapping.Slot(synth.ID)
	assert.False(t, ok)
	_, err = e.Store().GetKnowledge(ctx, synth.ID)
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestEngine_StoreVersionMismatchForcesRebuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e1 := newTestEngine(t, dir, &hashGateway{}, nil)
	_, err := e1.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e1.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)

	// Unchanged store: the persisted index is adopted without embedding.
	gw2 := &hashGateway{}
	e2 := newTestEngine(t, dir, gw2, nil)
	assert.Zero(t, gw2.calls.Load())
	assert.Equal(t, 2, e2.IndexStatus(ctx).RecordCount)

	// Another process writes without this engine's hook.
	other, err := records.Open(records.Config{Dir: dir, Guard: filelock.New(filelock.Config{})})
	require.NoError(t, err)
	added, err := other.UpsertKnowledge(ctx, records.KnowledgeRecord{Question: "Do you ship abroad?", Answer: "Yes, to most countries."})
	require.NoError(t, err)

	gw3 := &hashGateway{}
	e3 := newTestEngine(t, dir, gw3, nil)
	assert.Positive(t, gw3.calls.Load())

	st := e3.IndexStatus(ctx)
	assert.Equal(t, generation.Ready, st.State)
	assert.Equal(t, 3, st.RecordCount)
	assert.Equal(t, st.StoreVersion, st.IndexedVersion)
	_, ok := e3.Generations().Current().Mapping.Slot(added.ID)
	assert.True(t, ok)
}

// bumpStoreVersion rewrites the knowledge file in place with a higher
// version and unchanged records, as a hand edit would.
func bumpStoreVersion(t *testing.T, e *Engine, by uint64) uint64 {
	t.Helper()
	path, _ := e.Store().Paths()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &file))
	var v uint64
	require.NoError(t, json.Unmarshal(file["version"], &v))
	v += by
	file["version"] = json.RawMessage(fmt.Sprint(v))
	data, err = json.Marshal(file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return v
}

func TestEngine_RetrieveDetectsStoreVersionBump(t *testing.T) {
	ctx := context.Background()
	gw := &hashGateway{}
	e := newTestEngine(t, t.TempDir(), gw, nil)

	refund, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)

	before := e.Generations().Current()
	calls := gw.calls.Load()
	bumped := bumpStoreVersion(t, e, 5)

	st := e.IndexStatus(ctx)
	assert.Equal(t, generation.Stale, st.State)
	assert.Equal(t, bumped, st.StoreVersion)
	assert.Less(t, st.IndexedVersion, bumped)
	assert.Contains(t, st.DegradedReasons, DegradedStale)

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, refund.ID, res.Hits[0].ID)

	after := e.Generations().Current()
	assert.Greater(t, after.Seq, before.Seq)
	assert.Equal(t, after.Seq, res.Generation)
	assert.Greater(t, gw.calls.Load(), calls)
	assert.Equal(t, bumped, after.Mapping.Descriptor().StoreVersion)

	st = e.IndexStatus(ctx)
	assert.Equal(t, generation.Ready, st.State)
	assert.Equal(t, st.StoreVersion, st.IndexedVersion)
}

func TestEngine_RetrieveIgnoresOwnWrites(t *testing.T) {
	ctx := context.Background()
	gw := &hashGateway{}
	e := newTestEngine(t, t.TempDir(), gw, nil)

	_, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.Retrieve(ctx, retrieval.Query{Text: "refund"})
	require.NoError(t, err)

	shipping, err := e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)
	seq := e.Generations().Current().Seq
	calls := gw.calls.Load()

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "shipping"})
	require.NoError(t, err)
	assert.Equal(t, seq, e.Generations().Current().Seq)
	assert.Equal(t, calls, gw.calls.Load())
	assert.Contains(t, hitIDs(res), shipping.ID)
}

func TestEngine_ConcurrentUpsertsProduceDistinctIndexedRecords(t *testing.T) {
	ctx := context.Background()
	pool := workers.New(workers.Config{Workers: 2, QueueSize: 4})
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	e := newTestEngine(t, t.TempDir(), &hashGateway{}, pool)
	require.NoError(t, e.Flush(ctx))

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.UpsertKnowledgeRecord(ctx, records.KnowledgeRecord{
				Question: fmt.Sprintf("Question number %d?", i),
				Answer:   fmt.Sprintf("Answer number %d.", i),
			})
			ids[i], errs[i] = r.ID, err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush(ctx))

	distinct := make(map[string]bool)
	for _, id := range ids {
		distinct[id] = true
	}
	assert.Len(t, distinct, n)

	snap, err := e.Store().Knowledge(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, n)

	g := e.Generations().Current()
	require.NotNil(t, g)
	assert.Equal(t, n, g.Mapping.Len())
	assert.Equal(t, snap.Version, g.Mapping.Descriptor().StoreVersion)
}

func TestEngine_GatewayFailureDegrades(t *testing.T) {
	ctx := context.Background()
	gw := &hashGateway{}
	e := newTestEngine(t, t.TempDir(), gw, nil)

	refund, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)

	gw.fail.Store(true)
	res, err := e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, retrieval.ReasonGateway, res.DegradedReason)
	assert.Equal(t, retrieval.MethodLexical, res.Method)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, refund.ID, res.Hits[0].ID)

	// Writes still commit; the index falls behind and is marked stale.
	added, err := e.UpsertKnowledgeRecord(ctx, records.KnowledgeRecord{Question: "Gift wrapping?", Answer: "Available at checkout."})
	require.NoError(t, err)
	st := e.IndexStatus(ctx)
	assert.Equal(t, generation.Stale, st.State)
	assert.True(t, st.Degraded)
	assert.Contains(t, st.DegradedReasons, DegradedStale)

	gw.fail.Store(false)
	require.NoError(t, e.Sync(ctx))
	st = e.IndexStatus(ctx)
	assert.Equal(t, generation.Ready, st.State)
	assert.Equal(t, 3, st.RecordCount)
	_, ok := e.Generations().Current().Mapping.Slot(added.ID)
	assert.True(t, ok)
}

func TestEngine_WithoutGatewayServesLexical(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), nil, nil)

	refund, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)

	res, err := e.Retrieve(ctx, retrieval.Query{Text: "refund policy"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, retrieval.ReasonNoGateway, res.DegradedReason)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, refund.ID, res.Hits[0].ID)

	_, err = e.RebuildIndex(ctx)
	assert.ErrorIs(t, err, ErrNoGateway)

	st := e.IndexStatus(ctx)
	assert.Equal(t, generation.Missing, st.State)
	assert.Equal(t, "disabled", st.Gateway)
	assert.ElementsMatch(t, []string{DegradedNoGateway, DegradedNoIndex}, st.DegradedReasons)
}

func TestEngine_UntrainedIVFFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), &hashGateway{}, nil, func(c *Config) {
		c.Selector.IVFThreshold = 2
	})

	_, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	_, err = e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)

	d, err := e.RebuildIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, vectorindex.KindIVF, d.IndexType)
	before := e.Generations().Current().Seq

	added, err := e.UpsertKnowledgeRecord(ctx, records.KnowledgeRecord{Question: "Gift wrapping?", Answer: "Available at checkout."})
	require.NoError(t, err)

	g := e.Generations().Current()
	assert.Greater(t, g.Seq, before)
	assert.Equal(t, vectorindex.KindIVF, g.Index.Kind())
	_, ok := g.Mapping.Slot(added.ID)
	assert.True(t, ok)
	assert.Equal(t, 3, g.Mapping.Len())
}

func TestEngine_ExternalChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gw := &hashGateway{}
	e := newTestEngine(t, dir, gw, nil)
	_, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)
	before := e.Generations().Current().Seq
	knowledgePath, productsPath := e.Store().Paths()

	t.Run("own write is a no-op", func(t *testing.T) {
		calls := gw.calls.Load()
		e.ExternalChange(ctx, knowledgePath)
		assert.Equal(t, before, e.Generations().Current().Seq)
		assert.Equal(t, calls, gw.calls.Load())
	})

	t.Run("foreign knowledge write rebuilds", func(t *testing.T) {
		other, err := records.Open(records.Config{Dir: dir, Guard: filelock.New(filelock.Config{})})
		require.NoError(t, err)
		added, err := other.UpsertKnowledge(ctx, shippingRecord())
		require.NoError(t, err)

		e.ExternalChange(ctx, knowledgePath)
		g := e.Generations().Current()
		assert.Greater(t, g.Seq, before)
		assert.Equal(t, generation.Ready, e.Generations().State())
		_, ok := g.Mapping.Slot(added.ID)
		assert.True(t, ok)

		res, err := e.Retrieve(ctx, retrieval.Query{Text: "shipping"})
		require.NoError(t, err)
		assert.Contains(t, hitIDs(res), added.ID)
	})

	t.Run("foreign product write is synthesized", func(t *testing.T) {
		// A hand-written products file whose synthesis step never ran.
		data, err := json.Marshal(map[string]any{
			"version": 1,
			"records": []records.ProductRecord{{ID: "P9", Name: "Blue Plate", Price: 4.5}},
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(productsPath, data, 0o600))
		p := records.ProductRecord{ID: "P9"}

		e.ExternalChange(ctx, productsPath)
		_, err = e.Store().GetKnowledge(ctx, records.SynthesizedID(p.ID))
		require.NoError(t, err)
		_, ok := e.Generations().Current().Mapping.Slot(records.SynthesizedID(p.ID))
		assert.True(t, ok)
	})
}

func TestEngine_CorpusIsCachedUntilChange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), &hashGateway{}, nil)
	_, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)

	c1, err := e.Corpus(ctx)
	require.NoError(t, err)
	c2, err := e.Corpus(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, c1.Len())

	_, err = e.UpsertKnowledgeRecord(ctx, shippingRecord())
	require.NoError(t, err)
	c3, err := e.Corpus(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, c3.Len())
	assert.Greater(t, c3.Version(), c1.Version())
}

func TestStatus_JSON(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir(), &hashGateway{}, nil)
	_, err := e.UpsertKnowledgeRecord(ctx, refundRecord())
	require.NoError(t, err)

	data, err := json.Marshal(e.IndexStatus(ctx))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ready", got["state"])
	assert.EqualValues(t, 1, got["record_count"])
	assert.Equal(t, "flat", got["backend"])
	assert.Contains(t, got, "degraded")
	assert.Contains(t, got, "generation")
}
