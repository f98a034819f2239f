// Package engine wires the record store, the index generations, the
// background worker pool and the retrieval orchestrator into the operations
// served over HTTP and the CLI.
//
// Writes go to the record store first. The store's change hook then
// schedules a reindex task that brings the served generation up to date by
// diffing content fingerprints, falling back to a full rebuild whenever the
// index reports an error or the generation is stale. Queries never wait for
// that work; they read the last published generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/generation"
	"github.com/fyrsmithlabs/knowledged/internal/indexmap"
	"github.com/fyrsmithlabs/knowledged/internal/records"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
	"github.com/fyrsmithlabs/knowledged/internal/workers"
)

// IndexDir is the index directory under the data directory.
const IndexDir = "index"

const (
	taskSync    = "reindex"
	taskRebuild = "rebuild"
)

// ErrNoGateway is returned by RebuildIndex when no embedding gateway is
// configured.
var ErrNoGateway = errors.New("no embedding gateway configured")

// Gateway embeds record and query text.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// breakerReporter is implemented by gateways wrapped in a circuit breaker.
type breakerReporter interface {
	BreakerState() string
}

// Config wires an Engine.
type Config struct {
	// Store is the record store. Required. The engine installs its change
	// hook.
	Store *records.Store

	// Guard serialises index persistence. Required.
	Guard *filelock.Guard

	// DataDir holds the index directory.
	DataDir string

	// Gateway may be nil, in which case no vector index is built and every
	// query is answered by the lexical pass.
	Gateway Gateway

	// Dimension is the embedding dimension, used when a build has no
	// records to learn it from. When 0 the gateway is asked once.
	Dimension int

	Selector  vectorindex.Selector
	Retrieval retrieval.Settings

	// Pool runs reindex and rebuild tasks. When nil they run inline in the
	// caller.
	Pool *workers.Pool

	Logger *zap.Logger
}

// Engine is the knowledge retrieval service.
type Engine struct {
	store     *records.Store
	gateway   Gateway
	dimension int
	selector  vectorindex.Selector
	gens      *generation.Manager
	persist   *indexmap.Store
	retriever *retrieval.Orchestrator
	pool      *workers.Pool
	logger    *zap.Logger
	now       func() time.Time

	// buildMu makes the engine the single writer of index and mapping.
	buildMu sync.Mutex

	corpus      atomic.Pointer[retrieval.Corpus]
	corpusEpoch atomic.Uint64

	// seen is the newest store version committed through this engine.
	seen atomic.Uint64

	// lastStat is the knowledge file as Retrieve last saw it.
	statMu   sync.Mutex
	lastStat os.FileInfo
}

// New returns an Engine. Call Open before serving.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("engine: guard is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("engine: data dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		dimension: cfg.Dimension,
		selector:  cfg.Selector,
		gens:      generation.NewManager(generation.Config{Logger: cfg.Logger}),
		persist:   indexmap.NewStore(filepath.Join(cfg.DataDir, IndexDir), cfg.Guard),
		pool:      cfg.Pool,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}

	rc := retrieval.Config{
		Settings:     cfg.Retrieval,
		Generations:  e.gens,
		Corpus:       e,
		OnIndexError: e.onIndexError,
		Logger:       cfg.Logger,
	}
	if cfg.Gateway != nil {
		rc.Embedder = cfg.Gateway
	}
	r, err := retrieval.New(rc)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.retriever = r

	cfg.Store.SetOnChange(e.onChange)
	return e, nil
}

// Store returns the record store.
func (e *Engine) Store() *records.Store { return e.store }

// Generations returns the generation manager.
func (e *Engine) Generations() *generation.Manager { return e.gens }

// Open repairs synthesized records, then restores the persisted index when
// its descriptor matches the store. Otherwise a full rebuild is scheduled;
// without a pool it runs before Open returns. A failed rebuild is not an
// error: retrieval degrades to the lexical pass until one succeeds.
func (e *Engine) Open(ctx context.Context) error {
	if n, err := e.store.EnsureSynthesized(ctx); err != nil {
		e.logger.Warn("engine: synthesized record repair failed", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("engine: repaired synthesized records", zap.Int("count", n))
	}

	snap, err := e.store.Knowledge(ctx)
	if err != nil {
		return fmt.Errorf("engine: read store: %w", err)
	}
	e.observeVersion(snap.Version)

	idx, mp, err := e.persist.Load(ctx, e.selector, indexmap.Expect{
		StoreVersion: snap.Version,
		RecordCount:  len(snap.Records),
	})
	switch {
	case err == nil:
		g := e.gens.Adopt(idx, mp)
		e.logger.Info("engine: restored persisted index",
			zap.Uint64("generation", g.Seq),
			zap.String("backend", string(idx.Kind())),
			zap.Int("records", mp.Len()),
			zap.Uint64("store_version", snap.Version))
		return nil
	case errors.Is(err, indexmap.ErrMissing):
		e.logger.Info("engine: no persisted index")
	default:
		e.logger.Warn("engine: persisted index unusable, rebuilding", zap.Error(err))
	}

	if e.gateway == nil {
		e.logger.Warn("engine: no embedding gateway, serving lexical retrieval only")
		return nil
	}
	e.schedule(ctx, taskRebuild, e.rebuildTask)
	return nil
}

// UpsertKnowledgeRecord creates or replaces a knowledge record. The index
// catches up in the background.
func (e *Engine) UpsertKnowledgeRecord(ctx context.Context, r records.KnowledgeRecord) (records.KnowledgeRecord, error) {
	return e.store.UpsertKnowledge(ctx, r)
}

// UpsertProductRecord creates or replaces a product together with its
// synthesized knowledge record.
func (e *Engine) UpsertProductRecord(ctx context.Context, p records.ProductRecord) (records.ProductRecord, records.KnowledgeRecord, error) {
	return e.store.UpsertProduct(ctx, p)
}

// DeleteRecord removes the product or knowledge record with id and reports
// which collection it belonged to. Product ids take precedence.
func (e *Engine) DeleteRecord(ctx context.Context, id string) (records.Collection, error) {
	err := e.store.DeleteProduct(ctx, id)
	if err == nil {
		return records.CollectionProducts, nil
	}
	if !errors.Is(err, records.ErrNotFound) {
		return "", err
	}
	if err := e.store.DeleteKnowledge(ctx, id); err != nil {
		return "", err
	}
	return records.CollectionKnowledge, nil
}

// Retrieve ranks knowledge records for q. A knowledge file rewritten
// behind the engine's back is noticed first: the corpus is reloaded and,
// when the store version moved past what this engine committed, the index
// is rebuilt instead of serving the stale mapping.
func (e *Engine) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	e.checkStore(ctx)
	return e.retriever.Retrieve(ctx, q)
}

// checkStore stats the knowledge file and reads its version only when the
// file differs from the last stat.
func (e *Engine) checkStore(ctx context.Context) {
	knowledge, _ := e.store.Paths()
	fi, err := os.Stat(knowledge)
	if err != nil {
		return
	}
	e.statMu.Lock()
	prev := e.lastStat
	e.lastStat = fi
	e.statMu.Unlock()
	if prev != nil && os.SameFile(prev, fi) && prev.ModTime().Equal(fi.ModTime()) && prev.Size() == fi.Size() {
		return
	}

	e.invalidateCorpus()
	v, err := e.store.Version(ctx)
	if err != nil {
		e.logger.Warn("engine: reading store version", zap.Error(err))
		return
	}
	if !e.adoptForeignVersion(v, "store version changed outside the engine") {
		return
	}
	e.logger.Info("engine: store version mismatch, rebuilding index",
		zap.Uint64("store_version", v),
		zap.Uint64("indexed_version", e.indexedVersion()))
	e.scheduleRebuildNoWait(ctx)
}

// adoptForeignVersion marks the generation stale when v is newer than any
// version committed through this engine, and reports whether it did.
func (e *Engine) adoptForeignVersion(v uint64, reason string) bool {
	if v <= e.seen.Load() {
		return false
	}
	e.observeVersion(v)
	e.gens.MarkStale(reason)
	return true
}

func (e *Engine) indexedVersion() uint64 {
	if g := e.gens.Current(); g != nil {
		return g.Mapping.Descriptor().StoreVersion
	}
	return 0
}

// RetrievalSettings returns the effective retrieval tunables.
func (e *Engine) RetrievalSettings() retrieval.Settings { return e.retriever.Settings() }

// RebuildIndex runs a full build synchronously, publishes it and persists
// it. The previous generation keeps serving while it runs and stays
// published if it fails.
func (e *Engine) RebuildIndex(ctx context.Context) (indexmap.Descriptor, error) {
	if e.gateway == nil {
		return indexmap.Descriptor{}, ErrNoGateway
	}
	if _, err := e.store.EnsureSynthesized(ctx); err != nil {
		e.logger.Warn("engine: synthesized record repair failed", zap.Error(err))
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	snap, err := e.store.Knowledge(ctx)
	if err != nil {
		return indexmap.Descriptor{}, fmt.Errorf("engine: read store: %w", err)
	}
	g, err := e.rebuildLocked(ctx, snap)
	if err != nil {
		return indexmap.Descriptor{}, err
	}
	return g.Descriptor(), nil
}

// Sync brings the served generation up to date with the store. Changed
// records are found by comparing content fingerprints with the mapping,
// embedded, and applied to a copy of the current generation. Index errors,
// a stale generation and a missing generation all fall back to a full
// rebuild.
func (e *Engine) Sync(ctx context.Context) error {
	if e.gateway == nil {
		return nil
	}

	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	snap, err := e.store.Knowledge(ctx)
	if err != nil {
		syncsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("engine: read store: %w", err)
	}

	cur := e.gens.Current()
	if cur == nil || e.gens.State() == generation.Stale {
		_, err := e.rebuildLocked(ctx, snap)
		return err
	}

	changed, removed := diff(snap.Records, cur.Mapping)
	if len(changed) == 0 && len(removed) == 0 && cur.Mapping.Descriptor().StoreVersion == snap.Version {
		syncsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	vecs, err := e.embedRecords(ctx, changed)
	if err != nil {
		syncsTotal.WithLabelValues("error").Inc()
		e.gens.MarkStale("embedding failed during sync")
		return err
	}

	g, err := e.gens.Apply(func(idx vectorindex.Index, mp *indexmap.Mapper) error {
		for _, id := range removed {
			if slot, ok := mp.Release(id); ok {
				if err := idx.Remove(slot); err != nil {
					return err
				}
			}
		}
		for i, r := range changed {
			if err := idx.Upsert(mp.Assign(r.ID), vecs[i]); err != nil {
				return err
			}
			mp.SetFingerprint(r.ID, r.Fingerprint())
		}
		mp.SetStoreVersion(snap.Version)
		return nil
	})
	if err != nil {
		e.logger.Info("engine: incremental sync refused, rebuilding",
			zap.Int("changed", len(changed)),
			zap.Int("removed", len(removed)),
			zap.Error(err))
		_, err := e.rebuildLocked(ctx, snap)
		return err
	}

	syncsTotal.WithLabelValues("applied").Inc()
	e.logger.Debug("engine: index synced",
		zap.Uint64("generation", g.Seq),
		zap.Int("changed", len(changed)),
		zap.Int("removed", len(removed)),
		zap.Uint64("store_version", snap.Version))
	e.save(ctx, g)
	return nil
}

// Flush waits for scheduled index work to finish.
func (e *Engine) Flush(ctx context.Context) error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Flush(ctx)
}

// ExternalChange is called when a record file may have been modified
// outside this process. A products change repairs synthesized records,
// whose writes then flow through the change hook. A knowledge change drops
// the cached corpus and syncs the index; when the store version moved past
// the last version this engine committed, the generation is marked stale
// first so the sync rebuilds it.
func (e *Engine) ExternalChange(ctx context.Context, path string) {
	knowledge, products := e.store.Paths()
	switch filepath.Clean(path) {
	case filepath.Clean(products):
		if n, err := e.store.EnsureSynthesized(ctx); err != nil {
			e.logger.Warn("engine: synthesized record repair failed", zap.Error(err))
		} else if n > 0 {
			e.logger.Info("engine: repaired synthesized records after product file change", zap.Int("count", n))
		}
		return
	case filepath.Clean(knowledge):
	default:
		return
	}

	e.invalidateCorpus()
	v, err := e.store.Version(ctx)
	if err != nil {
		e.logger.Warn("engine: reading store version after file change", zap.Error(err))
		return
	}
	if e.adoptForeignVersion(v, "record file changed: "+filepath.Base(path)) {
		e.logger.Info("engine: record file changed by another process",
			zap.String("path", path),
			zap.Uint64("store_version", v))
	}
	if e.gateway != nil {
		e.schedule(ctx, taskSync, e.Sync)
	}
}

// observeVersion raises the last store version seen by this engine.
func (e *Engine) observeVersion(v uint64) {
	for {
		cur := e.seen.Load()
		if v <= cur || e.seen.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Corpus returns the lexical corpus for the current store content. It is
// cached until the next store change.
func (e *Engine) Corpus(ctx context.Context) (*retrieval.Corpus, error) {
	if c := e.corpus.Load(); c != nil {
		return c, nil
	}
	epoch := e.corpusEpoch.Load()
	snap, err := e.store.Knowledge(ctx)
	if err != nil {
		return nil, err
	}
	c := retrieval.NewCorpus(snap.Version, snap.Records)
	corpusLoads.Inc()
	// An invalidation that raced with the read must not be overwritten.
	if e.corpusEpoch.Load() == epoch {
		e.corpus.CompareAndSwap(nil, c)
	}
	return c, nil
}

func (e *Engine) invalidateCorpus() {
	e.corpusEpoch.Add(1)
	e.corpus.Store(nil)
}

func (e *Engine) onChange(ctx context.Context, ev records.ChangeEvent) {
	if ev.Collection != records.CollectionKnowledge {
		return
	}
	e.observeVersion(ev.Version)
	e.invalidateCorpus()
	if e.gateway == nil {
		return
	}
	e.schedule(ctx, taskSync, e.Sync)
}

// onIndexError runs on the query path and must not block.
func (e *Engine) onIndexError(_ context.Context, err error) {
	e.gens.MarkStale(err.Error())
	if e.pool == nil {
		return
	}
	e.scheduleRebuildNoWait(context.Background())
}

// scheduleRebuildNoWait queues a rebuild from the query path. With a pool a
// full queue drops the request, since the generation is already stale and
// the next write or query asks again. Without one the rebuild runs inline.
func (e *Engine) scheduleRebuildNoWait(ctx context.Context) {
	if e.gateway == nil {
		return
	}
	if e.pool == nil {
		e.schedule(ctx, taskRebuild, e.rebuildTask)
		return
	}
	if err := e.pool.TrySubmit(workers.Task{Name: taskRebuild, Key: taskRebuild, Run: e.rebuildTask}); err != nil {
		e.logger.Warn("engine: could not schedule rebuild", zap.Error(err))
	}
}

func (e *Engine) rebuildTask(ctx context.Context) error {
	_, err := e.RebuildIndex(ctx)
	return err
}

// schedule runs a coalesced task on the pool, or inline without one.
// Submission blocks while the queue is full, pushing back on writers.
func (e *Engine) schedule(ctx context.Context, name string, run func(context.Context) error) {
	if e.pool == nil {
		if err := run(ctx); err != nil {
			e.logger.Warn("engine: task failed", zap.String("task", name), zap.Error(err))
		}
		return
	}
	if err := e.pool.Submit(ctx, workers.Task{Name: name, Key: name, Run: run}); err != nil {
		e.gens.MarkStale(name + " not scheduled")
		e.logger.Warn("engine: could not schedule task", zap.String("task", name), zap.Error(err))
	}
}

// rebuildLocked builds a complete generation from snap. buildMu must be held.
func (e *Engine) rebuildLocked(ctx context.Context, snap records.Snapshot) (*generation.Generation, error) {
	g, err := e.gens.Build(ctx, func(ctx context.Context) (vectorindex.Index, *indexmap.Mapper, error) {
		recs := sortedRecords(snap.Records)
		vecs, err := e.embedRecords(ctx, recs)
		if err != nil {
			return nil, nil, err
		}
		dim, err := e.buildDimension(ctx, vecs)
		if err != nil {
			return nil, nil, err
		}

		mp := indexmap.New(indexmap.Descriptor{StoreVersion: snap.Version, BuiltAt: e.now()})
		entries := make([]vectorindex.Entry, len(recs))
		for i, r := range recs {
			entries[i] = vectorindex.Entry{Slot: mp.Assign(r.ID), Vector: vecs[i]}
			mp.SetFingerprint(r.ID, r.Fingerprint())
		}
		idx, err := e.selector.Build(ctx, dim, entries)
		if err != nil {
			return nil, nil, err
		}
		mp.SetIndexType(idx.Kind())
		return idx, mp, nil
	})
	if err != nil {
		syncsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("engine: rebuild: %w", err)
	}

	syncsTotal.WithLabelValues("rebuilt").Inc()
	d := g.Descriptor()
	e.logger.Info("engine: index rebuilt",
		zap.Uint64("generation", g.Seq),
		zap.String("backend", string(d.IndexType)),
		zap.Int("records", d.RecordCount),
		zap.Int("dimension", d.Dimension),
		zap.Uint64("store_version", d.StoreVersion))
	e.save(ctx, g)
	return g, nil
}

// save persists g. A failed save leaves the published generation serving;
// the next open rebuilds from the store.
func (e *Engine) save(ctx context.Context, g *generation.Generation) {
	if err := e.persist.Save(ctx, g.Index, g.Mapping); err != nil {
		e.logger.Warn("engine: persisting index failed",
			zap.Uint64("generation", g.Seq),
			zap.Error(err))
	}
}

// embedRecords returns one vector per record: the normalised mean of the
// embeddings of its chunks.
func (e *Engine) embedRecords(ctx context.Context, recs []records.KnowledgeRecord) ([][]float32, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var texts []string
	offsets := make([]int, len(recs)+1)
	for i, r := range recs {
		texts = append(texts, r.EmbeddingTexts()...)
		offsets[i+1] = len(texts)
	}
	vecs, err := e.gateway.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d records: %w", len(recs), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed %d records: got %d vectors for %d texts", len(recs), len(vecs), len(texts))
	}

	out := make([][]float32, len(recs))
	for i, r := range recs {
		v := vectorindex.MeanNormalized(vecs[offsets[i]:offsets[i+1]])
		if v == nil {
			return nil, fmt.Errorf("embed record %s: inconsistent chunk dimensions", r.ID)
		}
		out[i] = v
	}
	embeddedRecords.Add(float64(len(recs)))
	return out, nil
}

// buildDimension returns the dimension of a new index.
func (e *Engine) buildDimension(ctx context.Context, vecs [][]float32) (int, error) {
	if len(vecs) > 0 {
		return len(vecs[0]), nil
	}
	if e.dimension > 0 {
		return e.dimension, nil
	}
	if g := e.gens.Current(); g != nil && g.Index.Dimension() > 0 {
		return g.Index.Dimension(), nil
	}
	v, err := e.gateway.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	e.dimension = len(v)
	return e.dimension, nil
}

// diff returns the records whose content differs from what mp indexed and
// the mapped ids no longer in the store.
func diff(recs []records.KnowledgeRecord, mp *indexmap.Mapper) (changed []records.KnowledgeRecord, removed []string) {
	live := make(map[string]struct{}, len(recs))
	for _, r := range sortedRecords(recs) {
		live[r.ID] = struct{}{}
		if _, ok := mp.Slot(r.ID); !ok || mp.Fingerprint(r.ID) != r.Fingerprint() {
			changed = append(changed, r)
		}
	}
	for _, id := range mp.IDs() {
		if _, ok := live[id]; !ok {
			removed = append(removed, id)
		}
	}
	return changed, removed
}

func sortedRecords(recs []records.KnowledgeRecord) []records.KnowledgeRecord {
	out := make([]records.KnowledgeRecord, len(recs))
	copy(out, recs)
	sortByID(out)
	return out
}
