// Package records provides the durable, crash-consistent record store.
//
// Knowledge and product records live in two JSON files under the data
// directory. Every mutation runs under the file's cross-process lock, writes
// to a temporary file and renames it over the original, so readers observe
// either the old or the new content, never a mix.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
)

const (
	knowledgeFile = "knowledge.json"
	productsFile  = "products.json"
)

// Config configures a Store.
type Config struct {
	// Dir holds knowledge.json and products.json.
	Dir string

	// Guard serialises writers. Required.
	Guard *filelock.Guard

	// Chunker derives chunks on every knowledge write. Defaults to 500/50/6.
	Chunker *Chunker

	// SynthesisRetries bounds retries of the synthesized record write (default: 3).
	SynthesisRetries uint

	// OnChange is invoked after each committed mutation, outside the lock.
	OnChange func(ctx context.Context, ev ChangeEvent)

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Store is the record store.
type Store struct {
	dir           string
	knowledgePath string
	productsPath  string
	guard         *filelock.Guard
	chunker       *Chunker
	retries       uint
	onChange      func(ctx context.Context, ev ChangeEvent)
	logger        *zap.Logger
	now           func() time.Time
}

// Open creates the data directory if needed and returns a Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("records: dir is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("records: guard is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(500, 50, 6)
	}
	if cfg.SynthesisRetries == 0 {
		cfg.SynthesisRetries = 3
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, &StorageError{Op: "open", Path: cfg.Dir, Err: err}
	}
	return &Store{
		dir:           cfg.Dir,
		knowledgePath: filepath.Join(cfg.Dir, knowledgeFile),
		productsPath:  filepath.Join(cfg.Dir, productsFile),
		guard:         cfg.Guard,
		chunker:       cfg.Chunker,
		retries:       cfg.SynthesisRetries,
		onChange:      cfg.OnChange,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// SetOnChange replaces the reindex hook. It must be called before the store
// is shared between goroutines.
func (s *Store) SetOnChange(fn func(ctx context.Context, ev ChangeEvent)) {
	s.onChange = fn
}

// Paths returns the record file paths.
func (s *Store) Paths() (knowledge, products string) {
	return s.knowledgePath, s.productsPath
}

// Snapshot is a consistent read of the knowledge file.
type Snapshot struct {
	Version uint64
	Records []KnowledgeRecord
}

// Knowledge reads all knowledge records.
func (s *Store) Knowledge(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	env, err := readEnvelope[KnowledgeRecord](s.knowledgePath)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Version: env.Version, Records: env.Records}, nil
}

// Version returns the knowledge store version.
func (s *Store) Version(ctx context.Context) (uint64, error) {
	snap, err := s.Knowledge(ctx)
	return snap.Version, err
}

// GetKnowledge returns one knowledge record.
func (s *Store) GetKnowledge(ctx context.Context, id string) (KnowledgeRecord, error) {
	snap, err := s.Knowledge(ctx)
	if err != nil {
		return KnowledgeRecord{}, err
	}
	for _, r := range snap.Records {
		if r.ID == id {
			return r, nil
		}
	}
	return KnowledgeRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// UpsertKnowledge validates r, allocates an id when empty, derives chunks
// and commits it. A direct edit of a synthesized record is accepted but is
// overwritten by the next save of its product.
func (s *Store) UpsertKnowledge(ctx context.Context, r KnowledgeRecord) (KnowledgeRecord, error) {
	r.Source, r.SourceHash = "", ""
	if err := normalizeKnowledge(&r); err != nil {
		return KnowledgeRecord{}, err
	}

	var saved KnowledgeRecord
	version, err := mutate(ctx, s, s.knowledgePath, func(env *envelope[KnowledgeRecord]) (bool, error) {
		if r.ID == "" {
			r.ID = nextID("K", knowledgeIDs(env.Records))
		}
		// An edited synthesized record keeps its owner but loses its hash,
		// which marks it for regeneration.
		if i := indexKnowledge(env.Records, r.ID); i >= 0 && env.Records[i].Synthesized() {
			r.Source = env.Records[i].Source
		}
		r.Chunks = s.chunker.Split(r.BaseText())
		r.UpdatedAt = s.now().UTC()
		env.Records = putKnowledge(env.Records, r)
		saved = r
		return true, nil
	})
	s.observe("knowledge", "upsert", err)
	if err != nil {
		return KnowledgeRecord{}, err
	}
	s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Upserted: []string{saved.ID}, Version: version})
	return saved, nil
}

// DeleteKnowledge removes a knowledge record. Synthesized records can only
// be removed by deleting their product.
func (s *Store) DeleteKnowledge(ctx context.Context, id string) error {
	version, err := mutate(ctx, s, s.knowledgePath, func(env *envelope[KnowledgeRecord]) (bool, error) {
		i := indexKnowledge(env.Records, id)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if env.Records[i].Synthesized() {
			return false, fmt.Errorf("%w: %s belongs to product %s", ErrSynthesizedRecord, id, env.Records[i].Source)
		}
		env.Records = append(env.Records[:i], env.Records[i+1:]...)
		return true, nil
	})
	s.observe("knowledge", "delete", err)
	if err != nil {
		return err
	}
	s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Deleted: []string{id}, Version: version})
	return nil
}

// Products reads all products without reconciling synthesis.
func (s *Store) Products(ctx context.Context) ([]ProductRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, err := readEnvelope[ProductRecord](s.productsPath)
	if err != nil {
		return nil, err
	}
	return env.Records, nil
}

// ListProducts returns all products after regenerating any stale
// synthesized records.
func (s *Store) ListProducts(ctx context.Context) ([]ProductRecord, error) {
	s.ensureBestEffort(ctx)
	return s.Products(ctx)
}

// GetProduct returns one product after regenerating any stale synthesized
// records.
func (s *Store) GetProduct(ctx context.Context, id string) (ProductRecord, error) {
	s.ensureBestEffort(ctx)
	products, err := s.Products(ctx)
	if err != nil {
		return ProductRecord{}, err
	}
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return ProductRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// UpsertProduct commits p and then its synthesized knowledge record. The
// product write completes first. If the synthesized write still fails after
// bounded retries, the product is left stale and the error is logged;
// EnsureSynthesized repairs it on the next access.
func (s *Store) UpsertProduct(ctx context.Context, p ProductRecord) (ProductRecord, KnowledgeRecord, error) {
	if err := normalizeProduct(&p); err != nil {
		return ProductRecord{}, KnowledgeRecord{}, err
	}

	var saved ProductRecord
	_, err := mutate(ctx, s, s.productsPath, func(env *envelope[ProductRecord]) (bool, error) {
		if p.ID == "" {
			ids := make([]string, len(env.Records))
			for i, r := range env.Records {
				ids[i] = r.ID
			}
			p.ID = nextID("P", ids)
		}
		p.UpdatedAt = s.now().UTC()
		if i := indexProduct(env.Records, p.ID); i >= 0 {
			env.Records[i] = p
		} else {
			env.Records = append(env.Records, p)
		}
		saved = p
		return true, nil
	})
	s.observe("products", "upsert", err)
	if err != nil {
		return ProductRecord{}, KnowledgeRecord{}, err
	}

	synth := saved.Synthesize()
	version, err := s.retrySynthesis(ctx, func() (uint64, error) {
		return s.putSynthesized(ctx, []KnowledgeRecord{synth}, nil)
	})
	if err != nil {
		synthesisStaleTotal.Inc()
		s.logger.Warn("records: synthesized record write failed, product left stale",
			zap.String("product_id", saved.ID),
			zap.Error(err))
		s.notify(ctx, ChangeEvent{Collection: CollectionProducts, Upserted: []string{saved.ID}})
		return saved, KnowledgeRecord{}, nil
	}

	synth, _ = s.GetKnowledge(ctx, synth.ID)
	s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Upserted: []string{synth.ID}, Version: version})
	return saved, synth, nil
}

// DeleteProduct removes a product and then its synthesized record. If the
// second step still fails after bounded retries, a retryable StorageError is
// returned and repeating the call removes the leftover record.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	sid := SynthesizedID(id)
	_, err := mutate(ctx, s, s.productsPath, func(env *envelope[ProductRecord]) (bool, error) {
		i := indexProduct(env.Records, id)
		if i < 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		env.Records = append(env.Records[:i], env.Records[i+1:]...)
		return true, nil
	})
	s.observe("products", "delete", err)
	if err != nil {
		if !errors.Is(err, ErrNotFound) || !s.hasKnowledge(ctx, sid) {
			return err
		}
		s.logger.Info("records: removing synthesized record left by an earlier delete",
			zap.String("product_id", id))
	}

	version, err := s.retrySynthesis(ctx, func() (uint64, error) {
		return s.putSynthesized(ctx, nil, []string{sid})
	})
	if err != nil {
		synthesisStaleTotal.Inc()
		s.logger.Warn("records: synthesized record removal failed",
			zap.String("product_id", id),
			zap.Error(err))
		return &StorageError{Op: "delete " + sid, Path: s.knowledgePath, Err: err}
	}
	s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Deleted: []string{sid}, Version: version})
	return nil
}

// hasKnowledge reports whether a knowledge record with id exists. Read
// errors count as absent.
func (s *Store) hasKnowledge(ctx context.Context, id string) bool {
	snap, err := s.Knowledge(ctx)
	return err == nil && indexKnowledge(snap.Records, id) >= 0
}

// EnsureSynthesized regenerates synthesized records that are missing or
// out of date and removes those whose product no longer exists. It returns
// the number of records written or removed.
func (s *Store) EnsureSynthesized(ctx context.Context) (int, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]ProductRecord, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	var upserted, deleted []string
	version, err := mutate(ctx, s, s.knowledgePath, func(env *envelope[KnowledgeRecord]) (bool, error) {
		upserted, deleted = nil, nil
		have := make(map[string]KnowledgeRecord)
		kept := env.Records[:0]
		for _, r := range env.Records {
			if r.Synthesized() {
				if _, ok := byID[r.Source]; !ok {
					deleted = append(deleted, r.ID)
					continue
				}
				have[r.Source] = r
			}
			kept = append(kept, r)
		}
		env.Records = kept

		for _, p := range products {
			cur, ok := have[p.ID]
			if ok && cur.SourceHash == p.ContentHash() && cur.ID == SynthesizedID(p.ID) {
				continue
			}
			rec := p.Synthesize()
			if err := normalizeKnowledge(&rec); err != nil {
				return false, err
			}
			rec.Chunks = s.chunker.Split(rec.BaseText())
			rec.UpdatedAt = s.now().UTC()
			env.Records = putKnowledge(env.Records, rec)
			upserted = append(upserted, rec.ID)
		}
		return len(upserted)+len(deleted) > 0, nil
	})
	if err != nil {
		return 0, err
	}
	n := len(upserted) + len(deleted)
	if n > 0 {
		s.logger.Info("records: repaired synthesized records",
			zap.Int("upserted", len(upserted)),
			zap.Int("deleted", len(deleted)))
		s.notify(ctx, ChangeEvent{Collection: CollectionKnowledge, Upserted: upserted, Deleted: deleted, Version: version})
	}
	return n, nil
}

func (s *Store) ensureBestEffort(ctx context.Context) {
	if _, err := s.EnsureSynthesized(ctx); err != nil {
		s.logger.Warn("records: synthesis reconciliation failed", zap.Error(err))
	}
}

func (s *Store) putSynthesized(ctx context.Context, put []KnowledgeRecord, del []string) (uint64, error) {
	return mutate(ctx, s, s.knowledgePath, func(env *envelope[KnowledgeRecord]) (bool, error) {
		changed := false
		for _, r := range put {
			if err := normalizeKnowledge(&r); err != nil {
				return false, backoff.Permanent(err)
			}
			r.Chunks = s.chunker.Split(r.BaseText())
			r.UpdatedAt = s.now().UTC()
			env.Records = putKnowledge(env.Records, r)
			changed = true
		}
		for _, id := range del {
			if i := indexKnowledge(env.Records, id); i >= 0 {
				env.Records = append(env.Records[:i], env.Records[i+1:]...)
				changed = true
			}
		}
		return changed, nil
	})
}

func (s *Store) retrySynthesis(ctx context.Context, op func() (uint64, error)) (uint64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retries),
	)
}

// Categories returns the distinct knowledge categories, sorted.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	snap, err := s.Knowledge(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, r := range snap.Records {
		if r.Category != "" {
			set[r.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) notify(ctx context.Context, ev ChangeEvent) {
	if s.onChange != nil {
		s.onChange(ctx, ev)
	}
}

func (s *Store) observe(collection, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	mutationsTotal.WithLabelValues(collection, op, result).Inc()
}

// mutate runs fn on the file's content under its lock and commits the
// result atomically when fn reports a change. It returns the knowledge
// version after the mutation (the file's own version for products).
func mutate[T any](ctx context.Context, s *Store, path string, fn func(env *envelope[T]) (bool, error)) (uint64, error) {
	var version uint64
	err := s.guard.With(ctx, path, func(ctx context.Context) error {
		env, err := readEnvelope[T](path)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				s.quarantine(path)
			}
			return err
		}
		changed, err := fn(&env)
		if err != nil {
			return err
		}
		if !changed {
			version = env.Version
			return nil
		}
		env.Version++
		env.UpdatedAt = s.now().UTC()
		if err := writeAtomic(path, env); err != nil {
			return err
		}
		version = env.Version
		return nil
	})
	if err != nil {
		if errors.Is(err, filelock.ErrLockTimeout) {
			return 0, &StorageError{Op: "lock", Path: path, Err: err}
		}
		return 0, err
	}
	if path == s.productsPath {
		return s.Version(ctx)
	}
	return version, nil
}

// quarantine moves a corrupt file aside so the next write starts clean.
func (s *Store) quarantine(path string) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, s.now().UnixNano())
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("records: failed to quarantine corrupt file",
			zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Error("records: quarantined corrupt record file",
		zap.String("path", path), zap.String("quarantine", dst))
}

func readEnvelope[T any](path string) (envelope[T], error) {
	var env envelope[T]
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return env, nil
		}
		return env, &StorageError{Op: "read", Path: path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, &StorageError{Op: "decode", Path: path, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return env, nil
}

// writeAtomic writes v as JSON to a temp file in the same directory, syncs
// it and renames it over path.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: path, Err: err}
	}
	fail := func(err error) error {
		return &StorageError{Op: "write", Path: path, Err: fmt.Errorf("%w: %v", ErrAtomicWrite, err)}
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fail(err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fail(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fail(err)
	}
	return nil
}

func putKnowledge(recs []KnowledgeRecord, r KnowledgeRecord) []KnowledgeRecord {
	if i := indexKnowledge(recs, r.ID); i >= 0 {
		recs[i] = r
		return recs
	}
	return append(recs, r)
}

func indexKnowledge(recs []KnowledgeRecord, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexProduct(recs []ProductRecord, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}

func knowledgeIDs(recs []KnowledgeRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

// nextID returns prefix followed by one more than the largest numeric
// suffix among ids with that prefix, zero padded to three digits.
func nextID(prefix string, ids []string) string {
	maxN := 0
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(id[len(prefix):])
		if err == nil && n > maxN {
			maxN = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, maxN+1)
}
