package indexmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

const (
	BlobFile    = "index.blob"
	MappingFile = "mapping.json"
)

var (
	// ErrMissing is returned by Load when no persisted index exists.
	ErrMissing = errors.New("no persisted index")

	// ErrStale is returned by Load when the persisted mapping does not
	// match the live record store. The only remedy is a full rebuild.
	ErrStale = errors.New("persisted index is stale")

	// ErrCorrupt is returned when the mapping or blob cannot be decoded or
	// disagree with each other.
	ErrCorrupt = errors.New("persisted index is corrupt")
)

// mappingFile is the on-disk form of a Mapper. Slots are listed in
// ascending slot order; released slots leave gaps.
type mappingFile struct {
	Descriptor
	NextSlot     uint32            `json:"next_slot"`
	Slots        []slotEntry       `json:"slots"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

type slotEntry struct {
	Slot uint32 `json:"slot"`
	ID   string `json:"id"`
}

func orderedSlots(bySlot map[uint32]string) []slotEntry {
	out := make([]slotEntry, 0, len(bySlot))
	for slot, id := range bySlot {
		out = append(out, slotEntry{Slot: slot, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Expect carries the live record store values a persisted mapping must
// match.
type Expect struct {
	StoreVersion uint64
	RecordCount  int
}

// Store reads and writes one index directory.
type Store struct {
	dir   string
	guard *filelock.Guard
}

// NewStore returns a Store for dir. Writes are serialised through guard
// on the blob path.
func NewStore(dir string, guard *filelock.Guard) *Store {
	return &Store{dir: dir, guard: guard}
}

// Dir returns the index directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) blobPath() string    { return filepath.Join(s.dir, BlobFile) }
func (s *Store) mappingPath() string { return filepath.Join(s.dir, MappingFile) }

// Save writes the index blob and then the mapping, each atomically, in one
// critical section. A reader that sees the new mapping therefore always
// finds the matching blob.
func (s *Store) Save(ctx context.Context, idx vectorindex.Index, m *Mapper) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	var blob bytes.Buffer
	if err := idx.Encode(&blob); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	d := m.Descriptor()
	d.IndexType = idx.Kind()
	d.Dimension = idx.Dimension()
	mf := mappingFile{Descriptor: d, NextSlot: m.next, Slots: orderedSlots(m.bySlot), Fingerprints: m.prints}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	return s.guard.With(ctx, s.blobPath(), func(context.Context) error {
		if err := writeFileAtomic(s.blobPath(), blob.Bytes()); err != nil {
			return err
		}
		return writeFileAtomic(s.mappingPath(), data)
	})
}

// Load restores the persisted generation. It returns ErrMissing when
// nothing is persisted, ErrStale when the descriptor disagrees with want,
// and ErrCorrupt or an IndexError when the files cannot be used.
func (s *Store) Load(ctx context.Context, sel vectorindex.Selector, want Expect) (vectorindex.Index, *Mapper, error) {
	if _, err := os.Stat(s.mappingPath()); errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrMissing
	}
	var data, blob []byte
	err := s.guard.With(ctx, s.blobPath(), func(context.Context) error {
		var err error
		if data, err = os.ReadFile(s.mappingPath()); err != nil {
			return err
		}
		blob, err = os.ReadFile(s.blobPath())
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrMissing
	}
	if err != nil {
		return nil, nil, err
	}

	var mf mappingFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, nil, fmt.Errorf("%w: decode mapping: %v", ErrCorrupt, err)
	}
	if mf.StoreVersion != want.StoreVersion || mf.RecordCount != want.RecordCount || len(mf.Slots) != mf.RecordCount {
		return nil, nil, fmt.Errorf("%w: mapping at store version %d with %d records, store at %d with %d",
			ErrStale, mf.StoreVersion, mf.RecordCount, want.StoreVersion, want.RecordCount)
	}

	idx, err := vectorindex.Load(sel, blob)
	if err != nil {
		return nil, nil, err
	}
	if idx.Kind() != mf.IndexType || idx.Dimension() != mf.Dimension || idx.Len() != mf.RecordCount {
		return nil, nil, fmt.Errorf("%w: blob holds %d %s vectors of dim %d, mapping expects %d %s of dim %d",
			ErrCorrupt, idx.Len(), idx.Kind(), idx.Dimension(), mf.RecordCount, mf.IndexType, mf.Dimension)
	}

	m := New(mf.Descriptor)
	m.next = mf.NextSlot
	for i, e := range mf.Slots {
		if e.Slot >= m.next {
			return nil, nil, fmt.Errorf("%w: slot %d beyond next slot %d", ErrCorrupt, e.Slot, m.next)
		}
		if i > 0 && e.Slot <= mf.Slots[i-1].Slot {
			return nil, nil, fmt.Errorf("%w: slot %d out of order", ErrCorrupt, e.Slot)
		}
		if _, dup := m.byID[e.ID]; dup {
			return nil, nil, fmt.Errorf("%w: record %s mapped twice", ErrCorrupt, e.ID)
		}
		m.bySlot[e.Slot] = e.ID
		m.byID[e.ID] = e.Slot
	}
	for id, fp := range mf.Fingerprints {
		m.SetFingerprint(id, fp)
	}
	return idx, m, nil
}

// Remove deletes the persisted generation.
func (s *Store) Remove(ctx context.Context) error {
	if _, err := os.Stat(s.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.guard.With(ctx, s.blobPath(), func(context.Context) error {
		for _, p := range []string{s.mappingPath(), s.blobPath()} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	})
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
