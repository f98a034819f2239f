package indexmap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

func TestMapperAssignRelease(t *testing.T) {
	m := New(Descriptor{IndexType: vectorindex.KindFlat, Dimension: 3})

	a := m.Assign("K001")
	b := m.Assign("K002")
	assert.Equal(t, uint32(0), a)
	assert.Equal(t, uint32(1), b)
	assert.Equal(t, a, m.Assign("K001"), "assign is idempotent")

	id, ok := m.ID(b)
	require.True(t, ok)
	assert.Equal(t, "K002", id)

	slot, ok := m.Release("K001")
	require.True(t, ok)
	assert.Equal(t, a, slot)
	_, ok = m.Slot("K001")
	assert.False(t, ok)
	_, ok = m.ID(a)
	assert.False(t, ok)
	_, ok = m.Release("K001")
	assert.False(t, ok)

	// Released slots are not handed out again.
	assert.Equal(t, uint32(2), m.Assign("K003"))

	m.SetFingerprint("K003", "abc")
	m.SetFingerprint("unknown", "ignored")
	assert.Equal(t, "abc", m.Fingerprint("K003"))
	assert.Empty(t, m.Fingerprint("unknown"))
	m.Release("K003")
	assert.Empty(t, m.Fingerprint("K003"))
	m.Assign("K003")
	assert.Equal(t, 2, m.Descriptor().RecordCount)
	assert.Equal(t, []string{"K002", "K003"}, m.IDs())
}

func TestMapperClone(t *testing.T) {
	m := New(Descriptor{StoreVersion: 4})
	m.Assign("a")
	m.SetFingerprint("a", "fp-a")
	c := m.Clone()
	c.Assign("b")
	c.SetFingerprint("a", "fp-a2")
	c.SetStoreVersion(5)

	assert.Equal(t, "fp-a", m.Fingerprint("a"))
	assert.Equal(t, "fp-a2", c.Fingerprint("a"))

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, uint64(4), m.Descriptor().StoreVersion)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(5), c.Descriptor().StoreVersion)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	return NewStore(dir, filelock.New(filelock.Config{Timeout: time.Second}))
}

func buildLinear(t *testing.T, ids ...string) (vectorindex.Index, *Mapper) {
	t.Helper()
	idx, err := vectorindex.New(vectorindex.KindLinear, 2, vectorindex.DefaultParams(), nil)
	require.NoError(t, err)
	m := New(Descriptor{IndexType: idx.Kind(), Dimension: 2, StoreVersion: 7, BuiltAt: time.Now().UTC()})
	entries := make([]vectorindex.Entry, len(ids))
	for i, id := range ids {
		entries[i] = vectorindex.Entry{Slot: m.Assign(id), Vector: []float32{float32(i + 1), 1}}
	}
	require.NoError(t, idx.Build(context.Background(), entries))
	return idx, m
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001", "K002", "P001_K1")
	m.SetFingerprint("K002", "f2")
	require.NoError(t, s.Save(context.Background(), idx, m))

	got, gm, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 3})
	require.NoError(t, err)
	assert.Equal(t, vectorindex.KindLinear, got.Kind())
	assert.Equal(t, 3, got.Len())
	assert.Equal(t, m.IDs(), gm.IDs())
	assert.Equal(t, m.Descriptor().StoreVersion, gm.Descriptor().StoreVersion)
	assert.True(t, m.Descriptor().BuiltAt.Equal(gm.Descriptor().BuiltAt))
	assert.Equal(t, "f2", gm.Fingerprint("K002"))

	// The next slot survives the round trip.
	assert.Equal(t, uint32(3), gm.Assign("K004"))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStoreSavesOrderedSlots(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001", "K002", "K003")
	_, ok := m.Release("K002")
	require.True(t, ok)
	require.NoError(t, idx.Remove(1))
	m.SetStoreVersion(7)
	require.NoError(t, s.Save(context.Background(), idx, m))

	data, err := os.ReadFile(filepath.Join(s.Dir(), MappingFile))
	require.NoError(t, err)
	var raw struct {
		Slots []struct {
			Slot uint32 `json:"slot"`
			ID   string `json:"id"`
		} `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Slots, 2)
	assert.Equal(t, uint32(0), raw.Slots[0].Slot)
	assert.Equal(t, "K001", raw.Slots[0].ID)
	assert.Equal(t, uint32(2), raw.Slots[1].Slot)
	assert.Equal(t, "K003", raw.Slots[1].ID)

	_, gm, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 2})
	require.NoError(t, err)
	slot, ok := gm.Slot("K003")
	require.True(t, ok)
	assert.Equal(t, uint32(2), slot)
	_, ok = gm.Slot("K002")
	assert.False(t, ok)
}

func TestStoreLoadRejectsUnorderedSlots(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001", "K002")
	require.NoError(t, s.Save(context.Background(), idx, m))

	mf := mappingFile{
		Descriptor: Descriptor{IndexType: vectorindex.KindLinear, Dimension: 2, RecordCount: 2, StoreVersion: 7},
		NextSlot:   2,
		Slots:      []slotEntry{{1, "K002"}, {0, "K001"}},
	}
	data, err := json.Marshal(mf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), MappingFile), data, 0o600))

	_, _, err = s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 2})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStoreLoadStale(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001", "K002")
	require.NoError(t, s.Save(context.Background(), idx, m))

	tests := []struct {
		name string
		want Expect
	}{
		{"version bumped", Expect{StoreVersion: 8, RecordCount: 2}},
		{"record count differs", Expect{StoreVersion: 7, RecordCount: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Load(context.Background(), vectorindex.Selector{}, tt.want)
			assert.ErrorIs(t, err, ErrStale)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStoreLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001")
	require.NoError(t, s.Save(context.Background(), idx, m))

	t.Run("bad mapping json", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), MappingFile), []byte("{"), 0o600))
		_, _, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 1})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("blob disagrees with mapping", func(t *testing.T) {
		mf := mappingFile{
			Descriptor: Descriptor{IndexType: vectorindex.KindLinear, Dimension: 2, RecordCount: 2, StoreVersion: 7},
			NextSlot:   2,
			Slots:      []slotEntry{{0, "K001"}, {1, "K002"}},
		}
		data, err := json.Marshal(mf)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), MappingFile), data, 0o600))
		_, _, err = s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 2})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("garbage blob", func(t *testing.T) {
		require.NoError(t, s.Save(context.Background(), idx, m))
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), BlobFile), []byte("junk"), 0o600))
		_, _, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 1})
		assert.ErrorIs(t, err, vectorindex.ErrRebuildRequired)
	})
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore(t)
	idx, m := buildLinear(t, "K001")
	require.NoError(t, s.Save(context.Background(), idx, m))
	require.NoError(t, s.Remove(context.Background()))
	require.NoError(t, s.Remove(context.Background()))

	_, _, err := s.Load(context.Background(), vectorindex.Selector{}, Expect{StoreVersion: 7, RecordCount: 1})
	assert.ErrorIs(t, err, ErrMissing)
}
