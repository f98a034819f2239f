package vectorindex

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKinds = []Kind{KindFlat, KindIVF, KindHNSW, KindLinear}

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func randomEntries(n, dim int, seed uint64) []Entry {
	rng := rand.New(rand.NewPCG(seed, seed+7))
	out := make([]Entry, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = Entry{Slot: uint32(i), Vector: v}
	}
	return out
}

func newIndex(t *testing.T, k Kind, dim int) Index {
	t.Helper()
	idx, err := New(k, dim, DefaultParams(), nil)
	require.NoError(t, err)
	return idx
}

func TestOrthonormalQuery(t *testing.T) {
	for _, k := range allKinds {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 3)
			require.NoError(t, idx.Build(context.Background(), []Entry{
				{Slot: 1, Vector: unit(3, 0)},
				{Slot: 2, Vector: unit(3, 1)},
				{Slot: 3, Vector: unit(3, 2)},
			}))
			assert.Equal(t, 3, idx.Len())

			hits, err := idx.Search(unit(3, 0), 1, 0.5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, uint32(1), hits[0].Slot)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		})
	}
}

func TestSearchTiesAreReturned(t *testing.T) {
	for _, k := range []Kind{KindFlat, KindLinear} {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 2)
			require.NoError(t, idx.Build(context.Background(), []Entry{
				{Slot: 9, Vector: []float32{1, 1}},
				{Slot: 4, Vector: []float32{1, 1}},
				{Slot: 5, Vector: []float32{0, 1}},
			}))
			hits, err := idx.Search([]float32{1, 1}, 1, 0)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, uint32(4), hits[0].Slot)
			assert.Equal(t, uint32(9), hits[1].Slot)
		})
	}
}

func TestSearchDeterministic(t *testing.T) {
	entries := randomEntries(60, 8, 1)
	query := randomEntries(1, 8, 99)[0].Vector
	for _, k := range allKinds {
		t.Run(string(k), func(t *testing.T) {
			a := newIndex(t, k, 8)
			b := newIndex(t, k, 8)
			require.NoError(t, a.Build(context.Background(), entries))
			require.NoError(t, b.Build(context.Background(), entries))
			ha, err := a.Search(query, 5, -1)
			require.NoError(t, err)
			hb, err := b.Search(query, 5, -1)
			require.NoError(t, err)
			assert.Equal(t, ha, hb)
		})
	}
}

func TestUpsertAndRemoveVisibility(t *testing.T) {
	for _, k := range []Kind{KindFlat, KindHNSW, KindLinear} {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 3)
			require.NoError(t, idx.Build(context.Background(), []Entry{
				{Slot: 1, Vector: unit(3, 0)},
				{Slot: 2, Vector: unit(3, 1)},
			}))

			require.NoError(t, idx.Upsert(3, unit(3, 2)))
			hits, err := idx.Search(unit(3, 2), 1, 0.5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, uint32(3), hits[0].Slot)

			// Replacing a vector moves the slot.
			require.NoError(t, idx.Upsert(1, unit(3, 2)))
			hits, err = idx.Search(unit(3, 0), 5, 0.5)
			require.NoError(t, err)
			assert.Empty(t, hits)

			require.NoError(t, idx.Remove(3))
			require.NoError(t, idx.Remove(42))
			hits, err = idx.Search(unit(3, 2), 5, 0.5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, uint32(1), hits[0].Slot)
			assert.Equal(t, 2, idx.Len())
		})
	}
}

func TestDimensionMismatch(t *testing.T) {
	for _, k := range allKinds {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 3)
			err := idx.Build(context.Background(), []Entry{{Slot: 1, Vector: []float32{1, 0}}})
			require.Error(t, err)
			assert.True(t, IsKind(err, DimensionMismatch))
			assert.ErrorIs(t, err, ErrRebuildRequired)

			_, err = idx.Search([]float32{1}, 1, 0)
			assert.True(t, IsKind(err, DimensionMismatch))

			var ie *IndexError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, 3, ie.Expected)
			assert.Equal(t, 1, ie.Actual)
		})
	}
}

func TestDuplicateSlotRejected(t *testing.T) {
	idx := newIndex(t, KindLinear, 2)
	err := idx.Build(context.Background(), []Entry{
		{Slot: 1, Vector: []float32{1, 0}},
		{Slot: 1, Vector: []float32{0, 1}},
	})
	assert.True(t, IsKind(err, BackendInit))
}

func TestIVFUntrainedFailsClosed(t *testing.T) {
	idx := newIndex(t, KindIVF, 3)
	require.NoError(t, idx.Build(context.Background(), []Entry{
		{Slot: 1, Vector: unit(3, 0)},
		{Slot: 2, Vector: unit(3, 1)},
	}))
	assert.False(t, idx.(*IVF).Trained())

	hits, err := idx.Search(unit(3, 1), 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint32(2), hits[0].Slot)

	err = idx.Upsert(3, unit(3, 2))
	assert.True(t, IsKind(err, NotTrained))
	assert.ErrorIs(t, err, ErrRebuildRequired)
	assert.True(t, IsKind(idx.Remove(1), NotTrained))
}

func TestIVFTrained(t *testing.T) {
	entries := randomEntries(400, 16, 3)
	idx := newIndex(t, KindIVF, 16)
	require.NoError(t, idx.Build(context.Background(), entries))
	ivf := idx.(*IVF)
	require.True(t, ivf.Trained())
	assert.Len(t, ivf.centroids, listCount(400))

	for _, e := range entries[:20] {
		hits, err := idx.Search(e.Vector, 1, 0)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, e.Slot, hits[0].Slot)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	}

	require.NoError(t, idx.Upsert(1000, unit(16, 3)))
	hits, err := idx.Search(unit(16, 3), 1, 0.99)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint32(1000), hits[0].Slot)

	require.NoError(t, idx.Remove(1000))
	hits, err = idx.Search(unit(16, 3), 1, 0.99)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestListCount(t *testing.T) {
	assert.Equal(t, 16, listCount(39))
	assert.Equal(t, 10, listCount(10))
	assert.Equal(t, 100, listCount(10000))
	assert.Equal(t, 256, listCount(1000000))
}

func TestHNSWRecall(t *testing.T) {
	entries := randomEntries(300, 16, 5)
	queries := randomEntries(20, 16, 11)

	exact := newIndex(t, KindLinear, 16)
	graph := newIndex(t, KindHNSW, 16)
	require.NoError(t, exact.Build(context.Background(), entries))
	require.NoError(t, graph.Build(context.Background(), entries))

	var found, total int
	for _, q := range queries {
		want, err := exact.Search(q.Vector, 10, -1)
		require.NoError(t, err)
		got, err := graph.Search(q.Vector, 10, -1)
		require.NoError(t, err)
		seen := make(map[uint32]bool, len(got))
		for _, h := range got {
			seen[h.Slot] = true
		}
		for _, h := range want[:10] {
			total++
			if seen[h.Slot] {
				found++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(found)/float64(total), 0.9)
}

func TestHNSWTombstones(t *testing.T) {
	idx := newIndex(t, KindHNSW, 3)
	require.NoError(t, idx.Build(context.Background(), []Entry{
		{Slot: 1, Vector: unit(3, 0)},
		{Slot: 2, Vector: unit(3, 1)},
	}))
	h := idx.(*HNSW)

	require.NoError(t, idx.Upsert(1, unit(3, 2)))
	assert.Equal(t, 1, h.Tombstones())
	assert.Equal(t, 2, idx.Len())

	require.NoError(t, idx.Remove(1))
	require.NoError(t, idx.Remove(2))
	assert.Equal(t, 0, idx.Len())
	hits, err := idx.Search(unit(3, 0), 3, -1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCloneIsIndependent(t *testing.T) {
	for _, k := range []Kind{KindFlat, KindHNSW, KindLinear} {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 3)
			require.NoError(t, idx.Build(context.Background(), []Entry{{Slot: 1, Vector: unit(3, 0)}}))
			c, err := idx.Clone()
			require.NoError(t, err)

			require.NoError(t, c.Upsert(2, unit(3, 1)))
			assert.Equal(t, 1, idx.Len())
			assert.Equal(t, 2, c.Len())
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	entries := randomEntries(80, 8, 21)
	query := randomEntries(1, 8, 77)[0].Vector
	sel := Selector{Params: DefaultParams()}

	for _, k := range allKinds {
		t.Run(string(k), func(t *testing.T) {
			idx := newIndex(t, k, 8)
			require.NoError(t, idx.Build(context.Background(), entries))
			var buf bytes.Buffer
			require.NoError(t, idx.Encode(&buf))

			kind, dim, err := PeekKind(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, k, kind)
			assert.Equal(t, 8, dim)

			loaded, err := Load(sel, buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, k, loaded.Kind())
			assert.Equal(t, idx.Len(), loaded.Len())

			want, err := idx.Search(query, 5, -1)
			require.NoError(t, err)
			got, err := loaded.Search(query, 5, -1)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCodecRejectsWrongKind(t *testing.T) {
	flat := newIndex(t, KindFlat, 2)
	require.NoError(t, flat.Build(context.Background(), []Entry{{Slot: 1, Vector: []float32{1, 0}}}))
	var buf bytes.Buffer
	require.NoError(t, flat.Encode(&buf))

	lin := newIndex(t, KindLinear, 2)
	err := lin.Decode(bytes.NewReader(buf.Bytes()))
	assert.True(t, IsKind(err, VersionMismatch))

	_, _, err = PeekKind([]byte("not a blob"))
	assert.True(t, IsKind(err, VersionMismatch))
}

func TestSelectorChoose(t *testing.T) {
	sel := Selector{IVFThreshold: 100, HNSWThreshold: 1000}
	assert.Equal(t, KindFlat, sel.Choose(0))
	assert.Equal(t, KindFlat, sel.Choose(99))
	assert.Equal(t, KindIVF, sel.Choose(100))
	assert.Equal(t, KindHNSW, sel.Choose(1000))

	disabled := Selector{IVFThreshold: 100, HNSWThreshold: 1000, Probe: NewProbe(true, nil)}
	assert.Equal(t, KindLinear, disabled.Choose(5))
	assert.Equal(t, KindLinear, disabled.Choose(5000))
	caps := disabled.Probe.Capabilities()
	assert.False(t, caps.Accelerated)
	assert.Equal(t, "scalar", caps.Kernel)
	assert.NotEmpty(t, caps.Reason)
}

func TestProbeDowngrade(t *testing.T) {
	if !buildAccel {
		t.Skip("acceleration compiled out")
	}
	p := NewProbe(false, nil)
	require.True(t, p.Available())
	sel := Selector{Probe: p, Params: DefaultParams()}
	assert.Equal(t, KindFlat, sel.Choose(3))

	p.Downgrade(errors.New("boom"))
	p.Downgrade(errors.New("again"))
	assert.False(t, p.Available())
	assert.Contains(t, p.Capabilities().Reason, "boom")
	assert.Equal(t, KindLinear, sel.Choose(3))

	_, err := sel.Restore(KindHNSW, 4)
	assert.True(t, IsKind(err, VersionMismatch))
	idx, err := sel.Restore(KindLinear, 4)
	require.NoError(t, err)
	assert.Equal(t, KindLinear, idx.Kind())
}

func TestSelectorBuildKeepsDimensionErrors(t *testing.T) {
	if !buildAccel {
		t.Skip("acceleration compiled out")
	}
	p := NewProbe(false, nil)
	sel := Selector{Probe: p, Params: DefaultParams()}
	_, err := sel.Build(context.Background(), 3, []Entry{{Slot: 1, Vector: []float32{1}}})
	assert.True(t, IsKind(err, DimensionMismatch))
	assert.True(t, p.Available())

	idx, err := sel.Build(context.Background(), 3, []Entry{{Slot: 1, Vector: unit(3, 0)}})
	require.NoError(t, err)
	assert.Equal(t, KindFlat, idx.Kind())
}

func TestSelectTopKeepsTies(t *testing.T) {
	hits := []Hit{{Slot: 3, Score: 0.5}, {Slot: 1, Score: 0.9}, {Slot: 2, Score: 0.5}, {Slot: 4, Score: 0.1}}
	got := selectTop(hits, 2)
	assert.Equal(t, []Hit{{Slot: 1, Score: 0.9}, {Slot: 2, Score: 0.5}, {Slot: 3, Score: 0.5}}, got)
	assert.Len(t, selectTop([]Hit{{Slot: 1, Score: 1}}, 0), 1)
}

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},
		{"10", "2", 1},
		{"7", "7", 0},
		{"K002", "K010", -1},
		{"P001_K1", "K001", 1},
		{"10", "K1", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareIDs(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestMeanNormalized(t *testing.T) {
	got := MeanNormalized([][]float32{{1, 0}, {0, 1}})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.7071, got[0], 1e-4)
	assert.InDelta(t, 0.7071, got[1], 1e-4)

	assert.Nil(t, MeanNormalized(nil))
	assert.Nil(t, MeanNormalized([][]float32{{1}, {1, 2}}))
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestKernelsAgree(t *testing.T) {
	e := randomEntries(2, 37, 4)
	want := dotScalar(e[0].Vector, e[1].Vector)
	assert.InDelta(t, want, dotUnrolled4(e[0].Vector, e[1].Vector), 1e-4)
	assert.InDelta(t, want, dotUnrolled8(e[0].Vector, e[1].Vector), 1e-4)
}
