package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

const hnswMaxLevel = 16

// hnswNode is one graph vertex. Node ids are positions in HNSW.nodes and
// never move; a replaced or removed slot leaves a tombstoned node behind
// until the next full build.
type hnswNode struct {
	slot    uint32
	vec     []float32
	level   int
	friends [][]uint32
}

// HNSW is a hierarchical navigable small-world graph over unit vectors.
type HNSW struct {
	mu         sync.RWMutex
	dim        int
	params     Params
	dot        dotFunc
	levelMult  float64
	src        *rand.PCG
	rng        *rand.Rand
	nodes      []*hnswNode
	slotToNode map[uint32]uint32
	tombstones *roaring.Bitmap
	entry      int64
	maxLevel   int
}

func newHNSW(dim int, p Params, dot dotFunc) *HNSW {
	h := &HNSW{
		dim:        dim,
		params:     p,
		dot:        dot,
		levelMult:  1 / math.Log(float64(p.HNSWM)),
		slotToNode: make(map[uint32]uint32),
		tombstones: roaring.New(),
		entry:      -1,
	}
	h.src = rand.NewPCG(uint64(p.Seed), uint64(p.Seed)+1)
	h.rng = rand.New(h.src)
	return h
}

func (h *HNSW) Kind() Kind     { return KindHNSW }
func (h *HNSW) Dimension() int { return h.dim }

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.slotToNode)
}

// Tombstones returns the number of dead nodes still in the graph.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(h.tombstones.GetCardinality())
}

func (h *HNSW) maxFriends(level int) int {
	if level == 0 {
		return 2 * h.params.HNSWM
	}
	return h.params.HNSWM
}

func (h *HNSW) randomLevel() int {
	u := h.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	return min(int(math.Floor(-math.Log(u)*h.levelMult)), hnswMaxLevel)
}

func (h *HNSW) distance(q []float32, id uint32) float32 {
	return 1 - h.dot(q, h.nodes[id].vec)
}

func (h *HNSW) reset() {
	h.src = rand.NewPCG(uint64(h.params.Seed), uint64(h.params.Seed)+1)
	h.rng = rand.New(h.src)
	h.nodes = nil
	h.slotToNode = make(map[uint32]uint32)
	h.tombstones = roaring.New()
	h.entry = -1
	h.maxLevel = 0
}

// Build inserts entries in slot order into a fresh graph, so the same
// input and seed always produce the same graph.
func (h *HNSW) Build(ctx context.Context, entries []Entry) error {
	if err := checkEntries(KindHNSW, h.dim, entries); err != nil {
		return err
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.reset()
	for i, e := range sorted {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				h.reset()
				return err
			}
		}
		h.insert(e.Slot, normalize(e.Vector))
	}
	return nil
}

func (h *HNSW) Upsert(slot uint32, vec []float32) error {
	if len(vec) != h.dim {
		return dimErr(KindHNSW, h.dim, len(vec))
	}
	v := normalize(vec)

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.slotToNode[slot]; ok {
		h.tombstones.Add(old)
	}
	h.insert(slot, v)
	return nil
}

func (h *HNSW) Remove(slot uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.slotToNode[slot]; ok {
		h.tombstones.Add(id)
		delete(h.slotToNode, slot)
	}
	return nil
}

func (h *HNSW) insert(slot uint32, vec []float32) {
	id := uint32(len(h.nodes))
	level := h.randomLevel()
	node := &hnswNode{slot: slot, vec: vec, level: level, friends: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, node)
	h.slotToNode[slot] = id

	if h.entry < 0 {
		h.entry = int64(id)
		h.maxLevel = level
		return
	}

	cur := uint32(h.entry)
	for l := h.maxLevel; l > level; l-- {
		cur = h.greedy(vec, cur, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, []uint32{cur}, h.params.EfConstruction, l)
		friends := h.selectNeighbors(vec, candidates, h.params.HNSWM)
		node.friends[l] = friends
		for _, f := range friends {
			h.link(f, id, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].id
		}
	}
	if level > h.maxLevel {
		h.entry = int64(id)
		h.maxLevel = level
	}
}

// link adds to as a friend of from at level l and prunes from's list when
// it overflows.
func (h *HNSW) link(from, to uint32, l int) {
	n := h.nodes[from]
	if l >= len(n.friends) {
		return
	}
	for _, f := range n.friends[l] {
		if f == to {
			return
		}
	}
	n.friends[l] = append(n.friends[l], to)
	if len(n.friends[l]) <= h.maxFriends(l) {
		return
	}
	cands := make([]candidate, len(n.friends[l]))
	for i, f := range n.friends[l] {
		cands[i] = candidate{id: f, dist: h.distance(n.vec, f)}
	}
	sortCandidates(cands)
	n.friends[l] = h.selectNeighbors(n.vec, cands, h.maxFriends(l))
}

// greedy walks level l towards q and returns the closest node found.
func (h *HNSW) greedy(q []float32, start uint32, l int) uint32 {
	cur, curDist := start, h.distance(q, start)
	for changed := true; changed; {
		changed = false
		n := h.nodes[cur]
		if l >= len(n.friends) {
			break
		}
		for _, f := range n.friends[l] {
			if d := h.distance(q, f); d < curDist || (d == curDist && f < cur) {
				cur, curDist, changed = f, d, true
			}
		}
	}
	return cur
}

// searchLayer returns up to ef nodes closest to q on level l, nearest
// first.
func (h *HNSW) searchLayer(q []float32, entries []uint32, ef, l int) []candidate {
	visited := make(map[uint32]struct{}, ef*4)
	near := &distHeap{}
	far := &distHeap{max: true}

	for _, e := range entries {
		d := h.distance(q, e)
		visited[e] = struct{}{}
		heap.Push(near, candidate{id: e, dist: d})
		heap.Push(far, candidate{id: e, dist: d})
	}

	for near.Len() > 0 {
		c := heap.Pop(near).(candidate)
		if far.Len() >= ef && c.dist > far.top().dist {
			break
		}
		n := h.nodes[c.id]
		if l >= len(n.friends) {
			continue
		}
		for _, f := range n.friends[l] {
			if _, seen := visited[f]; seen {
				continue
			}
			visited[f] = struct{}{}
			d := h.distance(q, f)
			if far.Len() < ef || d < far.top().dist {
				heap.Push(near, candidate{id: f, dist: d})
				heap.Push(far, candidate{id: f, dist: d})
				if far.Len() > ef {
					heap.Pop(far)
				}
			}
		}
	}

	out := make([]candidate, far.Len())
	copy(out, far.items)
	sortCandidates(out)
	return out
}

// selectNeighbors keeps a candidate only when it is closer to q than to
// every neighbour already kept, then fills any remaining room with the
// closest rejected candidates. cands must be sorted nearest first.
func (h *HNSW) selectNeighbors(q []float32, cands []candidate, m int) []uint32 {
	if len(cands) <= m {
		out := make([]uint32, len(cands))
		for i, c := range cands {
			out[i] = c.id
		}
		return out
	}
	kept := make([]uint32, 0, m)
	var rejected []uint32
	for _, c := range cands {
		if len(kept) >= m {
			break
		}
		good := true
		for _, k := range kept {
			if 1-h.dot(h.nodes[c.id].vec, h.nodes[k].vec) < c.dist {
				good = false
				break
			}
		}
		if good {
			kept = append(kept, c.id)
		} else {
			rejected = append(rejected, c.id)
		}
	}
	for _, r := range rejected {
		if len(kept) >= m {
			break
		}
		kept = append(kept, r)
	}
	return kept
}

func (h *HNSW) Search(query []float32, k int, threshold float32) ([]Hit, error) {
	if len(query) != h.dim {
		return nil, dimErr(KindHNSW, h.dim, len(query))
	}
	start := time.Now()
	q := normalize(query)

	h.mu.RLock()
	if h.entry < 0 || len(h.slotToNode) == 0 {
		h.mu.RUnlock()
		return nil, nil
	}
	ef := max(h.params.EfSearch, k)
	ef += int(min(h.tombstones.GetCardinality(), uint64(len(h.nodes))))

	cur := uint32(h.entry)
	for l := h.maxLevel; l > 0; l-- {
		cur = h.greedy(q, cur, l)
	}
	cands := h.searchLayer(q, []uint32{cur}, ef, 0)
	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		if h.tombstones.Contains(c.id) {
			continue
		}
		n := h.nodes[c.id]
		if s := h.dot(q, n.vec); s >= threshold {
			hits = append(hits, Hit{Slot: n.slot, Score: s})
		}
	}
	h.mu.RUnlock()

	hits = selectTop(hits, k)
	searchDuration.WithLabelValues(string(KindHNSW)).Observe(time.Since(start).Seconds())
	return hits, nil
}

func (h *HNSW) Clone() (Index, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := newHNSW(h.dim, h.params, h.dot)
	state, err := h.src.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("clone hnsw rng: %w", err)
	}
	if err := c.src.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("clone hnsw rng: %w", err)
	}
	c.nodes = make([]*hnswNode, len(h.nodes))
	for i, n := range h.nodes {
		cp := &hnswNode{slot: n.slot, vec: n.vec, level: n.level, friends: make([][]uint32, len(n.friends))}
		for l, fs := range n.friends {
			cp.friends[l] = append([]uint32(nil), fs...)
		}
		c.nodes[i] = cp
	}
	for slot, id := range h.slotToNode {
		c.slotToNode[slot] = id
	}
	c.tombstones = h.tombstones.Clone()
	c.entry = h.entry
	c.maxLevel = h.maxLevel
	return c, nil
}

type hnswNodeRecord struct {
	Slot    uint32
	Vector  []float32
	Level   int
	Friends [][]uint32
}

// hnswPayload is the gob form of an HNSW graph.
type hnswPayload struct {
	Nodes      []hnswNodeRecord
	Tombstones []byte
	Entry      int64
	MaxLevel   int
	RNG        []byte
}

func (h *HNSW) Encode(w io.Writer) error {
	h.mu.RLock()
	p := hnswPayload{Entry: h.entry, MaxLevel: h.maxLevel, Nodes: make([]hnswNodeRecord, len(h.nodes))}
	for i, n := range h.nodes {
		p.Nodes[i] = hnswNodeRecord{Slot: n.slot, Vector: n.vec, Level: n.level, Friends: n.friends}
	}
	var err error
	if p.Tombstones, err = h.tombstones.MarshalBinary(); err == nil {
		p.RNG, err = h.src.MarshalBinary()
	}
	h.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode hnsw: %w", err)
	}
	return encodeBlob(w, KindHNSW, h.dim, p)
}

func (h *HNSW) Decode(r io.Reader) error {
	var p hnswPayload
	dim, err := decodeBlob(r, KindHNSW, &p)
	if err != nil {
		return err
	}
	if dim != h.dim {
		return dimErr(KindHNSW, h.dim, dim)
	}
	tomb := roaring.New()
	if err := tomb.UnmarshalBinary(p.Tombstones); err != nil {
		return &IndexError{Kind: VersionMismatch, Backend: KindHNSW, Err: fmt.Errorf("decode tombstones: %w", err)}
	}
	nodes := make([]*hnswNode, len(p.Nodes))
	slotToNode := make(map[uint32]uint32, len(p.Nodes))
	for i, rec := range p.Nodes {
		if len(rec.Friends) != rec.Level+1 || len(rec.Vector) != dim {
			return &IndexError{Kind: VersionMismatch, Backend: KindHNSW, Err: fmt.Errorf("malformed node %d", i)}
		}
		for _, fs := range rec.Friends {
			for _, f := range fs {
				if int(f) >= len(p.Nodes) {
					return &IndexError{Kind: VersionMismatch, Backend: KindHNSW, Err: fmt.Errorf("node %d links to %d", i, f)}
				}
			}
		}
		nodes[i] = &hnswNode{slot: rec.Slot, vec: rec.Vector, level: rec.Level, friends: rec.Friends}
		if !tomb.Contains(uint32(i)) {
			slotToNode[rec.Slot] = uint32(i)
		}
	}
	if p.Entry >= int64(len(nodes)) || (p.Entry < 0 && len(nodes) > 0) {
		return &IndexError{Kind: VersionMismatch, Backend: KindHNSW, Err: fmt.Errorf("entry point %d out of range", p.Entry)}
	}
	src := rand.NewPCG(0, 0)
	if err := src.UnmarshalBinary(p.RNG); err != nil {
		return &IndexError{Kind: VersionMismatch, Backend: KindHNSW, Err: fmt.Errorf("decode rng: %w", err)}
	}

	h.mu.Lock()
	h.nodes, h.slotToNode, h.tombstones = nodes, slotToNode, tomb
	h.entry, h.maxLevel = p.Entry, p.MaxLevel
	h.src = src
	h.rng = rand.New(src)
	h.mu.Unlock()
	return nil
}

type candidate struct {
	id   uint32
	dist float32
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].dist != cs[j].dist {
			return cs[i].dist < cs[j].dist
		}
		return cs[i].id < cs[j].id
	})
}

// distHeap is a min-heap on distance, or a max-heap when max is set.
type distHeap struct {
	items []candidate
	max   bool
}

func (h *distHeap) Len() int { return len(h.items) }

func (h *distHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.dist != b.dist {
		if h.max {
			return a.dist > b.dist
		}
		return a.dist < b.dist
	}
	if h.max {
		return a.id > b.id
	}
	return a.id < b.id
}

func (h *distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *distHeap) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *distHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

func (h *distHeap) top() candidate { return h.items[0] }
