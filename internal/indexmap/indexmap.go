// Package indexmap maps vector index slots to record ids and persists the
// mapping with its IndexDescriptor next to the index blob.
package indexmap

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/vectorindex"
)

// Descriptor summarises one index generation.
type Descriptor struct {
	IndexType    vectorindex.Kind `json:"index_type"`
	Dimension    int              `json:"dimension"`
	RecordCount  int              `json:"record_count"`
	StoreVersion uint64           `json:"store_version"`
	BuiltAt      time.Time        `json:"built_at"`
}

// Mapper is the slot to record-id association of one index generation.
// Slots are never reused within a generation; a full rebuild assigns them
// again from zero in record-id order.
//
// A Mapper is not safe for concurrent mutation. Generations mutate a Clone
// and publish it.
type Mapper struct {
	desc   Descriptor
	bySlot map[uint32]string
	byID   map[string]uint32
	// prints holds the content fingerprint each slot's vector was built from.
	prints map[string]string
	next   uint32
}

// New returns an empty mapper carrying desc.
func New(desc Descriptor) *Mapper {
	return &Mapper{
		desc:   desc,
		bySlot: make(map[uint32]string),
		byID:   make(map[string]uint32),
		prints: make(map[string]string),
	}
}

// Assign returns id's slot, allocating one if id has none.
func (m *Mapper) Assign(id string) uint32 {
	if s, ok := m.byID[id]; ok {
		return s
	}
	s := m.next
	m.next++
	m.byID[id] = s
	m.bySlot[s] = id
	return s
}

// Release forgets id and returns the slot it held.
func (m *Mapper) Release(id string) (uint32, bool) {
	s, ok := m.byID[id]
	if !ok {
		return 0, false
	}
	delete(m.byID, id)
	delete(m.bySlot, s)
	delete(m.prints, id)
	return s, true
}

// SetFingerprint records the content fingerprint of id's vector.
func (m *Mapper) SetFingerprint(id, fp string) {
	if _, ok := m.byID[id]; ok {
		m.prints[id] = fp
	}
}

// Fingerprint returns the content fingerprint of id's vector, or "".
func (m *Mapper) Fingerprint(id string) string { return m.prints[id] }

// Slot returns the slot held by id.
func (m *Mapper) Slot(id string) (uint32, bool) {
	s, ok := m.byID[id]
	return s, ok
}

// ID returns the record id held in slot.
func (m *Mapper) ID(slot uint32) (string, bool) {
	id, ok := m.bySlot[slot]
	return id, ok
}

// Len returns the number of mapped records.
func (m *Mapper) Len() int { return len(m.byID) }

// IDs returns the mapped record ids in ascending id order.
func (m *Mapper) IDs() []string {
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return vectorindex.CompareIDs(ids[i], ids[j]) < 0 })
	return ids
}

// Descriptor returns the descriptor with RecordCount set to the live count.
func (m *Mapper) Descriptor() Descriptor {
	d := m.desc
	d.RecordCount = len(m.byID)
	return d
}

// SetStoreVersion records the store version the mapping is consistent with.
func (m *Mapper) SetStoreVersion(v uint64) { m.desc.StoreVersion = v }

// SetIndexType records the backend now holding the slots.
func (m *Mapper) SetIndexType(k vectorindex.Kind) { m.desc.IndexType = k }

// Clone returns an independent copy.
func (m *Mapper) Clone() *Mapper {
	c := &Mapper{
		desc:   m.desc,
		bySlot: make(map[uint32]string, len(m.bySlot)),
		byID:   make(map[string]uint32, len(m.byID)),
		prints: make(map[string]string, len(m.prints)),
		next:   m.next,
	}
	for s, id := range m.bySlot {
		c.bySlot[s] = id
	}
	for id, s := range m.byID {
		c.byID[id] = s
	}
	for id, fp := range m.prints {
		c.prints[id] = fp
	}
	return c
}
