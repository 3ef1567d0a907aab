// Package idmap implements the bidirectional external-string to dense
// internal-uint32 mapping used by a memtable or segment (§4.1). A map is
// local to its owner; internal IDs are never stable across flushes.
package idmap

import (
	"fmt"
	"sort"
)

// Map is a bidirectional string<->uint32 mapping. The zero value is not
// ready for use; call New.
type Map struct {
	fwd  map[string]uint32
	rev  map[uint32]string
	next uint32
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		fwd: make(map[string]uint32),
		rev: make(map[uint32]string),
	}
}

// Insert returns the existing internal ID for external if already present,
// otherwise allocates and returns the next unused internal ID.
func (m *Map) Insert(external string) uint32 {
	if id, ok := m.fwd[external]; ok {
		return id
	}
	id := m.next
	m.next++
	m.fwd[external] = id
	m.rev[id] = external
	return id
}

// Remove deletes the mapping in both directions. It is a no-op if external
// is unknown.
func (m *Map) Remove(external string) {
	id, ok := m.fwd[external]
	if !ok {
		return
	}
	delete(m.fwd, external)
	delete(m.rev, id)
}

// Lookup returns the internal ID for an external string.
func (m *Map) Lookup(external string) (uint32, bool) {
	id, ok := m.fwd[external]
	return id, ok
}

// External returns the external string for an internal ID.
func (m *Map) External(id uint32) (string, bool) {
	s, ok := m.rev[id]
	return s, ok
}

// Len returns the number of live mappings.
func (m *Map) Len() int { return len(m.fwd) }

// Pair is one (internal ID, external string) entry, used for serialization.
type Pair struct {
	ID       uint32
	External string
}

// Pairs returns every mapping as an ordered pair sequence, ordered by
// internal ID, suitable for writing into a segment's ID-mapping region.
func (m *Map) Pairs() []Pair {
	out := make([]Pair, 0, len(m.rev))
	for id, ext := range m.rev {
		out = append(out, Pair{ID: id, External: ext})
	}
	// Stable order matters for deterministic segment bytes.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadPairs rebuilds a Map from a previously serialized pair sequence,
// e.g. when opening a segment's ID-mapping region.
func LoadPairs(pairs []Pair) (*Map, error) {
	m := New()
	for _, p := range pairs {
		if _, exists := m.rev[p.ID]; exists {
			return nil, fmt.Errorf("idmap: duplicate internal id %d", p.ID)
		}
		m.fwd[p.External] = p.ID
		m.rev[p.ID] = p.External
		if p.ID >= m.next {
			m.next = p.ID + 1
		}
	}
	return m, nil
}
