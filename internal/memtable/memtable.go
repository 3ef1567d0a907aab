// Package memtable implements the in-memory buffer of unflushed writes
// (§4.4): a record map keyed by internal ID paired with a struct-of-arrays
// vector buffer for SIMD-friendly sequential scans, plus an external-ID
// tombstone set that survives the documents it references being absent
// locally.
package memtable

import (
	"sort"
	"sync"

	"github.com/ndblabs/ndb/internal/idmap"
)

// Record is a document's non-vector state inside the memtable.
type Record struct {
	ExternalID string
	Payload    []byte // raw JSON, nil if no payload
	Deleted    bool
}

// Memtable is the mutable, reader-writer-locked write buffer for one
// collection. The zero value is not ready; use New.
type Memtable struct {
	mu sync.RWMutex

	dim     int
	ids     *idmap.Map
	records map[uint32]Record
	vectors []float32 // SoA: vector i occupies vectors[i*dim : i*dim+dim]

	// tombstones tracks deletes by external ID so a delete targeting a
	// document that lives only in an earlier segment is not lost.
	tombstones map[string]bool
}

// New returns an empty memtable for vectors of the given dimension.
func New(dim int) *Memtable {
	return &Memtable{
		dim:        dim,
		ids:        idmap.New(),
		records:    make(map[uint32]Record),
		tombstones: make(map[string]bool),
	}
}

// Insert adds or replaces a document. Re-inserting an existing external ID
// updates in place and retains the previously allocated internal ID.
func (m *Memtable) Insert(externalID string, vector []float32, payload []byte) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.ids.Insert(externalID)
	m.setVector(id, vector)
	m.records[id] = Record{ExternalID: externalID, Payload: payload}
	delete(m.tombstones, externalID)
	return id
}

func (m *Memtable) setVector(id uint32, vector []float32) {
	need := (int(id) + 1) * m.dim
	if need > len(m.vectors) {
		grown := make([]float32, need)
		copy(grown, m.vectors)
		m.vectors = grown
	}
	copy(m.vectors[int(id)*m.dim:int(id)*m.dim+m.dim], vector)
}

// Delete records a tombstone for externalID regardless of whether it's
// present locally, and marks any local record deleted so scans skip it.
func (m *Memtable) Delete(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tombstones[externalID] = true
	if id, ok := m.ids.Lookup(externalID); ok {
		rec := m.records[id]
		rec.Deleted = true
		m.records[id] = rec
	}
}

// IsDeleted reports whether externalID has been tombstoned in this memtable.
func (m *Memtable) IsDeleted(externalID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tombstones[externalID]
}

// GetByExternalID returns a document's vector and payload by external ID.
func (m *Memtable) GetByExternalID(externalID string) (vector []float32, payload []byte, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, found := m.ids.Lookup(externalID)
	if !found {
		return nil, nil, false
	}
	rec, ok := m.records[id]
	if !ok || rec.Deleted {
		return nil, nil, false
	}
	return m.vectorAt(id), rec.Payload, true
}

// GetByInternalID returns a document's external ID, vector, and payload.
func (m *Memtable) GetByInternalID(id uint32) (externalID string, vector []float32, payload []byte, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists || rec.Deleted {
		return "", nil, nil, false
	}
	return rec.ExternalID, m.vectorAt(id), rec.Payload, true
}

func (m *Memtable) vectorAt(id uint32) []float32 {
	out := make([]float32, m.dim)
	copy(out, m.vectors[int(id)*m.dim:int(id)*m.dim+m.dim])
	return out
}

// Len returns the number of live (non-deleted) documents.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if !rec.Deleted {
			n++
		}
	}
	return n
}

// Entry is one live document yielded by Range/Freeze.
type Entry struct {
	InternalID uint32
	ExternalID string
	Vector     []float32
	Payload    []byte
}

// Range invokes fn for every non-deleted document in ascending internal ID
// order. fn returning false stops iteration early.
func (m *Memtable) Range(fn func(Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint32, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rec := m.records[id]
		if rec.Deleted {
			continue
		}
		if !fn(Entry{InternalID: id, ExternalID: rec.ExternalID, Vector: m.vectorAt(id), Payload: rec.Payload}) {
			return
		}
	}
}

// Tombstones returns a copy of the external-ID delete set accumulated by
// this memtable, so a flush can merge it into the collection-wide delete
// state before the memtable is discarded.
func (m *Memtable) Tombstones() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.tombstones))
	for k, v := range m.tombstones {
		out[k] = v
	}
	return out
}

// Frozen is an immutable snapshot of a memtable, ready to be written to a
// segment. Freeze copies each live vector out of the memtable's buffer, so
// the snapshot stays valid whatever happens to the source memtable later.
type Frozen struct {
	Dim     int
	Entries []Entry
}

// Freeze produces an immutable snapshot of every live document, ordered by
// internal ID for deterministic segment bytes.
func (m *Memtable) Freeze() Frozen {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.records))
	for id, rec := range m.records {
		if rec.Deleted {
			continue
		}
		entries = append(entries, Entry{InternalID: id, ExternalID: rec.ExternalID, Vector: m.vectorAt(id), Payload: rec.Payload})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].InternalID < entries[j].InternalID })
	return Frozen{Dim: m.dim, Entries: entries}
}
