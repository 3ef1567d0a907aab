// Package manifest implements the atomically-replaced collection manifest
// (§4.6): configuration, segment list, last-flushed WAL sequence, and the
// optional HNSW index filename/generation.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// SegmentEntry names one on-disk segment and its document range.
type SegmentEntry struct {
	Filename   string `json:"filename"`
	DocCount   int    `json:"doc_count"`
	MinID      uint32 `json:"min_id"`
	MaxID      uint32 `json:"max_id"`
	CreatedSeq uint64 `json:"created_seq"`
}

// Manifest is the authoritative, durably-published state of a collection.
type Manifest struct {
	Dimension   int            `json:"dimension"`
	Durability  string         `json:"durability"` // "buffered" | "synced"
	Metric      string         `json:"metric"`      // "cosine" | "dot" | "euclidean"
	Segments    []SegmentEntry `json:"segments"`
	LastWALSeq  uint64         `json:"last_wal_seq"`
	IndexFile   string         `json:"index_file,omitempty"`
	IndexGen    uint64         `json:"index_gen"`
	FormatMinor int            `json:"format_minor"`
}

// Store manages one collection's manifest file: load, atomic publish, and
// an in-memory cached snapshot readers can refresh from without re-reading
// disk on every operation.
type Store struct {
	path    string
	current atomic.Pointer[Manifest] // swapped atomically by Open, Publish and Reload
}

// Filename is the conventional manifest filename inside a collection directory.
const Filename = "MANIFEST"

// Open loads path if it exists; a missing manifest is not an error — it
// signals a newly created collection, and Store.Current returns nil until
// the first Publish.
func Open(dir string) (*Store, error) {
	s := &Store{path: filepath.Join(dir, Filename)}
	m, err := loadFile(s.path)
	if err != nil {
		return nil, err
	}
	s.current.Store(m)
	return s, nil
}

func loadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Current returns the in-memory cached snapshot. It is nil if no manifest
// has ever been published for this collection.
func (s *Store) Current() *Manifest {
	return s.current.Load()
}

// Publish durably replaces the manifest file via write-temp + fsync +
// rename, then swaps the in-memory cached snapshot. The on-disk rename
// happens strictly before the in-memory swap so a crash between the two
// still leaves readers observing a consistent (old or new, never mixed)
// state on reopen.
func (s *Store) Publish(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	tmpPath := s.path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: rename: %w", err)
	}

	s.current.Store(m)
	return nil
}

// Reload re-reads the manifest file from disk and refreshes the cached
// snapshot, used by reader processes notified of a change (see the
// fsnotify-backed watcher in the root package).
func (s *Store) Reload() error {
	m, err := loadFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(m)
	return nil
}
