// Package ndb implements an embedded, single-node vector database: a
// write-ahead log, an in-memory memtable, immutable memory-mapped segments,
// an atomically published manifest, a synchronous compactor, and an
// optional HNSW approximate nearest-neighbor index, wrapped in a
// database/collection facade similar in spirit to a small embedded KV
// store.
package ndb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/lock"
	"github.com/ndblabs/ndb/internal/manifest"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/segment"
	"github.com/ndblabs/ndb/internal/wal"
)

// Database is the on-disk root: a directory holding one subdirectory per
// collection (§4.12, §4.1).
type Database struct {
	dir string

	logger     zerolog.Logger
	registerer prometheus.Registerer

	mu          sync.RWMutex
	collections map[string]*Collection

	closed bool
}

// Open opens or creates a database rooted at dir, creating the directory if
// necessary. Collections are opened lazily on first access via Collection.
// By default the database logs nowhere and registers no metrics; pass
// WithLogger and/or WithRegisterer to opt in.
func Open(dir string, opts ...Option) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr("open", KindIO, fmt.Sprintf("create database directory %s", dir), err)
	}
	cfg := databaseConfig{Logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Database{
		dir:         dir,
		logger:      cfg.Logger,
		registerer:  cfg.Registerer,
		collections: make(map[string]*Collection),
	}, nil
}

// CreateCollection creates a new, empty collection named name with the
// given vector dimension. It fails with KindAlreadyExists if a collection
// by that name already exists on disk.
func (db *Database) CreateCollection(name string, dimension int, opts ...CollectionOption) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if dimension <= 0 {
		return nil, newErr("create_collection", KindInvalidArgument, "dimension must be positive", nil)
	}

	collDir := filepath.Join(db.dir, name)
	if _, err := os.Stat(filepath.Join(collDir, manifest.Filename)); err == nil {
		return nil, newErr("create_collection", KindAlreadyExists, fmt.Sprintf("collection %q already exists", name), nil)
	}
	if err := os.MkdirAll(collDir, 0o755); err != nil {
		return nil, newErr("create_collection", KindIO, "create collection directory", err)
	}

	cfg := CollectionConfig{
		Dimension:           dimension,
		Durability:          Buffered,
		Metric:              MetricCosine,
		FlushThresholdBytes: DefaultFlushThresholdBytes,
	}
	for _, o := range opts {
		o(&cfg)
	}

	fl, err := lock.Acquire(filepath.Join(collDir, "LOCK"))
	if err != nil {
		return nil, collectionLockErr(name, err)
	}

	mstore, err := manifest.Open(collDir)
	if err != nil {
		fl.Release()
		return nil, newErr("create_collection", KindIO, "open manifest store", err)
	}

	walReg := db.registerer
	if walReg != nil {
		walReg = prometheus.WrapRegistererWith(prometheus.Labels{"collection": name}, walReg)
	}
	walw, err := wal.Open(filepath.Join(collDir, "WAL"), wal.WithSyncPolicy(cfg.Durability.toWAL()), wal.WithInitialSeq(1), wal.WithRegisterer(walReg))
	if err != nil {
		fl.Release()
		return nil, newErr("create_collection", KindIO, "open wal", err)
	}

	initial := &manifest.Manifest{
		Dimension:   cfg.Dimension,
		Durability:  cfg.Durability.String(),
		Metric:      cfg.Metric.String(),
		FormatMinor: 1,
	}
	if err := mstore.Publish(initial); err != nil {
		walw.Close()
		fl.Release()
		return nil, newErr("create_collection", KindIO, "publish initial manifest", err)
	}

	c := newCollection(name, collDir, cfg, fl, mstore, walw, memtable.New(cfg.Dimension), nil, nil, make(map[string]bool), 0, db.logger, db.registerer)
	db.collections[name] = c
	db.logger.Info().Str("collection", name).Int("dimension", dimension).Msg("collection created")
	return c, nil
}

// Collection returns a handle to an existing collection, opening it from
// disk (replaying its WAL) if this process hasn't already.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if c, ok := db.collections[name]; ok {
		return c, nil
	}

	collDir := filepath.Join(db.dir, name)
	if _, err := os.Stat(filepath.Join(collDir, manifest.Filename)); err != nil {
		return nil, newErr("collection", KindNotFound, fmt.Sprintf("collection %q not found", name), nil)
	}

	c, err := openCollection(name, collDir, db.logger, db.registerer)
	if err != nil {
		return nil, err
	}
	db.collections[name] = c
	return c, nil
}

// CollectionReader returns a lock-free, read-only handle to an existing
// collection (§4.2: "Readers do not acquire the lock"; §5: "Reader-only
// processes may open concurrently"). It never starts a WAL writer and never
// replays the WAL, so it only ever sees documents that have made it into a
// published segment; use WatchCollection to learn about new ones as a
// writer publishes them. Get and Search work normally; every mutating
// method returns KindReadOnly. If this Database already holds a handle for
// name (from Collection, CreateCollection or an earlier call), that handle
// is returned as it is, writable or not.
func (db *Database) CollectionReader(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if c, ok := db.collections[name]; ok {
		return c, nil
	}

	collDir := filepath.Join(db.dir, name)
	if _, err := os.Stat(filepath.Join(collDir, manifest.Filename)); err != nil {
		return nil, newErr("collection_reader", KindNotFound, fmt.Sprintf("collection %q not found", name), nil)
	}

	c, err := openCollectionReadOnly(name, collDir, db.logger, db.registerer)
	if err != nil {
		return nil, err
	}
	db.collections[name] = c
	return c, nil
}

// List returns the names of every collection present in the database
// directory, including ones not yet opened by this process.
func (db *Database) List() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, newErr("list", KindIO, "read database directory", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(db.dir, e.Name(), manifest.Filename)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Drop closes (if open) and permanently deletes a collection's directory.
func (db *Database) Drop(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		c.Close()
		delete(db.collections, name)
	}
	collDir := filepath.Join(db.dir, name)
	if err := os.RemoveAll(collDir); err != nil {
		return newErr("drop", KindIO, fmt.Sprintf("remove collection %q", name), err)
	}
	return nil
}

// Close closes every collection this process has opened.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for _, c := range db.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func collectionLockErr(name string, err error) error {
	if err == lock.ErrLocked {
		return newErr("open", KindCollectionLocked, fmt.Sprintf("collection %q is already open in another process", name), err)
	}
	return newErr("open", KindIO, "acquire collection lock", err)
}

// openCollection loads an existing collection directory: acquires the
// writer lock, loads the manifest, memory-maps its segments, loads its
// index if one is referenced, and replays WAL records past the manifest's
// last flushed sequence into a fresh memtable (§4.12 Open sequence).
func openCollection(name, dir string, log zerolog.Logger, reg prometheus.Registerer) (*Collection, error) {
	fl, err := lock.Acquire(filepath.Join(dir, "LOCK"))
	if err != nil {
		return nil, collectionLockErr(name, err)
	}

	mstore, err := manifest.Open(dir)
	if err != nil {
		fl.Release()
		return nil, newErr("open", KindIO, "open manifest store", err)
	}
	m := mstore.Current()
	if m == nil {
		fl.Release()
		return nil, newErr("open", KindCorruption, fmt.Sprintf("collection %q has no manifest", name), nil)
	}

	cfg := CollectionConfig{
		Dimension:           m.Dimension,
		Durability:          durabilityFromString(m.Durability),
		Metric:              metricFromString(m.Metric),
		FlushThresholdBytes: DefaultFlushThresholdBytes,
	}

	var segs []*segment.Reader
	for _, se := range m.Segments {
		r, err := segment.Open(filepath.Join(dir, se.Filename))
		if err != nil {
			for _, opened := range segs {
				opened.Close()
			}
			fl.Release()
			return nil, newErr("open", KindCorruption, fmt.Sprintf("open segment %s", se.Filename), err)
		}
		segs = append(segs, r)
	}

	var idx *hnsw.Graph
	if m.IndexFile != "" {
		idx, err = hnsw.ReadFile(filepath.Join(dir, m.IndexFile))
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("hnsw index unreadable; searches fall back to exact scan")
			idx = nil
		}
	}

	mem := memtable.New(cfg.Dimension)
	tombstones := make(map[string]bool)
	walPath := filepath.Join(dir, "WAL")
	replay, err := wal.Replay(walPath, m.LastWALSeq, func(rec wal.Record) error {
		switch rec.Opcode {
		case wal.OpInsert:
			externalID, vector, payload, err := wal.DecodeInsertBody(rec.Body)
			if err != nil {
				return err
			}
			if len(vector) != cfg.Dimension {
				return fmt.Errorf("wal record %d: vector has %d dimensions, collection has %d", rec.Seq, len(vector), cfg.Dimension)
			}
			mem.Insert(externalID, vector, payload)
			delete(tombstones, externalID)
		case wal.OpDelete:
			externalID, err := wal.DecodeDeleteBody(rec.Body)
			if err != nil {
				return err
			}
			mem.Delete(externalID)
			tombstones[externalID] = true
		}
		return nil
	})
	if err != nil {
		for _, opened := range segs {
			opened.Close()
		}
		fl.Release()
		return nil, newErr("open", KindCorruption, "replay wal", err)
	}
	if replay.Truncated {
		if err := wal.TruncateToValid(walPath, replay.ValidBytes); err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("failed to truncate wal tail")
		}
	}

	nextSeq := m.LastWALSeq
	if replay.MaxSeq > nextSeq {
		nextSeq = replay.MaxSeq
	}
	nextSeq++

	walReg := reg
	if walReg != nil {
		walReg = prometheus.WrapRegistererWith(prometheus.Labels{"collection": name}, walReg)
	}
	walw, err := wal.Open(walPath, wal.WithSyncPolicy(cfg.Durability.toWAL()), wal.WithInitialSeq(nextSeq), wal.WithRegisterer(walReg))
	if err != nil {
		for _, opened := range segs {
			opened.Close()
		}
		fl.Release()
		return nil, newErr("open", KindIO, "open wal", err)
	}

	cleanStaleTempFiles(dir, name, log)

	c := newCollection(name, dir, cfg, fl, mstore, walw, mem, segs, idx, tombstones, uint64(len(segs)), log, reg)
	return c, nil
}

// openCollectionReadOnly loads an existing collection directory without
// acquiring the writer lock and without a WAL writer or replay: it maps
// whatever segments and index the current manifest references and nothing
// more, so two or more of these can coexist alongside (or instead of) the
// single writer permitted by openCollection.
func openCollectionReadOnly(name, dir string, log zerolog.Logger, reg prometheus.Registerer) (*Collection, error) {
	mstore, err := manifest.Open(dir)
	if err != nil {
		return nil, newErr("open_reader", KindIO, "open manifest store", err)
	}
	m := mstore.Current()
	if m == nil {
		return nil, newErr("open_reader", KindCorruption, fmt.Sprintf("collection %q has no manifest", name), nil)
	}

	cfg := CollectionConfig{
		Dimension:           m.Dimension,
		Durability:          durabilityFromString(m.Durability),
		Metric:              metricFromString(m.Metric),
		FlushThresholdBytes: DefaultFlushThresholdBytes,
	}

	var segs []*segment.Reader
	for _, se := range m.Segments {
		r, err := segment.Open(filepath.Join(dir, se.Filename))
		if err != nil {
			for _, opened := range segs {
				opened.Close()
			}
			return nil, newErr("open_reader", KindCorruption, fmt.Sprintf("open segment %s", se.Filename), err)
		}
		segs = append(segs, r)
	}

	var idx *hnsw.Graph
	if m.IndexFile != "" {
		idx, err = hnsw.ReadFile(filepath.Join(dir, m.IndexFile))
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("hnsw index unreadable; searches fall back to exact scan")
			idx = nil
		}
	}

	return newReadOnlyCollection(name, dir, cfg, mstore, segs, idx, log, reg), nil
}

func metricFromString(s string) Metric {
	switch s {
	case "dot":
		return MetricDot
	case "euclidean":
		return MetricEuclidean
	default:
		return MetricCosine
	}
}

// cleanStaleTempFiles removes any ".tmp" files left behind by a crash
// between a temp-file write and its rename (§4.5, §4.6).
func cleanStaleTempFiles(dir, collectionName string, log zerolog.Logger) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			log.Warn().Err(err).Str("collection", collectionName).Str("file", m).Msg("failed to remove stray temp file")
		}
	}
}
