package ndb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ndblabs/ndb/internal/compaction"
	"github.com/ndblabs/ndb/internal/distance"
	"github.com/ndblabs/ndb/internal/filter"
	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/lock"
	"github.com/ndblabs/ndb/internal/manifest"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/search"
	"github.com/ndblabs/ndb/internal/segment"
	"github.com/ndblabs/ndb/internal/wal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Collection is one named, independently locked vector collection: a write
// lock, a WAL, a mutable memtable, an immutable segment list, and an
// optional HNSW index, all published through a single manifest (§4.12).
type Collection struct {
	name string
	dir  string

	config CollectionConfig

	fileLock *lock.Lock
	walw     *wal.Writer

	memMu sync.RWMutex
	mem   *memtable.Memtable

	segments atomic.Pointer[[]*segment.Reader]
	index    atomic.Pointer[hnsw.Graph]

	tombstoneMu sync.RWMutex
	tombstones  map[string]bool

	manifestStore *manifest.Store
	fileSeq       atomic.Uint64

	statsMu        sync.Mutex
	lastFlushed    time.Time
	lastCompaction time.Time

	closed atomic.Bool

	// readOnly marks a lock-free handle opened via Database.CollectionReader
	// (§4.2: "Readers do not acquire the lock"). It never holds a WAL
	// writer or the collection's write lock, and every mutating method
	// rejects with KindReadOnly.
	readOnly bool

	log zerolog.Logger
}

func newCollection(name, dir string, cfg CollectionConfig, fl *lock.Lock, mstore *manifest.Store, walw *wal.Writer, mem *memtable.Memtable, segs []*segment.Reader, idx *hnsw.Graph, tombstones map[string]bool, nextFileSeq uint64, log zerolog.Logger, reg prometheus.Registerer) *Collection {
	c := &Collection{
		name:          name,
		dir:           dir,
		config:        cfg,
		fileLock:      fl,
		walw:          walw,
		mem:           mem,
		manifestStore: mstore,
		tombstones:    tombstones,
		log:           log.With().Str("collection", name).Logger(),
	}
	c.segments.Store(&segs)
	if idx != nil {
		c.index.Store(idx)
	}
	c.fileSeq.Store(nextFileSeq)
	registerCollectionMetrics(reg, name, c)
	return c
}

// newReadOnlyCollection builds a lock-free handle for a second process (or a
// watching reader within the same process) that never writes: no file lock,
// no WAL writer, and an empty memtable/tombstone set since it never replays
// a WAL it doesn't own.
func newReadOnlyCollection(name, dir string, cfg CollectionConfig, mstore *manifest.Store, segs []*segment.Reader, idx *hnsw.Graph, log zerolog.Logger, reg prometheus.Registerer) *Collection {
	c := &Collection{
		name:          name,
		dir:           dir,
		config:        cfg,
		mem:           memtable.New(cfg.Dimension),
		manifestStore: mstore,
		tombstones:    make(map[string]bool),
		readOnly:      true,
		log:           log.With().Str("collection", name).Logger(),
	}
	c.segments.Store(&segs)
	if idx != nil {
		c.index.Store(idx)
	}
	registerCollectionMetrics(reg, name, c)
	return c
}

// registerCollectionMetrics wires c's live doc/segment/index counts into reg
// as lazily-evaluated gauges (§C). A nil reg (the default) disables metrics
// entirely, matching WithRegisterer's contract.
func registerCollectionMetrics(reg prometheus.Registerer, name string, c *Collection) {
	if reg == nil {
		return
	}
	labels := prometheus.Labels{"collection": name}
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ndb_collection_documents",
		Help:        "ndb_collection_documents reports the live document count across the memtable and segments.",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Stats().DocCount) })
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ndb_collection_segments",
		Help:        "ndb_collection_segments reports the number of immutable segments currently published.",
		ConstLabels: labels,
	}, func() float64 { return float64(c.Stats().SegmentCount) })
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "ndb_collection_has_index",
		Help:        "ndb_collection_has_index is 1 when an HNSW index is currently loaded, 0 otherwise.",
		ConstLabels: labels,
	}, func() float64 {
		if c.HasIndex() {
			return 1
		}
		return 0
	})
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Config returns the collection's fixed configuration.
func (c *Collection) Config() CollectionConfig { return c.config }

func (m Metric) toDistance() distance.Metric {
	switch m {
	case MetricDot:
		return distance.Dot
	case MetricEuclidean:
		return distance.Euclidean
	default:
		return distance.Cosine
	}
}

func (c *Collection) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// checkWritable is checkOpen plus a readOnly guard, used by every mutating
// operation. Get and Search remain available on a read-only handle.
func (c *Collection) checkWritable(op string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.readOnly {
		return newErr(op, KindReadOnly, fmt.Sprintf("collection %q was opened read-only", c.name), nil)
	}
	return nil
}

func (c *Collection) validateDimension(vector []float32) error {
	if len(vector) != c.config.Dimension {
		return newErr("insert", KindWrongDimension, fmt.Sprintf("vector has %d dimensions, collection has %d", len(vector), c.config.Dimension), nil)
	}
	return nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func unmarshalPayload(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Insert adds or replaces a document by external ID (§4.12).
func (c *Collection) Insert(id string, vector []float32, payload map[string]any) error {
	if err := c.checkWritable("insert"); err != nil {
		return err
	}
	if err := c.validateDimension(vector); err != nil {
		return err
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return newErr("insert", KindInvalidArgument, "payload does not marshal to JSON", err)
	}

	body := wal.EncodeInsertBody(id, vector, payloadJSON)
	if _, err := c.walw.Append(wal.OpInsert, body); err != nil {
		return newErr("insert", KindIO, "append to wal", err)
	}

	c.memMu.Lock()
	c.mem.Insert(id, vector, payloadJSON)
	c.memMu.Unlock()

	c.tombstoneMu.Lock()
	delete(c.tombstones, id)
	c.tombstoneMu.Unlock()

	return c.maybeFlush()
}

// InsertBatch inserts every document and syncs the WAL once after the last
// record (§4.3). Under Synced durability each record's Append is also
// synced on its own, so a batch then costs one sync per record plus the
// final one.
func (c *Collection) InsertBatch(docs []Document) error {
	if err := c.checkWritable("insert_batch"); err != nil {
		return err
	}
	for _, d := range docs {
		if err := c.validateDimension(d.Vector); err != nil {
			return err
		}
	}

	c.memMu.Lock()
	for _, d := range docs {
		payloadJSON, err := marshalPayload(d.Payload)
		if err != nil {
			c.memMu.Unlock()
			return newErr("insert_batch", KindInvalidArgument, "payload does not marshal to JSON", err)
		}
		body := wal.EncodeInsertBody(d.ID, d.Vector, payloadJSON)
		if _, err := c.walw.Append(wal.OpInsert, body); err != nil {
			c.memMu.Unlock()
			return newErr("insert_batch", KindIO, "append to wal", err)
		}
		c.mem.Insert(d.ID, d.Vector, payloadJSON)
	}
	c.memMu.Unlock()

	if err := c.walw.Sync(); err != nil {
		return newErr("insert_batch", KindIO, "sync wal", err)
	}

	c.tombstoneMu.Lock()
	for _, d := range docs {
		delete(c.tombstones, d.ID)
	}
	c.tombstoneMu.Unlock()

	return c.maybeFlush()
}

// Delete tombstones id. The write survives regardless of whether id lives
// in the memtable, a segment, or nowhere at all (§4.3, §4.4).
func (c *Collection) Delete(id string) error {
	if err := c.checkWritable("delete"); err != nil {
		return err
	}
	body := wal.EncodeDeleteBody(id)
	if _, err := c.walw.Append(wal.OpDelete, body); err != nil {
		return newErr("delete", KindIO, "append to wal", err)
	}

	c.memMu.Lock()
	c.mem.Delete(id)
	c.memMu.Unlock()

	c.tombstoneMu.Lock()
	c.tombstones[id] = true
	c.tombstoneMu.Unlock()

	return c.maybeFlush()
}

// Get returns a single document by external ID, preferring the memtable's
// version over any segment's (§4.10 invariant 6).
func (c *Collection) Get(id string) (*Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.tombstoneMu.RLock()
	deleted := c.tombstones[id]
	c.tombstoneMu.RUnlock()
	if deleted {
		return nil, newErr("get", KindNotFound, fmt.Sprintf("document %q not found", id), nil)
	}

	c.memMu.RLock()
	vec, payload, ok := c.mem.GetByExternalID(id)
	c.memMu.RUnlock()
	if ok {
		return &Document{ID: id, Vector: vec, Payload: unmarshalPayload(payload)}, nil
	}

	segs := *c.segments.Load()
	for i := len(segs) - 1; i >= 0; i-- {
		if internalID, found := segs[i].Lookup(id); found {
			return &Document{ID: id, Vector: segs[i].Vector(internalID), Payload: unmarshalPayload(segs[i].Payload(internalID))}, nil
		}
	}
	return nil, newErr("get", KindNotFound, fmt.Sprintf("document %q not found", id), nil)
}

// Search runs a k-nearest-neighbor query, exact by default or approximate
// via HNSW when Approximate() is passed and an index has been built
// (§4.10).
func (c *Collection) Search(query []float32, topK int, opts ...SearchOption) ([]SearchResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.validateDimension(query); err != nil {
		return nil, err
	}

	var cfg SearchConfig
	for _, o := range opts {
		o(&cfg)
	}

	var f *filter.Filter
	if cfg.Filter != nil {
		f = (*filter.Filter)(cfg.Filter)
	}

	c.memMu.RLock()
	mem := c.mem
	c.memMu.RUnlock()
	segs := *c.segments.Load()
	idx := c.index.Load()

	c.tombstoneMu.RLock()
	tombstones := make(map[string]bool, len(c.tombstones))
	for k, v := range c.tombstones {
		tombstones[k] = v
	}
	c.tombstoneMu.RUnlock()

	req := search.Request{
		Query:       query,
		TopK:        topK,
		Metric:      c.config.Metric.toDistance(),
		Approximate: cfg.Approximate,
		Ef:          cfg.Ef,
		Filter:      f,
	}
	results, err := search.Search(mem, segs, idx, tombstones, req)
	if err != nil {
		return nil, newErr("search", KindInvalidArgument, err.Error(), err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{ID: r.ExternalID, Score: r.Score, Payload: unmarshalPayload(r.Payload)}
	}
	return out, nil
}

func (c *Collection) nextFilename(ext string) string {
	n := c.fileSeq.Add(1)
	return fmt.Sprintf("%08d.%s", n, ext)
}

func (c *Collection) maybeFlush() error {
	size, err := c.walw.Size()
	if err != nil {
		return newErr("insert", KindIO, "stat wal", err)
	}
	if size < c.config.FlushThresholdBytes {
		return nil
	}
	return c.Flush()
}

// Flush freezes the current memtable into a new immutable segment,
// publishes the updated manifest, and resets the WAL (§4.12).
func (c *Collection) Flush() error {
	if err := c.checkWritable("flush"); err != nil {
		return err
	}

	c.memMu.Lock()
	old := c.mem
	frozen := old.Freeze()
	c.mem = memtable.New(c.config.Dimension)
	c.memMu.Unlock()

	current := c.manifestStore.Current()
	newManifest := &manifest.Manifest{
		Dimension:   c.config.Dimension,
		Durability:  c.config.Durability.String(),
		Metric:      c.config.Metric.String(),
		LastWALSeq:  0,
		FormatMinor: 1,
	}
	if current != nil {
		newManifest.IndexFile = current.IndexFile
		newManifest.IndexGen = current.IndexGen
		newManifest.Segments = append([]manifest.SegmentEntry(nil), current.Segments...)
	}

	segs := append([]*segment.Reader(nil), *c.segments.Load()...)
	if len(frozen.Entries) > 0 {
		filename := c.nextFilename("ndb")
		path, err := segment.Write(c.dir, filename, frozen)
		if err != nil {
			return newErr("flush", KindIO, "write segment", err)
		}
		reader, err := segment.Open(path)
		if err != nil {
			return newErr("flush", KindIO, "open new segment", err)
		}
		segs = append(segs, reader)
		newManifest.Segments = append(newManifest.Segments, manifest.SegmentEntry{
			Filename: filename,
			DocCount: reader.DocCount(),
			MinID:    0,
			MaxID:    uint32(reader.DocCount() - 1),
		})
	}

	if err := c.manifestStore.Publish(newManifest); err != nil {
		return newErr("flush", KindIO, "publish manifest", err)
	}
	if err := c.walw.Reset(); err != nil {
		return newErr("flush", KindIO, "reset wal", err)
	}

	c.segments.Store(&segs)

	c.statsMu.Lock()
	c.lastFlushed = time.Now()
	c.statsMu.Unlock()

	c.log.Info().Int("docs", len(frozen.Entries)).Msg("flush complete")
	return nil
}

// Sync fsyncs the WAL without forcing a flush.
func (c *Collection) Sync() error {
	if err := c.checkWritable("sync"); err != nil {
		return err
	}
	if err := c.walw.Sync(); err != nil {
		return newErr("sync", KindIO, "sync wal", err)
	}
	return nil
}

// Compact merges every current segment into one, dropping tombstoned
// documents and keeping the newest version of every other (§4.11).
func (c *Collection) Compact() error {
	if err := c.checkWritable("compact"); err != nil {
		return err
	}

	segs := *c.segments.Load()
	idx := c.index.Load()
	current := c.manifestStore.Current()

	c.tombstoneMu.RLock()
	tombstones := make(map[string]bool, len(c.tombstones))
	for k, v := range c.tombstones {
		tombstones[k] = v
	}
	c.tombstoneMu.RUnlock()

	in := compaction.Input{
		Dir:             c.dir,
		Dimension:       c.config.Dimension,
		Metric:          c.config.Metric.toDistance(),
		Current:         current,
		Segments:        segs,
		Tombstones:      tombstones,
		RebuildIndex:    idx != nil,
		SegmentFilename: c.nextFilename("ndb"),
	}
	if in.RebuildIndex {
		in.IndexFilename = c.nextFilename("hnsw")
	}

	res, err := compaction.Compact(in, c.manifestStore)
	if err != nil {
		return newErr("compact", KindIO, "compact", err)
	}

	var newSegs []*segment.Reader
	if res.Segment != nil {
		newSegs = []*segment.Reader{res.Segment}
	}
	c.segments.Store(&newSegs)
	if res.Index != nil {
		c.index.Store(res.Index)
	} else {
		c.index.Store(nil)
	}

	for _, s := range segs {
		s.Close()
	}

	c.tombstoneMu.Lock()
	c.tombstones = make(map[string]bool)
	c.tombstoneMu.Unlock()

	c.statsMu.Lock()
	c.lastCompaction = time.Now()
	c.statsMu.Unlock()

	c.log.Info().Int("segments_merged", len(segs)).Msg("compaction complete")
	return nil
}

// RebuildIndex builds a new HNSW index over every current segment and
// publishes it, replacing any previous index (§4.8, §4.12).
func (c *Collection) RebuildIndex(opts ...hnsw.Option) error {
	if err := c.checkWritable("rebuild_index"); err != nil {
		return err
	}

	segs := *c.segments.Load()
	merged := search.NewMergedSource(segs)
	if merged.Len() == 0 {
		return newErr("rebuild_index", KindInvalidArgument, "no flushed documents to index", nil)
	}

	graph := hnsw.Build(merged, merged.Len(), c.config.Metric.toDistance(), opts...)
	filename := c.nextFilename("hnsw")
	path := filepath.Join(c.dir, filename)
	if err := graph.WriteFile(path); err != nil {
		return newErr("rebuild_index", KindIO, "write index", err)
	}

	current := c.manifestStore.Current()
	newManifest := *current
	newManifest.Segments = append([]manifest.SegmentEntry(nil), current.Segments...)
	oldIndexFile := current.IndexFile
	newManifest.IndexFile = filename
	newManifest.IndexGen = current.IndexGen + 1

	if err := c.manifestStore.Publish(&newManifest); err != nil {
		os.Remove(path)
		return newErr("rebuild_index", KindIO, "publish manifest", err)
	}

	c.index.Store(graph)
	if oldIndexFile != "" && oldIndexFile != filename {
		os.Remove(filepath.Join(c.dir, oldIndexFile))
	}
	return nil
}

// DeleteIndex removes the collection's HNSW index, reverting search to
// exact scans until RebuildIndex is called again.
func (c *Collection) DeleteIndex() error {
	if err := c.checkWritable("delete_index"); err != nil {
		return err
	}
	current := c.manifestStore.Current()
	if current == nil || current.IndexFile == "" {
		c.index.Store(nil)
		return nil
	}

	newManifest := *current
	newManifest.Segments = append([]manifest.SegmentEntry(nil), current.Segments...)
	oldIndexFile := current.IndexFile
	newManifest.IndexFile = ""

	if err := c.manifestStore.Publish(&newManifest); err != nil {
		return newErr("delete_index", KindIO, "publish manifest", err)
	}
	c.index.Store(nil)
	os.Remove(filepath.Join(c.dir, oldIndexFile))
	return nil
}

// HasIndex reports whether a HNSW index is currently loaded.
func (c *Collection) HasIndex() bool {
	return c.index.Load() != nil
}

// Stats returns a point-in-time snapshot of the collection's size and
// durability state.
func (c *Collection) Stats() Stats {
	c.memMu.RLock()
	docCount := c.mem.Len()
	c.memMu.RUnlock()

	segs := *c.segments.Load()
	for _, s := range segs {
		docCount += s.DocCount()
	}

	var walSize int64
	if c.walw != nil {
		walSize, _ = c.walw.Size()
	}

	c.statsMu.Lock()
	lastFlushed, lastCompaction := c.lastFlushed, c.lastCompaction
	c.statsMu.Unlock()

	return Stats{
		DocCount:       docCount,
		SegmentCount:   len(segs),
		WALSizeBytes:   walSize,
		LastFlushedAt:  lastFlushed,
		LastCompaction: lastCompaction,
		HasIndex:       c.HasIndex(),
	}
}

// Close releases the collection's write lock and closes its open file
// handles. It is safe to call once; subsequent operations return ErrClosed.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if c.walw != nil {
		if err := c.walw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range *c.segments.Load() {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.fileLock != nil {
		if err := c.fileLock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
