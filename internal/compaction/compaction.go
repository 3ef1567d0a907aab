// Package compaction implements the synchronous segment-merge maintenance
// operation (§4.11): merge segments oldest to newest keeping the newest
// version of each document, drop tombstones, optionally rebuild the HNSW
// index, and atomically publish the replacement manifest before unlinking
// the superseded files.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ndblabs/ndb/internal/distance"
	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/manifest"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/segment"
)

// Input describes the state a compaction run merges.
type Input struct {
	Dir        string
	Dimension  int
	Metric     distance.Metric
	Current    *manifest.Manifest // carried-over fields (durability, metric, last_wal_seq, index_gen, format); may be nil
	Segments   []*segment.Reader  // oldest to newest
	Tombstones map[string]bool    // collection-wide delete set, by external ID

	// RebuildIndex requests rebuilding the HNSW index over the merged
	// segment; normally set when an index was already loaded (§4.11 step 4).
	RebuildIndex bool
	HNSWOptions  []hnsw.Option

	// SegmentFilename/IndexFilename name the replacement files; the caller
	// picks these (e.g. the next unused segment sequence number) so this
	// package stays naming-agnostic.
	SegmentFilename string
	IndexFilename   string
}

// Result is the new published state a caller should swap into its
// in-memory segment list / index handle after a successful Compact.
type Result struct {
	Segment  *segment.Reader // nil if the merge produced zero live documents
	Index    *hnsw.Graph     // nil if no index was requested or produced
	Manifest *manifest.Manifest

	// RemovedSegmentPaths/RemovedIndexPath name files Compact has already
	// unlinked after the new manifest was durably published; a caller that
	// also closes its own segment.Reader handles should do so before or
	// after freely, the files themselves are already gone.
	RemovedSegmentPaths []string
	RemovedIndexPath    string
}

// Compact runs one synchronous compaction. It is idempotent: merging a
// single already-merged segment with no tombstones yields an equivalent
// manifest (§4.11, §8 property 9).
func Compact(in Input, store *manifest.Store) (Result, error) {
	frozen, err := mergeSegments(in.Dimension, in.Segments, in.Tombstones)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: merge: %w", err)
	}

	newManifest := &manifest.Manifest{
		Dimension: in.Dimension,
	}
	if in.Current != nil {
		newManifest.Durability = in.Current.Durability
		newManifest.Metric = in.Current.Metric
		newManifest.LastWALSeq = in.Current.LastWALSeq
		newManifest.IndexGen = in.Current.IndexGen
		newManifest.FormatMinor = in.Current.FormatMinor
	}

	result := Result{}

	if len(frozen.Entries) == 0 {
		// Nothing survived the merge; publish an empty manifest and drop
		// every prior segment and index file.
		if err := store.Publish(newManifest); err != nil {
			return Result{}, fmt.Errorf("compaction: publish: %w", err)
		}
		result.Manifest = newManifest
		result.RemovedSegmentPaths = removeAll(in.Segments)
		if in.Current != nil && in.Current.IndexFile != "" {
			oldIndex := filepath.Join(in.Dir, in.Current.IndexFile)
			os.Remove(oldIndex)
			result.RemovedIndexPath = oldIndex
		}
		return result, nil
	}

	segPath, err := segment.Write(in.Dir, in.SegmentFilename, frozen)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: write segment: %w", err)
	}
	newSeg, err := segment.Open(segPath)
	if err != nil {
		os.Remove(segPath)
		return Result{}, fmt.Errorf("compaction: open merged segment: %w", err)
	}

	newManifest.Segments = []manifest.SegmentEntry{{
		Filename: in.SegmentFilename,
		DocCount: newSeg.DocCount(),
		MinID:    0,
		MaxID:    uint32(newSeg.DocCount() - 1),
	}}

	var newIndex *hnsw.Graph
	if in.RebuildIndex {
		newIndex = hnsw.Build(newSeg, newSeg.DocCount(), in.Metric, in.HNSWOptions...)
		indexPath := filepath.Join(in.Dir, in.IndexFilename)
		if err := newIndex.WriteFile(indexPath); err != nil {
			newSeg.Close()
			os.Remove(segPath)
			return Result{}, fmt.Errorf("compaction: write index: %w", err)
		}
		newManifest.IndexFile = in.IndexFilename
		newManifest.IndexGen++
	}

	if err := store.Publish(newManifest); err != nil {
		newSeg.Close()
		os.Remove(segPath)
		if in.RebuildIndex {
			os.Remove(filepath.Join(in.Dir, in.IndexFilename))
		}
		return Result{}, fmt.Errorf("compaction: publish: %w", err)
	}

	result.Segment = newSeg
	result.Index = newIndex
	result.Manifest = newManifest
	result.RemovedSegmentPaths = removeAll(in.Segments)
	if in.Current != nil && in.Current.IndexFile != "" && in.Current.IndexFile != in.IndexFilename {
		old := filepath.Join(in.Dir, in.Current.IndexFile)
		os.Remove(old)
		result.RemovedIndexPath = old
	}
	return result, nil
}

func removeAll(segments []*segment.Reader) []string {
	paths := make([]string, 0, len(segments))
	for _, s := range segments {
		path := s.Path()
		paths = append(paths, path)
		os.Remove(path)
	}
	return paths
}

// mergeSegments iterates segments oldest to newest, keeping the newest
// version of each external ID and dropping tombstoned ones, then freezes
// the result with freshly assigned, deterministically (by external ID)
// ordered internal IDs ready for segment.Write.
func mergeSegments(dim int, segments []*segment.Reader, tombstones map[string]bool) (memtable.Frozen, error) {
	latest := make(map[string]memtable.Entry)
	for _, seg := range segments {
		if seg.Dimension() != dim {
			return memtable.Frozen{}, fmt.Errorf("compaction: segment %s has dimension %d, want %d", seg.Path(), seg.Dimension(), dim)
		}
		seg.Range(func(e segment.Entry) bool {
			if tombstones[e.ExternalID] {
				delete(latest, e.ExternalID)
				return true
			}
			latest[e.ExternalID] = memtable.Entry{ExternalID: e.ExternalID, Vector: e.Vector, Payload: e.Payload}
			return true
		})
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]memtable.Entry, len(ids))
	for i, id := range ids {
		e := latest[id]
		e.InternalID = uint32(i)
		entries[i] = e
	}
	return memtable.Frozen{Dim: dim, Entries: entries}, nil
}
