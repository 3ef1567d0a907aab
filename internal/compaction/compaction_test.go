package compaction

import (
	"testing"

	"github.com/ndblabs/ndb/internal/distance"
	"github.com/ndblabs/ndb/internal/manifest"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/segment"
)

func writeSeg(t *testing.T, dir, name string, pairs map[string][]float32) *segment.Reader {
	t.Helper()
	m := memtable.New(2)
	for id, vec := range pairs {
		m.Insert(id, vec, nil)
	}
	path, err := segment.Write(dir, name, m.Freeze())
	if err != nil {
		t.Fatalf("segment.Write: %v", err)
	}
	r, err := segment.Open(path)
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	return r
}

func openStore(t *testing.T, dir string) *manifest.Store {
	t.Helper()
	s, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	return s
}

// TestScenarioDDeleteSurvivesFlushAndCompact mirrors the spec's literal
// scenario D: insert x, flush, delete x, flush, compact -> x is gone.
func TestScenarioDDeleteSurvivesFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSeg(t, dir, "0001.ndb", map[string][]float32{"x": {1, 1}})

	store := openStore(t, dir)
	res, err := Compact(Input{
		Dir:             dir,
		Dimension:       2,
		Metric:          distance.Dot,
		Current:         &manifest.Manifest{Dimension: 2},
		Segments:        []*segment.Reader{seg1},
		Tombstones:      map[string]bool{"x": true},
		SegmentFilename: "0002.ndb",
	}, store)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Segment != nil {
		t.Fatalf("expected compaction of an all-tombstoned input to produce no segment")
	}
	if len(res.Manifest.Segments) != 0 {
		t.Errorf("expected an empty segment list, got %+v", res.Manifest.Segments)
	}
}

func TestCompactKeepsNewestVersionAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	older := writeSeg(t, dir, "0001.ndb", map[string][]float32{"a": {0, 0}, "b": {1, 1}})
	newer := writeSeg(t, dir, "0002.ndb", map[string][]float32{"a": {9, 9}})

	store := openStore(t, dir)
	res, err := Compact(Input{
		Dir:             dir,
		Dimension:       2,
		Metric:          distance.Dot,
		Current:         &manifest.Manifest{Dimension: 2},
		Segments:        []*segment.Reader{older, newer},
		Tombstones:      map[string]bool{},
		SegmentFilename: "0003.ndb",
	}, store)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Segment == nil {
		t.Fatal("expected a merged segment")
	}
	id, ok := res.Segment.Lookup("a")
	if !ok {
		t.Fatal("expected a to survive the merge")
	}
	vec := res.Segment.Vector(id)
	if vec[0] != 9 || vec[1] != 9 {
		t.Errorf("expected the newer version of a to win, got %v", vec)
	}
	if res.Segment.DocCount() != 2 {
		t.Errorf("expected 2 surviving documents, got %d", res.Segment.DocCount())
	}
}

func TestCompactionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seg := writeSeg(t, dir, "0001.ndb", map[string][]float32{"a": {1, 2}, "b": {3, 4}})

	store := openStore(t, dir)
	first, err := Compact(Input{
		Dir: dir, Dimension: 2, Metric: distance.Dot,
		Current: &manifest.Manifest{Dimension: 2}, Segments: []*segment.Reader{seg},
		SegmentFilename: "0002.ndb",
	}, store)
	if err != nil {
		t.Fatalf("first Compact: %v", err)
	}

	second, err := Compact(Input{
		Dir: dir, Dimension: 2, Metric: distance.Dot,
		Current: first.Manifest, Segments: []*segment.Reader{first.Segment},
		SegmentFilename: "0003.ndb",
	}, store)
	if err != nil {
		t.Fatalf("second Compact: %v", err)
	}

	if first.Segment.DocCount() != second.Segment.DocCount() {
		t.Errorf("doc count changed across idempotent compactions: %d vs %d", first.Segment.DocCount(), second.Segment.DocCount())
	}
	for _, ext := range []string{"a", "b"} {
		id1, ok1 := first.Segment.Lookup(ext)
		id2, ok2 := second.Segment.Lookup(ext)
		if !ok1 || !ok2 {
			t.Fatalf("expected %s present in both compactions", ext)
		}
		v1, v2 := first.Segment.Vector(id1), second.Segment.Vector(id2)
		if v1[0] != v2[0] || v1[1] != v2[1] {
			t.Errorf("vector for %s changed across idempotent compactions: %v vs %v", ext, v1, v2)
		}
	}
}

func TestCompactRebuildsIndexWhenRequested(t *testing.T) {
	dir := t.TempDir()
	seg := writeSeg(t, dir, "0001.ndb", map[string][]float32{"a": {1, 0}, "b": {0, 1}, "c": {1, 1}})

	store := openStore(t, dir)
	res, err := Compact(Input{
		Dir: dir, Dimension: 2, Metric: distance.Cosine,
		Current: &manifest.Manifest{Dimension: 2}, Segments: []*segment.Reader{seg},
		SegmentFilename: "0002.ndb", RebuildIndex: true, IndexFilename: "index.hnsw",
	}, store)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Index == nil {
		t.Fatal("expected a rebuilt index")
	}
	if res.Manifest.IndexFile != "index.hnsw" {
		t.Errorf("expected manifest to reference index.hnsw, got %q", res.Manifest.IndexFile)
	}
	if res.Manifest.IndexGen != 1 {
		t.Errorf("expected index generation to increment to 1, got %d", res.Manifest.IndexGen)
	}
}
