package search

import (
	"testing"

	"github.com/ndblabs/ndb/internal/distance"
	"github.com/ndblabs/ndb/internal/filter"
	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/segment"
)

func writeSegment(t *testing.T, dir, name string, m *memtable.Memtable) *segment.Reader {
	t.Helper()
	path, err := segment.Write(dir, name, m.Freeze())
	if err != nil {
		t.Fatalf("segment.Write: %v", err)
	}
	r, err := segment.Open(path)
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// TestScenarioAExactSearchCosine mirrors the spec's literal scenario A.
func TestScenarioAExactSearchCosine(t *testing.T) {
	m := memtable.New(4)
	m.Insert("a", []float32{1, 0, 0, 0}, nil)
	m.Insert("b", []float32{0, 1, 0, 0}, nil)
	m.Insert("c", []float32{0.9, 0.1, 0, 0}, nil)

	results, err := Search(m, nil, nil, nil, Request{
		Query:  []float32{1, 0, 0, 0},
		TopK:   2,
		Metric: distance.Cosine,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ExternalID != "a" || results[1].ExternalID != "c" {
		t.Errorf("expected [a, c], got [%s, %s]", results[0].ExternalID, results[1].ExternalID)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected a's score near 1.0, got %f", results[0].Score)
	}
}

// TestScenarioBPostFilter mirrors the spec's literal scenario B.
func TestScenarioBPostFilter(t *testing.T) {
	m := memtable.New(4)
	m.Insert("a", []float32{1, 0, 0, 0}, []byte(`{"cat":"x"}`))
	m.Insert("b", []float32{0, 1, 0, 0}, []byte(`{"cat":"y"}`))
	m.Insert("c", []float32{0.9, 0.1, 0, 0}, []byte(`{"cat":"x"}`))

	f := filter.Eq("cat", "x")
	results, err := Search(m, nil, nil, nil, Request{
		Query:  []float32{1, 0, 0, 0},
		TopK:   3,
		Metric: distance.Cosine,
		Filter: &f,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 filtered results, got %d", len(results))
	}
	if results[0].ExternalID != "a" || results[1].ExternalID != "c" {
		t.Errorf("expected [a, c], got [%s, %s]", results[0].ExternalID, results[1].ExternalID)
	}
}

// TestScenarioCExactIncludesUnflushedApproximateDoesNot mirrors scenario C:
// an index built only over a flushed segment must not surface a document
// that exists only in the live memtable.
func TestScenarioCExactIncludesUnflushedApproximateDoesNot(t *testing.T) {
	dir := t.TempDir()
	flushed := memtable.New(4)
	flushed.Insert("a", []float32{1, 0, 0, 0}, nil)
	flushed.Insert("b", []float32{0, 1, 0, 0}, nil)
	flushed.Insert("c", []float32{0.9, 0.1, 0, 0}, nil)
	seg := writeSegment(t, dir, "0001.ndb", flushed)

	merged := NewMergedSource([]*segment.Reader{seg})
	index := hnsw.Build(merged, merged.Len(), distance.Cosine)

	live := memtable.New(4)
	live.Insert("d", []float32{0.95, 0.05, 0, 0}, nil)

	exact, err := Search(live, []*segment.Reader{seg}, nil, nil, Request{
		Query: []float32{1, 0, 0, 0}, TopK: 4, Metric: distance.Cosine,
	})
	if err != nil {
		t.Fatalf("exact Search: %v", err)
	}
	foundD := false
	for _, r := range exact {
		if r.ExternalID == "d" {
			foundD = true
		}
	}
	if !foundD {
		t.Error("expected exact search to include the unflushed document d")
	}

	approx, err := Search(live, []*segment.Reader{seg}, index, nil, Request{
		Query: []float32{1, 0, 0, 0}, TopK: 4, Metric: distance.Cosine, Approximate: true,
	})
	if err != nil {
		t.Fatalf("approximate Search: %v", err)
	}
	for _, r := range approx {
		if r.ExternalID == "d" {
			t.Error("expected approximate search to not surface a document outside the indexed segment")
		}
	}
}

func TestSearchSkipsTombstonedExternalIDs(t *testing.T) {
	m := memtable.New(2)
	m.Insert("a", []float32{1, 1}, nil)
	m.Insert("b", []float32{1, 1}, nil)

	results, err := Search(m, nil, nil, map[string]bool{"b": true}, Request{
		Query: []float32{1, 1}, TopK: 5, Metric: distance.Dot,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ExternalID == "b" {
			t.Error("expected tombstoned document b to be excluded from results")
		}
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	m := memtable.New(2)
	if _, err := Search(m, nil, nil, nil, Request{Query: nil, TopK: 1}); err == nil {
		t.Error("expected an error for an empty query vector")
	}
}

func TestMemtableOverridesOlderSegmentVersion(t *testing.T) {
	dir := t.TempDir()
	old := memtable.New(2)
	old.Insert("a", []float32{0, 0}, []byte(`{"v":1}`))
	seg := writeSegment(t, dir, "0001.ndb", old)

	live := memtable.New(2)
	live.Insert("a", []float32{1, 1}, []byte(`{"v":2}`))

	results, err := Search(live, []*segment.Reader{seg}, nil, nil, Request{
		Query: []float32{1, 1}, TopK: 5, Metric: distance.Dot,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected a single deduplicated result, got %d", len(results))
	}
	if string(results[0].Payload) != `{"v":2}` {
		t.Errorf("expected the memtable's newer version to win, got payload %s", results[0].Payload)
	}
}

// TestApproximateSearchDedupsReinsertedExternalIDAcrossSegments covers a
// document re-inserted and re-flushed into a second segment without an
// intervening Compact(): both versions remain in the merged HNSW index, and
// the approximate path must surface only the newer one, matching
// searchExact's dedup behavior.
func TestApproximateSearchDedupsReinsertedExternalIDAcrossSegments(t *testing.T) {
	dir := t.TempDir()

	old := memtable.New(2)
	old.Insert("a", []float32{1, 0}, []byte(`{"v":1}`))
	old.Insert("b", []float32{0, 1}, nil)
	segOld := writeSegment(t, dir, "0001.ndb", old)

	newer := memtable.New(2)
	newer.Insert("a", []float32{0.99, 0.01}, []byte(`{"v":2}`))
	segNew := writeSegment(t, dir, "0002.ndb", newer)

	segments := []*segment.Reader{segOld, segNew}
	merged := NewMergedSource(segments)
	index := hnsw.Build(merged, merged.Len(), distance.Cosine)

	results, err := Search(nil, segments, index, nil, Request{
		Query: []float32{1, 0}, TopK: 5, Metric: distance.Cosine, Approximate: true,
	})
	if err != nil {
		t.Fatalf("approximate Search: %v", err)
	}

	count := 0
	var payload []byte
	for _, r := range results {
		if r.ExternalID == "a" {
			count++
			payload = r.Payload
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one result for the re-inserted document, got %d", count)
	}
	if string(payload) != `{"v":2}` {
		t.Errorf("expected the newer segment's version to win, got payload %s", payload)
	}
}
