// Package search implements the query engine that routes a request to
// exact scan or HNSW traversal, applies the post-filter, and returns a
// deterministically ordered top-k (§4.10).
package search

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ndblabs/ndb/internal/distance"
	"github.com/ndblabs/ndb/internal/filter"
	"github.com/ndblabs/ndb/internal/hnsw"
	"github.com/ndblabs/ndb/internal/memtable"
	"github.com/ndblabs/ndb/internal/segment"
)

// Request describes one search call.
type Request struct {
	Query       []float32
	TopK        int
	Metric      distance.Metric
	Approximate bool
	Ef          int // 0 uses the loaded index's configured default
	Filter      *filter.Filter
}

// Result is one scored, externally-addressable document.
type Result struct {
	ExternalID string
	Score      float32
	Payload    []byte
}

// Search runs req against the given memtable, ordered oldest-to-newest
// segment list, and optional HNSW index (nil disables approximate search
// regardless of Request.Approximate). tombstones is the collection-wide
// delete set, keyed by external ID.
func Search(mem *memtable.Memtable, segments []*segment.Reader, index *hnsw.Graph, tombstones map[string]bool, req Request) ([]Result, error) {
	if len(req.Query) == 0 {
		return nil, fmt.Errorf("search: empty query vector")
	}
	if req.TopK <= 0 {
		return nil, fmt.Errorf("search: top_k must be positive")
	}

	// Post-filtering may discard candidates, so widen the scan pool when a
	// filter is present rather than starving top_k (§4.10 Tradeoff).
	poolSize := req.TopK
	if req.Filter != nil {
		poolSize = req.TopK * 4
	}

	var results []Result
	if req.Approximate && index != nil {
		results = searchApproximate(segments, index, tombstones, req, poolSize)
	} else {
		results = searchExact(mem, segments, tombstones, req, poolSize)
	}

	if req.Filter != nil {
		results = applyFilter(*req.Filter, results)
	}

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	return results, nil
}

func applyFilter(f filter.Filter, candidates []Result) []Result {
	out := make([]Result, 0, len(candidates))
	for _, r := range candidates {
		var payload map[string]interface{}
		if len(r.Payload) > 0 {
			_ = json.Unmarshal(r.Payload, &payload)
		}
		if filter.Eval(f, payload) {
			out = append(out, r)
		}
	}
	return out
}

// searchExact scans the memtable (newest data) and every segment from
// newest to oldest, keeping only the first (i.e. newest) version of each
// external ID and skipping tombstones, per §4.10 step 3 and invariant 6.
func searchExact(mem *memtable.Memtable, segments []*segment.Reader, tombstones map[string]bool, req Request, poolSize int) []Result {
	seen := make(map[string]bool)
	h := &boundedHeap{}
	heap.Init(h)
	seq := 0

	push := func(externalID string, vector []float32, payload []byte) {
		if seen[externalID] || tombstones[externalID] {
			return
		}
		seen[externalID] = true
		score, err := distance.Score(req.Metric, req.Query, vector)
		if err != nil {
			return
		}
		heap.Push(h, scoredDoc{externalID: externalID, score: score, payload: payload, seq: seq})
		seq++
		if h.Len() > poolSize {
			heap.Pop(h)
		}
	}

	if mem != nil {
		mem.Range(func(e memtable.Entry) bool {
			push(e.ExternalID, e.Vector, e.Payload)
			return true
		})
	}
	for i := len(segments) - 1; i >= 0; i-- {
		segments[i].Range(func(e segment.Entry) bool {
			push(e.ExternalID, e.Vector, e.Payload)
			return true
		})
	}

	return drain(h)
}

// searchApproximate runs the loaded HNSW index over a merged view of
// segments (the index was built over that same merged ID space by
// rebuild_index/compaction) and resolves results back to external IDs,
// keeping only the newest version of a re-inserted external ID, mirroring
// searchExact's dedup (§4.10 step 3, invariant 6).
func searchApproximate(segments []*segment.Reader, index *hnsw.Graph, tombstones map[string]bool, req Request, poolSize int) []Result {
	merged := NewMergedSource(segments)
	if merged.Len() == 0 {
		return nil
	}

	candidates := index.Search(merged, req.Query, poolSize, req.Ef)

	type kept struct {
		result Result
		segIdx int
	}
	bySegment := make(map[string]kept, len(candidates))
	order := make([]string, 0, len(candidates))

	for _, c := range candidates {
		segIdx, local := merged.resolve(c.ID)
		ext, ok := merged.segments[segIdx].ExternalID(local)
		if !ok || ext == "" || tombstones[ext] {
			continue
		}

		prev, seen := bySegment[ext]
		if !seen {
			order = append(order, ext)
		} else if segIdx <= prev.segIdx {
			// Segments are ordered oldest-first, so a lower/equal index is
			// not newer than what we already kept; skip this duplicate.
			continue
		}

		payload := merged.segments[segIdx].Payload(local)
		bySegment[ext] = kept{result: Result{ExternalID: ext, Score: c.Score, Payload: payload}, segIdx: segIdx}
	}

	out := make([]Result, 0, len(order))
	for _, ext := range order {
		out = append(out, bySegment[ext].result)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

type scoredDoc struct {
	externalID string
	score      float32
	payload    []byte
	seq        int
}

// boundedHeap is a min-heap over score (ties broken by later-seen-is-worse)
// capped externally at poolSize, so the weakest candidate is evicted first
// when a stronger one arrives.
type boundedHeap []scoredDoc

func (h boundedHeap) Len() int { return len(h) }
func (h boundedHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq > h[j].seq
}
func (h boundedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *boundedHeap) Push(x interface{}) { *h = append(*h, x.(scoredDoc)) }
func (h *boundedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// drain pops every item off h in ascending-score order and reverses it into
// a descending-score, ascending-seq-tiebreak result slice (§4.10 step 5).
func drain(h *boundedHeap) []Result {
	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		it := heap.Pop(h).(scoredDoc)
		out[i] = Result{ExternalID: it.externalID, Score: it.score, Payload: it.payload}
	}
	return out
}

// MergedSource presents an ordered list of segments as a single contiguous
// internal-ID space, first segment's documents first, so an HNSW index can
// span more than one segment (used by rebuild_index before compaction has
// collapsed everything into one segment).
type MergedSource struct {
	segments []*segment.Reader
	starts   []int
	total    int
}

// NewMergedSource builds a merged view over segments in the given order.
func NewMergedSource(segments []*segment.Reader) *MergedSource {
	starts := make([]int, len(segments))
	total := 0
	for i, s := range segments {
		starts[i] = total
		total += s.DocCount()
	}
	return &MergedSource{segments: segments, starts: starts, total: total}
}

// Len returns the total document count across all merged segments.
func (m *MergedSource) Len() int { return m.total }

// Vector implements hnsw.Source.
func (m *MergedSource) Vector(id uint32) []float32 {
	segIdx, local := m.resolve(id)
	return m.segments[segIdx].Vector(local)
}

// External resolves a merged internal ID back to its external ID and payload.
func (m *MergedSource) External(id uint32) (string, []byte) {
	segIdx, local := m.resolve(id)
	ext, ok := m.segments[segIdx].ExternalID(local)
	if !ok {
		return "", nil
	}
	return ext, m.segments[segIdx].Payload(local)
}

func (m *MergedSource) resolve(id uint32) (segIdx int, localID uint32) {
	idx := int(id)
	for i := len(m.starts) - 1; i >= 0; i-- {
		if idx >= m.starts[i] {
			return i, uint32(idx - m.starts[i])
		}
	}
	return 0, uint32(idx)
}
