// Package hnsw implements the Hierarchical Navigable Small World
// approximate-nearest-neighbor graph over a segment's internal IDs (§4.8):
// a multi-layer graph, compressed-sparse-row storage per layer, and a
// stable binary serialization so the graph can be persisted and reopened.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"github.com/ndblabs/ndb/internal/distance"
)

// Default construction/search parameters (§4.8).
const (
	DefaultM              = 16
	DefaultEfConstruction = 32
	DefaultEfSearch       = 64
)

// Source provides zero-copy access to the vectors a graph is built over or
// searched against. A segment reader or a merged in-memory table both
// satisfy this.
type Source interface {
	Vector(id uint32) []float32
}

// Candidate is one scored node, returned in descending-score order with
// ties broken by ascending internal ID (§4.8 Search).
type Candidate struct {
	ID    uint32
	Score float32
}

type layerCSR struct {
	offsets   []uint32 // len = n+1, offsets[i]:offsets[i+1] delimits node i's slice
	neighbors []uint32
}

// Graph is an immutable, built HNSW index. The zero value is not ready;
// use Build or Decode.
type Graph struct {
	metric         distance.Metric
	m              int
	efConstruction int
	efSearch       int
	n              int
	nodeLayer      []uint8
	layers         []layerCSR // layers[0] is layer 0
	entryPoint     uint32
	maxLayer       int // -1 means the graph has no nodes
}

// Metric reports the distance metric this graph was built for.
func (g *Graph) Metric() distance.Metric { return g.metric }

// Len reports the number of nodes in the graph.
func (g *Graph) Len() int { return g.n }

// buildConfig holds Build's tunables; Option mutates it.
type buildConfig struct {
	m              int
	efConstruction int
	efSearch       int
	rng            *rand.Rand
}

// Option configures Build.
type Option func(*buildConfig)

// WithM overrides the default max-neighbors-per-layer parameter.
func WithM(m int) Option { return func(c *buildConfig) { c.m = m } }

// WithEfConstruction overrides the default construction candidate-list size.
func WithEfConstruction(ef int) Option { return func(c *buildConfig) { c.efConstruction = ef } }

// WithEfSearch overrides the graph's default search candidate-list size.
func WithEfSearch(ef int) Option { return func(c *buildConfig) { c.efSearch = ef } }

// WithRand supplies a deterministic source of randomness for layer
// assignment, for reproducible tests.
func WithRand(r *rand.Rand) Option { return func(c *buildConfig) { c.rng = r } }

// Build constructs a graph over internal IDs [0, n) from source, inserting
// nodes in ID order per §4.8 Construction.
func Build(source Source, n int, metric distance.Metric, opts ...Option) *Graph {
	cfg := buildConfig{
		m:              DefaultM,
		efConstruction: DefaultEfConstruction,
		efSearch:       DefaultEfSearch,
		rng:            rand.New(rand.NewSource(1)),
	}
	for _, o := range opts {
		o(&cfg)
	}

	if n == 0 {
		return &Graph{metric: metric, m: cfg.m, efConstruction: cfg.efConstruction, efSearch: cfg.efSearch, maxLayer: -1}
	}

	levelMult := 1.0 / math.Log(float64(cfg.m))
	nodeLayer := make([]uint8, n)
	adjacency := []map[uint32][]uint32{make(map[uint32][]uint32, n)}

	var entryPoint uint32
	maxLayer := 0

	for id := uint32(0); id < uint32(n); id++ {
		level := assignLayer(cfg.rng, levelMult)
		nodeLayer[id] = uint8(level)
		for len(adjacency) <= level {
			adjacency = append(adjacency, make(map[uint32][]uint32))
		}
		for l := 0; l <= level; l++ {
			if _, ok := adjacency[l][id]; !ok {
				adjacency[l][id] = nil
			}
		}

		if id == 0 {
			entryPoint = id
			maxLayer = level
			continue
		}

		vec := source.Vector(id)
		cur := entryPoint
		for l := maxLayer; l > level; l-- {
			cur = greedyStep(source, adjacency[l], cur, vec, metric)
		}

		top := level
		if maxLayer < top {
			top = maxLayer
		}
		for l := top; l >= 0; l-- {
			candidates := searchLayer(source, adjacency[l], cur, vec, cfg.efConstruction, metric)
			neighbors := selectNeighbors(candidates, cfg.m)
			adjacency[l][id] = neighbors
			for _, nb := range neighbors {
				adjacency[l][nb] = pruneNeighbors(nb, append(adjacency[l][nb], id), cfg.m, source, metric)
			}
			if len(candidates) > 0 {
				cur = candidates[0].ID
			}
		}

		if level > maxLayer {
			maxLayer = level
			entryPoint = id
		}
	}

	layers := make([]layerCSR, len(adjacency))
	for l, adj := range adjacency {
		layers[l] = buildCSR(n, adj)
	}

	return &Graph{
		metric:         metric,
		m:              cfg.m,
		efConstruction: cfg.efConstruction,
		efSearch:       cfg.efSearch,
		n:              n,
		nodeLayer:      nodeLayer,
		layers:         layers,
		entryPoint:     entryPoint,
		maxLayer:       maxLayer,
	}
}

func assignLayer(rng *rand.Rand, levelMult float64) int {
	r := rng.Float64()
	if r <= 0 {
		r = 1e-12
	}
	return int(math.Floor(-math.Log(r) * levelMult))
}

func buildCSR(n int, adj map[uint32][]uint32) layerCSR {
	offsets := make([]uint32, n+1)
	var neighbors []uint32
	for id := 0; id < n; id++ {
		offsets[id] = uint32(len(neighbors))
		if nbs, ok := adj[uint32(id)]; ok && len(nbs) > 0 {
			sorted := append([]uint32(nil), nbs...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			neighbors = append(neighbors, sorted...)
		}
	}
	offsets[n] = uint32(len(neighbors))
	return layerCSR{offsets: offsets, neighbors: neighbors}
}

// Search returns the top_k nearest nodes to query, per §4.8 Search: greedy
// single-candidate descent down to layer 1, then an ef-bounded best-first
// traversal at layer 0. ef <= 0 uses the graph's configured default.
func (g *Graph) Search(source Source, query []float32, topK, ef int) []Candidate {
	if g.n == 0 || g.maxLayer < 0 || topK <= 0 {
		return nil
	}
	if ef <= 0 {
		ef = g.efSearch
	}
	if ef < topK {
		ef = topK
	}

	cur := g.entryPoint
	for l := g.maxLayer; l >= 1; l-- {
		cur = greedyStepCSR(source, g, l, cur, query)
	}

	candidates := searchLayerCSR(source, g, 0, cur, query, ef)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

func (g *Graph) neighborsAt(layer int, id uint32) []uint32 {
	if layer < 0 || layer >= len(g.layers) {
		return nil
	}
	lg := g.layers[layer]
	return lg.neighbors[lg.offsets[id]:lg.offsets[id+1]]
}

// --- construction-time search over mutable map adjacency ---

func greedyStep(source Source, adj map[uint32][]uint32, cur uint32, query []float32, metric distance.Metric) uint32 {
	curScore, _ := distance.Score(metric, query, source.Vector(cur))
	for improved := true; improved; {
		improved = false
		for _, nb := range adj[cur] {
			s, _ := distance.Score(metric, query, source.Vector(nb))
			if s > curScore {
				curScore, cur, improved = s, nb, true
			}
		}
	}
	return cur
}

func searchLayer(source Source, adj map[uint32][]uint32, entry uint32, query []float32, ef int, metric distance.Metric) []Candidate {
	neighborsOf := func(id uint32) []uint32 { return adj[id] }
	return bestFirstSearch(source, neighborsOf, entry, query, ef, metric)
}

// --- query-time search over immutable CSR adjacency ---

func greedyStepCSR(source Source, g *Graph, layer int, cur uint32, query []float32) uint32 {
	curScore, _ := distance.Score(g.metric, query, source.Vector(cur))
	for improved := true; improved; {
		improved = false
		for _, nb := range g.neighborsAt(layer, cur) {
			s, _ := distance.Score(g.metric, query, source.Vector(nb))
			if s > curScore {
				curScore, cur, improved = s, nb, true
			}
		}
	}
	return cur
}

func searchLayerCSR(source Source, g *Graph, layer int, entry uint32, query []float32, ef int) []Candidate {
	neighborsOf := func(id uint32) []uint32 { return g.neighborsAt(layer, id) }
	return bestFirstSearch(source, neighborsOf, entry, query, ef, g.metric)
}

// bestFirstSearch implements the ef-bounded best-first traversal shared by
// construction and search: a candidate max-heap to explore nearest-first,
// and a result min-heap capped at ef so exploration can stop once the best
// remaining candidate cannot beat the current worst kept result.
func bestFirstSearch(source Source, neighborsOf func(uint32) []uint32, entry uint32, query []float32, ef int, metric distance.Metric) []Candidate {
	entryScore, _ := distance.Score(metric, query, source.Vector(entry))
	visited := map[uint32]bool{entry: true}

	cand := &maxHeap{{id: entry, score: entryScore}}
	heap.Init(cand)
	result := &minHeap{{id: entry, score: entryScore}}
	heap.Init(result)

	for cand.Len() > 0 {
		c := heap.Pop(cand).(heapItem)
		if result.Len() >= ef && c.score < (*result)[0].score {
			break
		}
		for _, nbID := range neighborsOf(c.id) {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			s, _ := distance.Score(metric, query, source.Vector(nbID))
			if result.Len() < ef || s > (*result)[0].score {
				heap.Push(cand, heapItem{id: nbID, score: s})
				heap.Push(result, heapItem{id: nbID, score: s})
				if result.Len() > ef {
					heap.Pop(result)
				}
			}
		}
	}

	out := make([]Candidate, result.Len())
	for i := len(out) - 1; i >= 0; i-- {
		it := heap.Pop(result).(heapItem)
		out[i] = Candidate{ID: it.id, Score: it.score}
	}
	return out
}

func selectNeighbors(candidates []Candidate, m int) []uint32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	ids := make([]uint32, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids
}

// pruneNeighbors keeps ownerID's m nearest neighbors from ids, breaking
// ties by ascending ID. It is used when a newly linked node's edge count
// grows past m (§4.8: "if any newly linked node exceeds M, prune its
// excess"); a new node's own edge list comes from selectNeighbors.
func pruneNeighbors(ownerID uint32, ids []uint32, m int, source Source, metric distance.Metric) []uint32 {
	if len(ids) <= m {
		return dedupe(ids)
	}
	ids = dedupe(ids)
	if len(ids) <= m {
		return ids
	}
	owner := source.Vector(ownerID)
	scored := make([]Candidate, len(ids))
	for i, id := range ids {
		s, _ := distance.Score(metric, owner, source.Vector(id))
		scored[i] = Candidate{ID: id, Score: s}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	scored = scored[:m]
	out := make([]uint32, len(scored))
	for i, c := range scored {
		out[i] = c.ID
	}
	return out
}

func dedupe(ids []uint32) []uint32 {
	seen := make(map[uint32]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

type heapItem struct {
	id    uint32
	score float32
}

// maxHeap pops the highest score first (ties: lowest ID first), used to
// explore the most promising candidates first.
type maxHeap []heapItem

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].id < h[j].id
}
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// minHeap pops the lowest score first, used to track the current ef-best
// result set's weakest member so it can be evicted when a stronger
// candidate is found.
type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].id > h[j].id
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
