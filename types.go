package ndb

import "time"

// Vector is a dense embedding. Its length must equal the owning collection's
// configured dimension.
type Vector []float32

// Document is a single record stored in a collection: an external string ID,
// its embedding, and an opaque JSON-compatible payload used for post-filtering
// and retrieval.
type Document struct {
	ID        string
	Vector    Vector
	Payload   map[string]any
	CreatedAt time.Time
}

// SearchResult pairs a matched document ID with its similarity score and
// its stored payload (nil when the document has none).
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Metric names a distance/similarity function a collection scores vectors with.
type Metric int

const (
	// MetricCosine scores by cosine similarity (higher is closer).
	MetricCosine Metric = iota
	// MetricDot scores by raw dot product (higher is closer).
	MetricDot
	// MetricEuclidean scores by negated Euclidean distance (higher is closer).
	MetricEuclidean
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	case MetricEuclidean:
		return "euclidean"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a collection's size and durability state.
type Stats struct {
	DocCount       int
	SegmentCount   int
	WALSizeBytes   int64
	LastFlushedAt  time.Time
	LastCompaction time.Time
	HasIndex       bool
}
