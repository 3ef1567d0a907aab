package ndb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ndblabs/ndb/internal/wal"
)

// databaseConfig holds Open's cross-cutting, process-wide settings: the
// observer a host integration can inject (§7, "the library does not log
// unless a host integration injects an observer").
type databaseConfig struct {
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

// Option configures Open.
type Option func(*databaseConfig)

// WithLogger supplies the logger every collection this database opens logs
// through, component-scoped (`logger.With().Str("collection", name)`).
// Default: a disabled logger, so the core stays silent unless a host
// integration opts in.
func WithLogger(log zerolog.Logger) Option {
	return func(c *databaseConfig) { c.Logger = log }
}

// WithRegisterer wires Prometheus metrics into every collection this
// database opens: the WAL's append/byte/reset counters and
// Collection.Stats()'s doc-count/segment-count/has-index gauges. A nil
// registerer (the default) disables metrics entirely.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *databaseConfig) { c.Registerer = reg }
}

// Durability selects how aggressively writes are fsynced (§4.3).
type Durability int

const (
	// Buffered acks an insert once it reaches the OS page cache.
	Buffered Durability = iota
	// Synced blocks an insert until the WAL record is durably on disk.
	Synced
)

func (d Durability) String() string {
	if d == Synced {
		return "synced"
	}
	return "buffered"
}

func (d Durability) toWAL() wal.SyncPolicy {
	if d == Synced {
		return wal.Synced
	}
	return wal.Buffered
}

func durabilityFromString(s string) Durability {
	if s == "synced" {
		return Synced
	}
	return Buffered
}

// DefaultFlushThresholdBytes is the WAL size, in bytes, past which an insert
// triggers an automatic flush (§4.12, "e.g. 64 MiB").
const DefaultFlushThresholdBytes = 64 << 20

// CollectionConfig holds a collection's fixed, at-creation configuration.
type CollectionConfig struct {
	Dimension           int
	Durability          Durability
	Metric              Metric
	FlushThresholdBytes int64
}

// CollectionOption configures CreateCollection.
type CollectionOption func(*CollectionConfig)

// WithDurability sets the collection's durability mode. Default: Buffered.
func WithDurability(d Durability) CollectionOption {
	return func(c *CollectionConfig) { c.Durability = d }
}

// WithMetric sets the distance metric the collection scores vectors with.
// Default: MetricCosine.
func WithMetric(m Metric) CollectionOption {
	return func(c *CollectionConfig) { c.Metric = m }
}

// WithFlushThresholdBytes overrides DefaultFlushThresholdBytes.
func WithFlushThresholdBytes(n int64) CollectionOption {
	return func(c *CollectionConfig) { c.FlushThresholdBytes = n }
}

// SearchConfig holds one Search call's tunables.
type SearchConfig struct {
	Approximate bool
	Ef          int
	Filter      *Filter
}

// SearchOption configures Collection.Search.
type SearchOption func(*SearchConfig)

// Approximate requests HNSW traversal instead of an exact scan. It is
// silently ignored if the collection has no index built (§4.10).
func Approximate() SearchOption {
	return func(c *SearchConfig) { c.Approximate = true }
}

// WithEf overrides the index's configured default candidate-list size for
// one search call.
func WithEf(ef int) SearchOption {
	return func(c *SearchConfig) { c.Ef = ef }
}

// WithFilter applies a post-filter predicate over each candidate's payload.
func WithFilter(f Filter) SearchOption {
	return func(c *SearchConfig) { c.Filter = &f }
}
