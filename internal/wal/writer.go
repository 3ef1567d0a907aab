package wal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncPolicy selects durability mode (§3 "durability mode"): buffered acks
// once the write lands in the OS page cache, synced blocks until the
// storage confirms persistence.
type SyncPolicy int

const (
	Buffered SyncPolicy = iota
	Synced
)

// Writer is the single-mutex append-only WAL writer for one collection.
// Only one appender runs at a time (§5).
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	seq     uint64 // next sequence to assign
	policy  SyncPolicy
	pending int
	metrics *metrics
	closed  bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithSyncPolicy sets the durability mode.
func WithSyncPolicy(p SyncPolicy) Option {
	return func(w *Writer) { w.policy = p }
}

// WithInitialSeq sets the first sequence number to assign, used when
// reopening a WAL whose replay determined the highest applied sequence.
func WithInitialSeq(seq uint64) Option {
	return func(w *Writer) { w.seq = seq }
}

// WithRegisterer wires Prometheus counters into the writer (§C,
// Collection.Stats()); a nil registerer disables metrics entirely.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Writer) {
		if reg != nil {
			w.metrics = newMetrics(reg)
		}
	}
}

// Open positions a WAL writer at path for appends, creating the file if it
// doesn't exist. Replay should have already happened by the time Open is
// called; the caller supplies the next sequence to assign via WithInitialSeq.
func Open(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := &Writer{file: f, path: path, seq: 1}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Append writes one record, assigning it the next sequence number. Under
// Buffered policy the write is acked once it reaches the OS buffers; the
// caller can force a sync with Sync.
func (w *Writer) Append(op Opcode, body []byte) (uint64, error) {
	return w.append(op, body, w.policy == Synced)
}

// AppendAndSync writes a record and blocks until it is durably persisted,
// regardless of the writer's configured policy.
func (w *Writer) AppendAndSync(op Opcode, body []byte) (uint64, error) {
	return w.append(op, body, true)
}

func (w *Writer) append(op Opcode, body []byte, sync bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("wal: writer closed")
	}

	seq := atomic.AddUint64(&w.seq, 1) - 1
	rec := Record{Seq: seq, Opcode: op, Body: body}
	data := rec.Encode()

	n, err := w.file.Write(data)
	if err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	if n != len(data) {
		return 0, fmt.Errorf("wal: short write: %d < %d", n, len(data))
	}
	w.pending++
	if w.metrics != nil {
		w.metrics.appends.Inc()
		w.metrics.bytesWritten.Add(float64(n))
	}

	if sync {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Sync fsyncs any writes not yet flushed since the last sync. A batch of
// inserts should call Sync once at the end rather than per record (§4.3).
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.pending == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	w.pending = 0
	return nil
}

// CurrentSeq returns the next sequence number that will be assigned.
func (w *Writer) CurrentSeq() uint64 {
	return atomic.LoadUint64(&w.seq)
}

// Size returns the current on-disk size of the log.
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fi, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Reset truncates the log and restarts sequencing at 1 (§4.3, called after
// a successful flush once the frozen memtable is durably in a segment).
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before reset: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after reset: %w", err)
	}
	w.file = f
	atomic.StoreUint64(&w.seq, 1)
	w.pending = 0
	if w.metrics != nil {
		w.metrics.resets.Inc()
	}
	return nil
}

// Close syncs and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.file.Close()
}
