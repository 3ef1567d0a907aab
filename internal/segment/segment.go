// Package segment implements the immutable, memory-mapped flushed-vector
// file (§4.5/§6): a 64-byte aligned header, a packed float32 vector region,
// an internal-ID-to-external-string mapping region, and a payload region.
//
// A segment assigns its own internal IDs, dense and zero-based over the
// rows it holds in write order; they are unrelated to any memtable's
// internal IDs for the same documents.
package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	"github.com/ndblabs/ndb/internal/idmap"
	"github.com/ndblabs/ndb/internal/memtable"
)

// Magic identifies an nDB segment file, per §6: the bytes 'n' 'D' 'B' 0x00.
var Magic = [4]byte{'n', 'D', 'B', 0x00}

// Version is the on-disk segment format version this package reads/writes.
const Version uint16 = 1

// HeaderSize is the fixed 64-byte aligned header size (§3, §6).
const HeaderSize = 64

type header struct {
	Magic           [4]byte
	Version         uint16
	Dimension       uint32
	DocCount        uint64
	VectorOffset    uint64
	IDMappingOffset uint64
	PayloadOffset   uint64
	Checksum        uint64
}

func (h header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Dimension)
	binary.LittleEndian.PutUint64(buf[12:20], h.DocCount)
	binary.LittleEndian.PutUint64(buf[20:28], h.VectorOffset)
	binary.LittleEndian.PutUint64(buf[28:36], h.IDMappingOffset)
	binary.LittleEndian.PutUint64(buf[36:44], h.PayloadOffset)
	binary.LittleEndian.PutUint64(buf[44:52], h.Checksum)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("segment: short header: %d < %d", len(buf), HeaderSize)
	}
	copy(h.Magic[:], buf[0:4])
	if h.Magic != Magic {
		return h, fmt.Errorf("segment: bad magic %v", h.Magic)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.Dimension = binary.LittleEndian.Uint32(buf[8:12])
	h.DocCount = binary.LittleEndian.Uint64(buf[12:20])
	h.VectorOffset = binary.LittleEndian.Uint64(buf[20:28])
	h.IDMappingOffset = binary.LittleEndian.Uint64(buf[28:36])
	h.PayloadOffset = binary.LittleEndian.Uint64(buf[36:44])
	h.Checksum = binary.LittleEndian.Uint64(buf[44:52])
	return h, nil
}

// Write encodes a frozen memtable into a new segment file at dir with the
// given base filename (e.g. "0001.ndb"). It writes to a .tmp path first and
// atomically renames it into place (§4.5).
func Write(dir, filename string, frozen memtable.Frozen) (string, error) {
	dim := frozen.Dim
	n := len(frozen.Entries)

	vectorRegion := make([]byte, n*dim*4)
	for i, e := range frozen.Entries {
		for j, f := range e.Vector {
			binary.LittleEndian.PutUint32(vectorRegion[(i*dim+j)*4:], math.Float32bits(f))
		}
	}

	ids := idmap.New()
	for _, e := range frozen.Entries {
		ids.Insert(e.ExternalID) // allocates 0..n-1 in write order
	}
	idRegion := encodeIDMapping(ids.Pairs())
	payloadRegion := encodePayloads(frozen.Entries)

	h := header{
		Magic:           Magic,
		Version:         Version,
		Dimension:       uint32(dim),
		DocCount:        uint64(n),
		VectorOffset:    HeaderSize,
		IDMappingOffset: HeaderSize + uint64(len(vectorRegion)),
		PayloadOffset:   HeaderSize + uint64(len(vectorRegion)) + uint64(len(idRegion)),
	}

	body := make([]byte, 0, len(vectorRegion)+len(idRegion)+len(payloadRegion))
	body = append(body, vectorRegion...)
	body = append(body, idRegion...)
	body = append(body, payloadRegion...)
	h.Checksum = xxhash.Sum64(body)

	tmpPath := filepath.Join(dir, filename+"."+uuid.NewString()+".tmp")
	finalPath := filepath.Join(dir, filename)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("segment: create temp: %w", err)
	}
	if _, err := f.Write(h.encode()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: write header: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: write body: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: close: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("segment: rename: %w", err)
	}
	return finalPath, nil
}

func encodeIDMapping(pairs []idmap.Pair) []byte {
	buf := make([]byte, 0, len(pairs)*8)
	for _, p := range pairs {
		var tmp [6]byte
		binary.LittleEndian.PutUint32(tmp[0:4], p.ID)
		binary.LittleEndian.PutUint16(tmp[4:6], uint16(len(p.External)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, p.External...)
	}
	return buf
}

func decodeIDMapping(buf []byte, count int) ([]idmap.Pair, error) {
	pairs := make([]idmap.Pair, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+6 > len(buf) {
			return nil, fmt.Errorf("segment: truncated id-mapping region")
		}
		id := binary.LittleEndian.Uint32(buf[off:])
		l := int(binary.LittleEndian.Uint16(buf[off+4:]))
		off += 6
		if off+l > len(buf) {
			return nil, fmt.Errorf("segment: truncated id-mapping region")
		}
		pairs = append(pairs, idmap.Pair{ID: id, External: string(buf[off : off+l])})
		off += l
	}
	return pairs, nil
}

// encodePayloads lays out the payload region as a fixed (n+1)-entry uint64
// offset table (byte offsets into the blob area that follows, relative to
// the start of that area) followed by the concatenated JSON blobs
// themselves, indexed by this segment's internal ID (write order).
func encodePayloads(entries []memtable.Entry) []byte {
	n := len(entries)
	offsets := make([]uint64, n+1)
	var blobs []byte
	for i, e := range entries {
		offsets[i] = uint64(len(blobs))
		blobs = append(blobs, e.Payload...)
	}
	offsets[n] = uint64(len(blobs))

	buf := make([]byte, (n+1)*8+len(blobs))
	for i, o := range offsets {
		binary.LittleEndian.PutUint64(buf[i*8:], o)
	}
	copy(buf[(n+1)*8:], blobs)
	return buf
}

// Reader is an open, memory-mapped, read-only segment (§4.5: "Thread
// sharing. A segment is immutable after open and shared ... across
// threads"). The zero value is not ready; use Open.
type Reader struct {
	path string
	mm   mmap.MMap
	hdr  header
	ids  *idmap.Map

	payloadOffsets []uint64 // n+1 entries, relative to payloadBlobStart
	payloadStart   int
}

// Open validates the header and content checksum, then memory-maps the
// body read-only. A checksum mismatch or malformed header fails with an
// error wrapping the underlying cause; the file is never partially
// exposed (§4.5, §8 scenario F).
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if fi.Size() < HeaderSize {
		return nil, fmt.Errorf("segment: %s too small to contain a header", path)
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("segment: read header %s: %w", path, err)
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("segment: %s: unsupported version %d", path, h.Version)
	}
	if h.PayloadOffset > uint64(fi.Size()) {
		return nil, fmt.Errorf("segment: %s: offsets exceed file size (corrupt)", path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}

	body := []byte(m)[HeaderSize:]
	if xxhash.Sum64(body) != h.Checksum {
		m.Unmap()
		return nil, fmt.Errorf("segment: %s: checksum mismatch (corrupt)", path)
	}

	idRegion := []byte(m)[h.IDMappingOffset:h.PayloadOffset]
	pairs, err := decodeIDMapping(idRegion, int(h.DocCount))
	if err != nil {
		m.Unmap()
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}
	ids, err := idmap.LoadPairs(pairs)
	if err != nil {
		m.Unmap()
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}

	n := int(h.DocCount)
	payloadRegion := []byte(m)[h.PayloadOffset:]
	offsets := make([]uint64, n+1)
	for i := 0; i <= n; i++ {
		offsets[i] = binary.LittleEndian.Uint64(payloadRegion[i*8:])
	}

	return &Reader{
		path:           path,
		mm:             m,
		hdr:            h,
		ids:            ids,
		payloadOffsets: offsets,
		payloadStart:   (n + 1) * 8,
	}, nil
}

// Dimension returns the vector dimension stored in this segment.
func (r *Reader) Dimension() int { return int(r.hdr.Dimension) }

// DocCount returns the number of documents stored in this segment.
func (r *Reader) DocCount() int { return int(r.hdr.DocCount) }

// Lookup resolves an external ID to this segment's internal ID.
func (r *Reader) Lookup(externalID string) (uint32, bool) {
	return r.ids.Lookup(externalID)
}

// ExternalID resolves this segment's internal ID back to the external ID.
func (r *Reader) ExternalID(id uint32) (string, bool) {
	return r.ids.External(id)
}

// Vector decodes the vector at internal ID id into a newly allocated slice.
// The result is a copy; it does not alias the memory-mapped file.
func (r *Reader) Vector(id uint32) []float32 {
	dim := int(r.hdr.Dimension)
	start := int(r.hdr.VectorOffset) + int(id)*dim*4
	raw := []byte(r.mm)[start : start+dim*4]
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Payload returns the optional JSON payload for internal ID id, or nil if
// none was stored.
func (r *Reader) Payload(id uint32) []byte {
	start := r.payloadOffsets[id]
	end := r.payloadOffsets[id+1]
	if start == end {
		return nil
	}
	blobArea := []byte(r.mm)[int(r.hdr.PayloadOffset)+r.payloadStart:]
	return blobArea[start:end]
}

// Entry is one (internal_id, external_id, vector, payload) row yielded by Range.
type Entry struct {
	InternalID uint32
	ExternalID string
	Vector     []float32
	Payload    []byte
}

// Range iterates every document in the segment in internal-ID order.
func (r *Reader) Range(fn func(Entry) bool) {
	for id := uint32(0); id < uint32(r.hdr.DocCount); id++ {
		ext, _ := r.ExternalID(id)
		if !fn(Entry{InternalID: id, ExternalID: ext, Vector: r.Vector(id), Payload: r.Payload(id)}) {
			return
		}
	}
}

// Close unmaps the segment body.
func (r *Reader) Close() error {
	return r.mm.Unmap()
}

// Path returns the filesystem path this reader was opened from.
func (r *Reader) Path() string { return r.path }
