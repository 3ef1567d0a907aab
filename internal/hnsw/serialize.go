package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ndblabs/ndb/internal/distance"
)

// magic identifies an nDB HNSW index file on disk.
var magic = [4]byte{'n', 'H', 'N', 'W'}

const fileVersion uint16 = 1

// WriteFile persists g to path via write-temp + fsync + rename, matching
// the atomicity discipline used for segments and the manifest.
func (g *Graph) WriteFile(path string) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("hnsw: create temp: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := g.encode(w); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hnsw: encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hnsw: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hnsw: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hnsw: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hnsw: rename: %w", err)
	}
	return nil
}

// ReadFile loads a graph previously written by WriteFile. A short read or
// bad magic fails with an error; the index's rebuild policy treats that as
// "missing or fails integrity checks" and falls back to exact scan.
func ReadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}

func (g *Graph) encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, fileVersion); err != nil {
		return err
	}
	header := struct {
		Metric         int32
		M              int32
		EfConstruction int32
		EfSearch       int32
		N              int32
		MaxLayer       int32
		EntryPoint     uint32
		NumLayers      int32
	}{
		Metric:         int32(g.metric),
		M:              int32(g.m),
		EfConstruction: int32(g.efConstruction),
		EfSearch:       int32(g.efSearch),
		N:              int32(g.n),
		MaxLayer:       int32(g.maxLayer),
		EntryPoint:     g.entryPoint,
		NumLayers:      int32(len(g.layers)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, g.nodeLayer); err != nil {
		return err
	}
	for _, lg := range g.layers {
		if err := binary.Write(w, binary.LittleEndian, int32(len(lg.offsets))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, lg.offsets); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int32(len(lg.neighbors))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, lg.neighbors); err != nil {
			return err
		}
	}
	return nil
}

func decode(r io.Reader) (*Graph, error) {
	var gotMagic [4]byte
	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return nil, fmt.Errorf("hnsw: read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("hnsw: bad magic %v", gotMagic)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("hnsw: read version: %w", err)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("hnsw: unsupported version %d", version)
	}

	var header struct {
		Metric         int32
		M              int32
		EfConstruction int32
		EfSearch       int32
		N              int32
		MaxLayer       int32
		EntryPoint     uint32
		NumLayers      int32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("hnsw: read header: %w", err)
	}
	if header.N < 0 || header.NumLayers < 0 {
		return nil, fmt.Errorf("hnsw: malformed header")
	}

	nodeLayer := make([]uint8, header.N)
	if err := binary.Read(r, binary.LittleEndian, nodeLayer); err != nil {
		return nil, fmt.Errorf("hnsw: read node layers: %w", err)
	}

	layers := make([]layerCSR, header.NumLayers)
	for i := range layers {
		var offsetCount int32
		if err := binary.Read(r, binary.LittleEndian, &offsetCount); err != nil {
			return nil, fmt.Errorf("hnsw: read layer %d offset count: %w", i, err)
		}
		offsets := make([]uint32, offsetCount)
		if err := binary.Read(r, binary.LittleEndian, offsets); err != nil {
			return nil, fmt.Errorf("hnsw: read layer %d offsets: %w", i, err)
		}
		var neighborCount int32
		if err := binary.Read(r, binary.LittleEndian, &neighborCount); err != nil {
			return nil, fmt.Errorf("hnsw: read layer %d neighbor count: %w", i, err)
		}
		neighbors := make([]uint32, neighborCount)
		if err := binary.Read(r, binary.LittleEndian, neighbors); err != nil {
			return nil, fmt.Errorf("hnsw: read layer %d neighbors: %w", i, err)
		}
		layers[i] = layerCSR{offsets: offsets, neighbors: neighbors}
	}

	return &Graph{
		metric:         distance.Metric(header.Metric),
		m:              int(header.M),
		efConstruction: int(header.EfConstruction),
		efSearch:       int(header.EfSearch),
		n:              int(header.N),
		nodeLayer:      nodeLayer,
		layers:         layers,
		entryPoint:     header.EntryPoint,
		maxLayer:       int(header.MaxLayer),
	}, nil
}
