package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRecords(t *testing.T, path string, recs []Record) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	defer f.Close()
	for _, r := range recs {
		if _, err := f.Write(r.Encode()); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
}

func TestReplayAppliesRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	recs := []Record{
		{Seq: 1, Opcode: OpInsert, Body: EncodeInsertBody("a", []float32{1, 0}, nil)},
		{Seq: 2, Opcode: OpInsert, Body: EncodeInsertBody("b", []float32{0, 1}, nil)},
		{Seq: 3, Opcode: OpDelete, Body: EncodeDeleteBody("a")},
	}
	writeRecords(t, path, recs)

	var applied []uint64
	result, err := Replay(path, 0, func(r Record) error {
		applied = append(applied, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("expected 3 applied records, got %d", len(applied))
	}
	if result.MaxSeq != 3 {
		t.Errorf("MaxSeq = %d, want 3", result.MaxSeq)
	}
	if result.Truncated {
		t.Error("expected no truncation for a well-formed log")
	}
}

func TestReplaySkipsAlreadyAppliedSequences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	recs := []Record{
		{Seq: 1, Opcode: OpInsert, Body: EncodeInsertBody("a", []float32{1}, nil)},
		{Seq: 2, Opcode: OpInsert, Body: EncodeInsertBody("b", []float32{2}, nil)},
	}
	writeRecords(t, path, recs)

	var applied []uint64
	_, err := Replay(path, 1, func(r Record) error {
		applied = append(applied, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 1 || applied[0] != 2 {
		t.Errorf("expected only seq 2 applied, got %v", applied)
	}
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	recs := []Record{
		{Seq: 1, Opcode: OpInsert, Body: EncodeInsertBody("a", []float32{1}, nil)},
		{Seq: 2, Opcode: OpInsert, Body: EncodeInsertBody("b", []float32{2}, nil)},
	}
	writeRecords(t, path, recs)

	// Truncate mid-way through the second record's body to simulate a crash
	// during write.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var applied []uint64
	result, err := Replay(path, 0, func(r Record) error {
		applied = append(applied, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay must not error on a corrupt tail: %v", err)
	}
	if len(applied) != 1 || applied[0] != 1 {
		t.Errorf("expected only seq 1 applied before the bad tail, got %v", applied)
	}
	if !result.Truncated {
		t.Error("expected Truncated = true")
	}
}

func TestReplayDetectsCRCMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	recs := []Record{
		{Seq: 1, Opcode: OpInsert, Body: EncodeInsertBody("a", []float32{1}, nil)},
	}
	writeRecords(t, path, recs)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[HeaderSize] ^= 0xFF // flip a body byte, invalidating the CRC
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var applied []uint64
	result, err := Replay(path, 0, func(r Record) error {
		applied = append(applied, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no records applied past a CRC mismatch, got %v", applied)
	}
	if !result.Truncated {
		t.Error("expected Truncated = true")
	}
}

func TestReplayOnArbitraryBytesDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	garbage := make([]byte, 1000)
	for i := range garbage {
		garbage[i] = byte(i * 37)
	}
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Replay(path, 0, func(r Record) error { return nil }); err != nil {
		t.Fatalf("Replay on garbage should not error, got: %v", err)
	}
}

func TestReplayMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	result, err := Replay(filepath.Join(dir, "missing.log"), 0, func(r Record) error { return nil })
	if err != nil {
		t.Fatalf("Replay on missing file: %v", err)
	}
	if result.MaxSeq != 0 || result.Applied != 0 {
		t.Errorf("expected empty result for missing file, got %+v", result)
	}
}
