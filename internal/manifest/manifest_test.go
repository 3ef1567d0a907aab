package manifest

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingManifestIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Current() != nil {
		t.Error("expected nil Current() for a newly created collection")
	}
}

func TestPublishThenReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m := &Manifest{
		Dimension:  4,
		Durability: "synced",
		Segments: []SegmentEntry{
			{Filename: "0001.ndb", DocCount: 3, MinID: 0, MaxID: 2},
		},
		LastWALSeq: 7,
	}
	if err := s.Publish(m); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.Current()
	if got == nil {
		t.Fatal("expected a manifest after publish")
	}
	if got.Dimension != 4 || got.LastWALSeq != 7 || len(got.Segments) != 1 {
		t.Errorf("unexpected manifest contents: %+v", got)
	}
	if got.Segments[0].Filename != "0001.ndb" {
		t.Errorf("segment filename mismatch: %q", got.Segments[0].Filename)
	}
}

func TestPublishLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Publish(&Manifest{Dimension: 8}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no leftover temp files, found %v", matches)
	}
}

func TestReloadPicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	writer, err := Open(dir)
	if err != nil {
		t.Fatalf("Open writer: %v", err)
	}
	if err := writer.Publish(&Manifest{Dimension: 16, LastWALSeq: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reader, err := Open(dir)
	if err != nil {
		t.Fatalf("Open reader: %v", err)
	}
	if err := writer.Publish(&Manifest{Dimension: 16, LastWALSeq: 2}); err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if reader.Current().LastWALSeq != 1 {
		t.Fatalf("reader should not see the update before Reload")
	}
	if err := reader.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reader.Current().LastWALSeq != 2 {
		t.Errorf("Reload did not pick up the new manifest")
	}
}
