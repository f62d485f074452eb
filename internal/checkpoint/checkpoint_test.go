package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFreshWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	s, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := s.Snapshot()
	if snap.Processed != 0 || snap.Total != 0 {
		t.Errorf("expected a zeroed fresh state, got %+v", snap)
	}
}

func TestLoadIgnoresExistingWhenNotResuming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	first, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	first.SetTotal(10)
	first.Record(1, "succeeded")
	if err := first.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	second, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load with resume=false: %v", err)
	}
	if snap := second.Snapshot(); snap.Processed != 0 {
		t.Errorf("expected a fresh state with resume=false, got %+v", snap)
	}
}

func TestFlushThenResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	s, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.SetTotal(100)
	s.Record(1, "succeeded")
	s.Record(2, "failed")
	s.Record(3, "skipped")
	s.Record(4, "duplicate")
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	resumed, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load after flush: %v", err)
	}
	snap := resumed.Snapshot()
	if snap.Total != 100 || snap.Processed != 4 || snap.Succeeded != 1 || snap.Failed != 1 || snap.Skipped != 1 || snap.Duplicate != 1 {
		t.Errorf("resumed state = %+v, not as flushed", snap)
	}
	if snap.LastDocumentID != 4 {
		t.Errorf("LastDocumentID = %d, want 4", snap.LastDocumentID)
	}
}

func TestFlushIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	s, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.SetTotal(5)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The temp file must not survive a successful flush.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected the temp file to be renamed away, stat err = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected the checkpoint file to exist, got %v", err)
	}
}

func TestLoadArchivesCorruptCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	if err := os.WriteFile(path, []byte("not valid json{{{"), 0o644); err != nil {
		t.Fatalf("seeding corrupt checkpoint: %v", err)
	}

	s, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load on a corrupt file should recover, got error: %v", err)
	}
	if snap := s.Snapshot(); snap.Processed != 0 {
		t.Errorf("expected a fresh state after recovering from corruption, got %+v", snap)
	}

	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected exactly one archived corrupt checkpoint, found %d", len(matches))
	}
}
