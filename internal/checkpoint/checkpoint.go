// Package checkpoint persists the dispatcher's run progress so a
// restarted process can resume instead of reprocessing the catalog from
// scratch (spec §4.7). The teacher has no equivalent (its invocations
// are serverless and lean on SQS + catalog status for resume); the
// write-temp-then-rename idiom is lifted from
// services/downloader/downloader.go's saveLocal and made properly
// atomic with an fsync before the rename.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the single JSON record persisted to progress.json.
type State struct {
	Total          int       `json:"total"`
	Processed      int       `json:"processed"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Duplicate      int       `json:"duplicate"`
	LastDocumentID int64     `json:"last_document_id"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store guards a State with a mutex and knows how to persist/load it
// from a path on disk.
type Store struct {
	path    string
	mu      sync.Mutex
	flushMu sync.Mutex
	state   State
}

// Load reads path if it exists. On a parse failure, the corrupt file is
// archived with a timestamp suffix and a fresh State is returned
// (spec §4.7: "on parse failure, archive with a timestamp suffix and
// start fresh"). If resume is false, any existing checkpoint is ignored
// and a fresh one is started (but not deleted from disk until the next
// successful write).
func Load(path string, resume bool) (*Store, error) {
	s := &Store{path: path}

	if !resume {
		s.state = freshState()
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.state = freshState()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		archivePath := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UTC().Unix())
		if renameErr := os.Rename(path, archivePath); renameErr != nil {
			return nil, fmt.Errorf("archiving corrupt checkpoint: %w", renameErr)
		}
		s.state = freshState()
		return s, nil
	}

	s.state = state
	return s, nil
}

func freshState() State {
	now := time.Now().UTC()
	return State{StartedAt: now, UpdatedAt: now}
}

// Snapshot returns a copy of the current in-memory state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetTotal records the total document count for this run, once known.
func (s *Store) SetTotal(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Total = total
}

// Record updates in-memory counters for one completed WorkItem. It does
// not touch the disk; only Flush writes the file. The dispatcher's
// worker goroutines call both Record and, at checkpoint intervals,
// Flush, so disk writes can be triggered from any worker; Flush
// serializes them.
func (s *Store) Record(documentID int64, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Processed++
	s.state.LastDocumentID = documentID
	switch kind {
	case "succeeded":
		s.state.Succeeded++
	case "failed":
		s.state.Failed++
	case "skipped":
		s.state.Skipped++
	case "duplicate":
		s.state.Duplicate++
	}
	s.state.UpdatedAt = time.Now().UTC()
}

// Flush serializes the current state to <path>.tmp, fsyncs it, and
// atomically renames it over path. Concurrent calls are serialized, so
// two flushes never write the shared temp file at the same time.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening checkpoint temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsyncing checkpoint temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}
