package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lawcorpus/collector/internal/catalog"
	"github.com/lawcorpus/collector/internal/classify"
	"github.com/lawcorpus/collector/internal/fetch"
	"github.com/lawcorpus/collector/internal/observability"
	"github.com/lawcorpus/collector/internal/quality"
	"github.com/lawcorpus/collector/internal/ratelimit"
	"github.com/lawcorpus/collector/internal/store"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *catalog.SQLiteGateway) {
	t.Helper()

	gateway, err := catalog.NewSQLiteGateway(":memory:", catalog.SQLiteOptions{
		UnfetchablePatterns: []string{"/fragment/"},
		RecordFailures:      true,
	})
	if err != nil {
		t.Fatalf("NewSQLiteGateway: %v", err)
	}
	t.Cleanup(func() { gateway.Close() })

	cache, err := store.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	classifier := classify.NewDefault()
	governor := ratelimit.New(ratelimit.Config{EgressRate: 1000, EgressBurst: 1000, GlobalRate: 1000, GlobalBurst: 1000, WaitTimeout: time.Second})
	egresses := ratelimit.NewEgressSelector(nil)

	worker := fetch.New(fetch.Config{
		RequestTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		UserAgent:      "collector-test/1.0",
		Limits:         quality.Limits{MinBytes: 1, MaxBytes: 1 << 20, MaxTime: 5 * time.Second},
		Retry:          fetch.RetryConfig{MaxRetries: 1, Base: 5 * time.Millisecond, Factor: 2, Penalty429: 1},
	}, classifier, governor, egresses, gateway, cache, nil, nil)

	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join(t.TempDir(), "progress.json")
	}

	d := New(cfg, gateway, worker, classifier, cache, observability.NewMetrics(), observability.New())
	return d, gateway
}

func TestRunDrainsAllPendingDocuments(t *testing.T) {
	body := append([]byte("%PDF-1.4 "), make([]byte, 32)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	d, gateway := newTestDispatcher(t, Config{Workers: 3, BatchSize: 2, CheckpointInterval: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := gateway.SeedDocument(ctx, srv.URL+"/doc", "example"); err != nil {
			t.Fatalf("SeedDocument: %v", err)
		}
	}

	summary, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 5 {
		t.Errorf("Processed = %d, want 5", summary.Processed)
	}
	// Four of the five documents fetch byte-identical content, so only
	// the first should succeed and the rest should land as duplicates.
	if summary.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", summary.Succeeded)
	}
	if summary.Duplicate != 4 {
		t.Errorf("Duplicate = %d, want 4", summary.Duplicate)
	}
}

func TestRunSkipsUnfetchableAndTracksFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, gateway := newTestDispatcher(t, Config{Workers: 2, BatchSize: 10, CheckpointInterval: 1})
	ctx := context.Background()
	if _, err := gateway.SeedDocument(ctx, srv.URL+"/fragment/skip", "example"); err != nil {
		t.Fatalf("SeedDocument: %v", err)
	}
	if _, err := gateway.SeedDocument(ctx, srv.URL+"/doc/1", "example"); err != nil {
		t.Fatalf("SeedDocument: %v", err)
	}

	summary, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if len(summary.TopFailureReasons) != 1 {
		t.Errorf("TopFailureReasons = %+v, want exactly one reason", summary.TopFailureReasons)
	}
}

func TestRunRespectsMaxDocuments(t *testing.T) {
	body := []byte("%PDF-1.4 distinct body")
	var counter int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter++
		w.Write(append(body, byte(counter)))
	}))
	defer srv.Close()

	d, gateway := newTestDispatcher(t, Config{Workers: 1, BatchSize: 10, MaxDocuments: 2, CheckpointInterval: 1})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := gateway.SeedDocument(ctx, srv.URL+"/doc", "example"); err != nil {
			t.Fatalf("SeedDocument: %v", err)
		}
	}

	summary, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 2 {
		t.Errorf("Processed = %d, want 2 (bounded by MaxDocuments)", summary.Processed)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	body := []byte("%PDF-1.4 resumable")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	checkpointPath := filepath.Join(t.TempDir(), "progress.json")
	d, gateway := newTestDispatcher(t, Config{Workers: 1, BatchSize: 10, CheckpointInterval: 1, CheckpointPath: checkpointPath, Resume: true})
	ctx := context.Background()
	if _, err := gateway.SeedDocument(ctx, srv.URL+"/doc/1", "example"); err != nil {
		t.Fatalf("SeedDocument: %v", err)
	}

	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A second dispatcher sharing the same checkpoint path and gateway
	// should see the prior run's counters carried forward, with nothing
	// left pending to process.
	worker2 := d.worker
	d2 := New(Config{Workers: 1, BatchSize: 10, CheckpointInterval: 1, CheckpointPath: checkpointPath, Resume: true}, gateway, worker2, d.classifier, d.cache, observability.NewMetrics(), observability.New())

	summary, err := d2.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("Processed after resume = %d, want 1 (carried over, nothing left pending)", summary.Processed)
	}
}
