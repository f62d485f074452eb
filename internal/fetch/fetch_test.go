package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lawcorpus/collector/internal/catalog"
	"github.com/lawcorpus/collector/internal/classify"
	"github.com/lawcorpus/collector/internal/model"
	"github.com/lawcorpus/collector/internal/quality"
	"github.com/lawcorpus/collector/internal/ratelimit"
	"github.com/lawcorpus/collector/internal/store"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, catalog.Gateway) {
	t.Helper()

	gateway, err := catalog.NewSQLiteGateway(":memory:", catalog.SQLiteOptions{
		UnfetchablePatterns: []string{"/fragment/"},
	})
	if err != nil {
		t.Fatalf("NewSQLiteGateway: %v", err)
	}
	t.Cleanup(func() { gateway.Close() })

	cache, err := store.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "collector-test/1.0"
	}
	if cfg.Limits == (quality.Limits{}) {
		cfg.Limits = quality.Limits{MinBytes: 1, MaxBytes: 1 << 20, MaxTime: 5 * time.Second}
	}
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = 5 * time.Millisecond
	}

	classifier := classify.NewDefault()
	governor := ratelimit.New(ratelimit.Config{EgressRate: 1000, EgressBurst: 1000, GlobalRate: 1000, GlobalBurst: 1000, WaitTimeout: time.Second})
	egresses := ratelimit.NewEgressSelector(nil)

	w := New(cfg, classifier, governor, egresses, gateway, cache, nil, nil)
	return w, gateway
}

func seedDoc(t *testing.T, gateway catalog.Gateway, url string) int64 {
	t.Helper()
	sg := gateway.(*catalog.SQLiteGateway)
	id, err := sg.SeedDocument(context.Background(), url, "example")
	if err != nil {
		t.Fatalf("SeedDocument: %v", err)
	}
	return id
}

func TestProcessDirectPDFSucceeds(t *testing.T) {
	body := append([]byte("%PDF-1.4 "), make([]byte, 32)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(body)
	}))
	defer srv.Close()

	w, gateway := newTestWorker(t, Config{})
	docID := seedDoc(t, gateway, srv.URL+"/doc/1.pdf")

	outcome := w.Process(context.Background(), model.WorkItem{DocumentID: docID, SourceURL: srv.URL + "/doc/1.pdf", CorrelationID: "t1"})
	if outcome.Kind != model.OutcomeSucceeded {
		t.Fatalf("outcome = %+v, want succeeded", outcome)
	}
	if outcome.Artifact == nil || outcome.Artifact.ByteSize != int64(len(body)) {
		t.Errorf("unexpected artifact: %+v", outcome.Artifact)
	}
}

func TestProcessSkipsUnfetchableURL(t *testing.T) {
	w, gateway := newTestWorker(t, Config{})
	docID := seedDoc(t, gateway, "https://example.com/fragment/abc")

	outcome := w.Process(context.Background(), model.WorkItem{DocumentID: docID, SourceURL: "https://example.com/fragment/abc"})
	if outcome.Kind != model.OutcomeSkipped {
		t.Fatalf("outcome = %+v, want skipped", outcome)
	}
}

func TestProcessDetectsDuplicateContent(t *testing.T) {
	body := append([]byte("%PDF-1.4 "), make([]byte, 32)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	w, gateway := newTestWorker(t, Config{})
	docA := seedDoc(t, gateway, srv.URL+"/doc/1.pdf")
	docB := seedDoc(t, gateway, srv.URL+"/doc/2.pdf")

	first := w.Process(context.Background(), model.WorkItem{DocumentID: docA, SourceURL: srv.URL + "/doc/1.pdf"})
	if first.Kind != model.OutcomeSucceeded {
		t.Fatalf("first outcome = %+v, want succeeded", first)
	}

	second := w.Process(context.Background(), model.WorkItem{DocumentID: docB, SourceURL: srv.URL + "/doc/2.pdf"})
	if second.Kind != model.OutcomeDuplicate {
		t.Fatalf("second outcome = %+v, want duplicate", second)
	}
}

func TestProcessRetriesThenSucceedsOn429(t *testing.T) {
	var attempts int32
	body := append([]byte("%PDF-1.4 "), make([]byte, 32)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	w, gateway := newTestWorker(t, Config{Retry: RetryConfig{MaxRetries: 2, Base: 5 * time.Millisecond, Factor: 2, Penalty429: 1}})
	docID := seedDoc(t, gateway, srv.URL+"/doc/1.pdf")

	outcome := w.Process(context.Background(), model.WorkItem{DocumentID: docID, SourceURL: srv.URL + "/doc/1.pdf"})
	if outcome.Kind != model.OutcomeSucceeded {
		t.Fatalf("outcome = %+v, want succeeded after the 429 retry", outcome)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestProcessFailsOnTerminalStatus(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w, gateway := newTestWorker(t, Config{Retry: RetryConfig{MaxRetries: 3, Base: 5 * time.Millisecond}})
	docID := seedDoc(t, gateway, srv.URL+"/doc/1.pdf")

	outcome := w.Process(context.Background(), model.WorkItem{DocumentID: docID, SourceURL: srv.URL + "/doc/1.pdf"})
	if outcome.Kind != model.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", outcome)
	}
	// A 404 is terminal: it should not have triggered the retry loop.
	if requests > 1 {
		t.Errorf("requests = %d, expected a terminal failure to skip retries", requests)
	}
}

func TestProcessCancellationStopsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, gateway := newTestWorker(t, Config{Retry: RetryConfig{MaxRetries: 10, Base: 50 * time.Millisecond, Factor: 2}})
	docID := seedDoc(t, gateway, srv.URL+"/doc/1.pdf")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome := w.Process(ctx, model.WorkItem{DocumentID: docID, SourceURL: srv.URL + "/doc/1.pdf"})
	if outcome.Kind != model.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", outcome)
	}
	if outcome.Reason != "cancelled" {
		t.Errorf("Reason = %q, want %q", outcome.Reason, "cancelled")
	}
}

func TestExpectedTypeFor(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		verdict classify.Verdict
		want    quality.ExpectedType
		wantExt string
	}{
		{"pdf extension", "https://example.com/a.pdf", classify.Direct, quality.ExpectedPDF, "pdf"},
		{"pdf with query string", "https://example.com/a.pdf?x=1", classify.Direct, quality.ExpectedPDF, "pdf"},
		{"rendered html", "https://example.com/search?q=1", classify.Rendered, quality.ExpectedHTML, "html"},
		{"no extension defaults to pdf", "https://example.com/doc/1", classify.Direct, quality.ExpectedAny, "pdf"},
		{"other extension passes through", "https://example.com/a.docx", classify.Direct, quality.ExpectedAny, "docx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected, ext := expectedTypeFor(tt.url, tt.verdict)
			if expected != tt.want || ext != tt.wantExt {
				t.Errorf("expectedTypeFor(%q, %q) = (%q, %q), want (%q, %q)", tt.url, tt.verdict, expected, ext, tt.want, tt.wantExt)
			}
		})
	}
}
