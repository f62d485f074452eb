// Package fetch runs the single-document state machine described in
// spec §4.4: classify, acquire a rate-governor token, fetch over HTTP
// or a headless browser, validate, hash-and-stage, persist, done — with
// a bounded, jittered retry loop for transient failures. It generalizes
// services/downloader/downloader.go's Download/downloadWithContext from
// a single *models.Filing to model.WorkItem.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/lawcorpus/collector/internal/catalog"
	"github.com/lawcorpus/collector/internal/classify"
	"github.com/lawcorpus/collector/internal/observability"
	"github.com/lawcorpus/collector/internal/quality"
	"github.com/lawcorpus/collector/internal/ratelimit"
	"github.com/lawcorpus/collector/internal/store"

	"github.com/lawcorpus/collector/internal/model"
)

// RetryConfig configures the transient-failure loop (spec §4.4
// "RetryOrFail"): bounded exponential backoff with jitter, and an
// extra multiplier applied after a 429 on top of the egress penalty.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
	Jitter     float64
	Penalty429 float64
}

// Config bundles everything a Worker needs beyond its collaborators.
type Config struct {
	RequestTimeout    time.Duration
	ReadTimeout       time.Duration
	UserAgent         string
	MaxRedirects      int
	BrowserNavTimeout time.Duration
	Limits            quality.Limits
	Retry             RetryConfig
}

// Worker executes WorkItems against the direct HTTP path or the
// headless-browser path, depending on the classifier's verdict.
type Worker struct {
	cfg        Config
	client     *http.Client
	classifier *classify.Classifier
	governor   *ratelimit.Governor
	egresses   *ratelimit.EgressSelector
	chain      *quality.Chain
	cache      *store.Cache
	gateway    catalog.Gateway
	browsers   *BrowserPool
	metrics    *observability.Metrics
}

// New builds a Worker. browsers may be nil if no WorkItem will ever
// classify as rendered (e.g. dev smoke tests). metrics may be nil, in
// which case the worker simply skips the increments.
func New(cfg Config, classifier *classify.Classifier, governor *ratelimit.Governor, egresses *ratelimit.EgressSelector, gateway catalog.Gateway, cache *store.Cache, browsers *BrowserPool, metrics *observability.Metrics) *Worker {
	transport := &http.Transport{
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   10,
	}
	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}
	if cfg.MaxRedirects > 0 {
		max := cfg.MaxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= max {
				return fmt.Errorf("stopped after %d redirects", max)
			}
			return nil
		}
	}
	return &Worker{
		cfg:        cfg,
		client:     client,
		classifier: classifier,
		governor:   governor,
		egresses:   egresses,
		chain:      quality.NewChain(cfg.Limits),
		cache:      cache,
		gateway:    gateway,
		browsers:   browsers,
		metrics:    metrics,
	}
}

// Process runs one WorkItem through the full state machine and returns
// its terminal outcome. It never panics on a failed fetch; every
// failure path is surfaced as a model.Outcome.
func (w *Worker) Process(ctx context.Context, item model.WorkItem) model.Outcome {
	start := time.Now()

	// Initial -> Classify. The dispatcher classifies and annotates
	// WorkItem.Verdict before handing it off (spec §4.2 step 3); fall
	// back to classifying here for callers that construct a WorkItem
	// directly without going through the dispatcher.
	verdict := classify.Verdict(item.Verdict)
	if verdict == "" {
		verdict, _ = w.classifier.Classify(item.SourceURL)
	}
	if verdict == classify.Unfetchable {
		return model.Outcome{
			DocumentID: item.DocumentID,
			Kind:       model.OutcomeSkipped,
			Reason:     "unfetchable url",
			Duration:   time.Since(start),
		}
	}

	egressIdentity := w.egresses.Next()
	expected, ext := expectedTypeFor(item.SourceURL, verdict)

	retry := w.cfg.Retry
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 3
	}
	if retry.Base <= 0 {
		retry.Base = time.Second
	}
	if retry.Factor <= 0 {
		retry.Factor = 2
	}
	if retry.Penalty429 <= 0 {
		retry.Penalty429 = 4
	}

	delay := retry.Base
	var lastErr error

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		outcome, terminal, rateLimited, err := w.attempt(ctx, item, egressIdentity, verdict, expected, ext, start)
		if err == nil {
			return outcome
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.Outcome{
				DocumentID: item.DocumentID,
				Kind:       model.OutcomeFailed,
				Reason:     "cancelled",
				Duration:   time.Since(start),
			}
		}
		if terminal || attempt == retry.MaxRetries {
			break
		}

		wait := jittered(delay, retry.Jitter)
		if rateLimited {
			wait = time.Duration(float64(wait) * retry.Penalty429)
			w.governor.PenalizeEgress(egressIdentity, 2)
		}
		select {
		case <-ctx.Done():
			return model.Outcome{DocumentID: item.DocumentID, Kind: model.OutcomeFailed, Reason: "cancelled", Duration: time.Since(start)}
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * retry.Factor)
	}

	return model.Outcome{
		DocumentID: item.DocumentID,
		Kind:       model.OutcomeFailed,
		Reason:     fmt.Sprintf("exhausted retries: %v", lastErr),
		Duration:   time.Since(start),
	}
}

// attempt runs one pass of AcquireRate -> Fetch -> ValidateHTTP ->
// ValidatePayload -> HashAndStage -> Persist. The bool results report
// whether a non-nil error should NOT be retried, and whether it was
// specifically a 429 (for the caller's penalty logic).
func (w *Worker) attempt(ctx context.Context, item model.WorkItem, egressIdentity string, verdict classify.Verdict, expected quality.ExpectedType, ext string, start time.Time) (model.Outcome, bool, bool, error) {
	if !w.governor.Allow(egressIdentity) {
		return model.Outcome{}, false, false, fmt.Errorf("egress %s circuit open", egressIdentity)
	}

	if err := w.governor.Acquire(ctx, egressIdentity); err != nil {
		return model.Outcome{}, false, false, fmt.Errorf("acquiring rate token: %w", err)
	}
	if w.metrics != nil {
		w.metrics.RateLimitWaits.Inc()
	}

	body, httpResp, err := w.doFetch(ctx, item.SourceURL, verdict)
	if err != nil {
		w.governor.RecordOutcome(egressIdentity, false)
		return model.Outcome{}, false, httpResp.StatusCode == http.StatusTooManyRequests, err
	}
	if w.metrics != nil {
		w.metrics.BytesFetched.Add(float64(len(body)))
	}

	// The breaker cares about 429/5xx bursts, not about Gate 2's
	// payload-shape rejections, so it is fed from the raw status here
	// rather than from the gate chain's terminal/transient verdict.
	transientStatus := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
	w.governor.RecordOutcome(egressIdentity, !transientStatus)

	if err := w.chain.RunHTTPAndPayload(httpResp, body, expected); err != nil {
		var reason quality.Reason
		terminal := errors.As(err, &reason) && reason.Kind == quality.KindTerminal
		rateLimited := httpResp.StatusCode == http.StatusTooManyRequests
		return model.Outcome{}, terminal, rateLimited, err
	}

	staged, err := w.cache.Write(body, ext)
	if err != nil {
		return model.Outcome{}, false, false, fmt.Errorf("staging artifact: %w", err)
	}
	if integrityErr := quality.CheckWriteIntegrity(quality.WriteIntegrity{
		ExpectedSize: int64(len(body)),
		ActualSize:   staged.ByteSize,
		FsyncErr:     staged.FsyncErr,
	}); integrityErr != nil {
		return model.Outcome{}, false, false, integrityErr
	}

	meta := store.BuildMetadata(staged, model.StorageTierLocal)
	meta.CachePath = w.cache.RelativePath(staged.Path)
	outcome, err := w.persist(ctx, item, meta, staged.Path, start)
	if err != nil {
		return model.Outcome{}, true, false, err
	}
	return outcome, false, false, nil
}

// persist records the staged artifact in the catalog, translating a
// duplicate result into a removal of the just-staged file (spec §4.4
// "Persist → Done": "If the gateway returns Duplicate, delete the
// staged file"). stagedPath is the absolute on-disk path Remove needs;
// meta.CachePath is the root-relative path the catalog persists.
func (w *Worker) persist(ctx context.Context, item model.WorkItem, meta model.ArtifactMetadata, stagedPath string, start time.Time) (model.Outcome, error) {
	outcome, row, err := w.gateway.RecordSuccess(ctx, item.DocumentID, meta)
	if err != nil {
		return model.Outcome{}, err
	}

	if outcome == catalog.InsertOutcomeDuplicate {
		if err := w.cache.Remove(stagedPath); err != nil {
			return model.Outcome{}, err
		}
		return model.Outcome{
			DocumentID: item.DocumentID,
			Kind:       model.OutcomeDuplicate,
			Duration:   time.Since(start),
		}, nil
	}

	return model.Outcome{
		DocumentID: item.DocumentID,
		Kind:       model.OutcomeSucceeded,
		Artifact:   row,
		Duration:   time.Since(start),
	}, nil
}

// doFetch dispatches to the direct HTTP transport or the browser pool
// depending on verdict.
func (w *Worker) doFetch(ctx context.Context, url string, verdict classify.Verdict) ([]byte, quality.HTTPResponse, error) {
	if verdict == classify.Rendered {
		if w.browsers == nil {
			return nil, quality.HTTPResponse{}, errors.New("no browser pool configured for a rendered url")
		}
		navStart := time.Now()
		body, err := w.browsers.Fetch(ctx, url, w.cfg.BrowserNavTimeout)
		resp := quality.HTTPResponse{
			StatusCode:    200,
			ContentLength: int64(len(body)),
			ResponseTime:  time.Since(navStart),
		}
		if err != nil {
			resp.StatusCode = 0
			return nil, resp, err
		}
		return body, resp, nil
	}
	return w.doDirectFetch(ctx, url)
}

func (w *Worker) doDirectFetch(ctx context.Context, url string) ([]byte, quality.HTTPResponse, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, quality.HTTPResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", w.cfg.UserAgent)
	req.Header.Set("Accept", "application/pdf,text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, quality.HTTPResponse{ResponseTime: time.Since(start)}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	httpResp := quality.HTTPResponse{
		StatusCode:    resp.StatusCode,
		ContentLength: int64(len(body)),
		ResponseTime:  elapsed,
	}
	if err != nil {
		return nil, httpResp, fmt.Errorf("reading body: %w", err)
	}
	if resp.ContentLength >= 0 {
		httpResp.ContentLength = resp.ContentLength
		if int64(len(body)) > httpResp.ContentLength {
			httpResp.ContentLength = int64(len(body))
		}
	}
	return body, httpResp, nil
}

// expectedTypeFor decides the quality gate's expected payload shape and
// the extension the artifact should be staged under, from the URL and
// classifier verdict (spec §4.4 Gate 2: "If the classifier expected a
// PDF or the URL ends in .pdf...").
func expectedTypeFor(sourceURL string, verdict classify.Verdict) (quality.ExpectedType, string) {
	clean := sourceURL
	if idx := strings.Index(clean, "?"); idx != -1 {
		clean = clean[:idx]
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(clean), "."))

	if ext == "pdf" {
		return quality.ExpectedPDF, "pdf"
	}
	if verdict == classify.Rendered {
		return quality.ExpectedHTML, "html"
	}
	if ext == "" {
		return quality.ExpectedAny, "pdf"
	}
	return quality.ExpectedAny, ext
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return d + time.Duration(rand.Float64()*2*delta-delta)
}
