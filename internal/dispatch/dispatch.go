// Package dispatch runs the top-level collection loop: it streams
// pending documents from the Catalog Gateway, hands each to a pool of
// fetch workers, tracks progress, checkpoints periodically, and drains
// on cancellation. Grounded on services/downloader/batch.go's
// jobs/results channel + sync.WaitGroup pattern, generalized from a
// fixed filing slice to a streaming catalog-batch loop, and on
// tools/local-downloader/main.go's signal.Notify shutdown handling.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/lawcorpus/collector/internal/catalog"
	"github.com/lawcorpus/collector/internal/checkpoint"
	"github.com/lawcorpus/collector/internal/classify"
	"github.com/lawcorpus/collector/internal/fetch"
	"github.com/lawcorpus/collector/internal/model"
	"github.com/lawcorpus/collector/internal/observability"
	"github.com/lawcorpus/collector/internal/store"
)

// Config holds the dispatcher's own knobs, distinct from the fetch
// worker's or rate governor's (spec §6): batch size, worker count,
// checkpoint cadence, and the shutdown grace period.
type Config struct {
	Workers                int
	BatchSize              int
	CheckpointInterval     int
	MaxDocuments           int
	ShutdownGrace          time.Duration
	ReportInterval         time.Duration
	CheckpointPath         string
	Resume                 bool
	MinFreeBytes           int64
	FreeSpaceCheckInterval time.Duration
}

// Dispatcher owns the worker pool, the catalog gateway, and the
// checkpoint store for one run.
type Dispatcher struct {
	cfg        Config
	gateway    catalog.Gateway
	worker     *fetch.Worker
	classifier *classify.Classifier
	cache      *store.Cache
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// New builds a Dispatcher. cache may be nil, in which case the
// periodic free-space check (spec §5) is skipped entirely — used by
// callers that have no local cache of their own to watch.
func New(cfg Config, gateway catalog.Gateway, worker *fetch.Worker, classifier *classify.Classifier, cache *store.Cache, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 100
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	if cfg.FreeSpaceCheckInterval <= 0 {
		cfg.FreeSpaceCheckInterval = time.Minute
	}
	if classifier == nil {
		classifier = classify.NewDefault()
	}
	return &Dispatcher{cfg: cfg, gateway: gateway, worker: worker, classifier: classifier, cache: cache, metrics: metrics, logger: logger}
}

// Summary is returned by Run once the loop finishes or is cancelled.
type Summary struct {
	checkpoint.State
	TopFailureReasons []ReasonCount
}

// ReasonCount is one entry in the failure-reason leaderboard printed at
// the end of a run.
type ReasonCount struct {
	Reason string
	Count  int
}

// Run drives the full collection loop until the catalog has no more
// pending documents, MaxDocuments is reached, or ctx is cancelled. It
// always installs its own SIGINT/SIGTERM handler on top of ctx so a
// direct call from a test or a library caller still gets
// graceful-shutdown semantics.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			d.logger.Info("", "shutdown signal received, draining workers")
			cancel()
		case <-runCtx.Done():
		}
	}()

	store, err := checkpoint.Load(d.cfg.CheckpointPath, d.cfg.Resume)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	total, err := d.gateway.CountPending(runCtx)
	if err != nil {
		return nil, fmt.Errorf("counting pending documents: %w", err)
	}
	store.SetTotal(total)

	tasks := make(chan catalog.PendingDocument, d.cfg.Workers*2)
	var wg sync.WaitGroup

	failureReasons := newReasonTally()

	bar := progressbar.NewOptions(store.Snapshot().Total,
		progressbar.OptionSetDescription("collecting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(200*time.Millisecond),
	)

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pd := range tasks {
				verdict, _ := d.classifier.Classify(pd.SourceURL)
				item := model.WorkItem{
					DocumentID:    pd.DocumentID,
					SourceURL:     pd.SourceURL,
					Verdict:       model.Verdict(verdict),
					CorrelationID: uuid.NewString(),
				}
				outcome := d.worker.Process(runCtx, item)
				d.recordOutcome(store, failureReasons, outcome)
				bar.Add(1)

				if int(store.Snapshot().Processed)%d.cfg.CheckpointInterval == 0 {
					if err := store.Flush(); err != nil {
						d.logger.Warn(item.CorrelationID, "checkpoint flush failed", "error", err)
					} else if d.metrics != nil {
						d.metrics.CheckpointWrites.Inc()
					}
				}
			}
		}()
	}

	producerErr := d.produce(runCtx, tasks, store)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("", "shutdown grace period elapsed with workers still running", "grace", d.cfg.ShutdownGrace)
	}

	if err := store.Flush(); err != nil {
		d.logger.Warn("", "final checkpoint flush failed", "error", err)
	}

	summary := &Summary{
		State:             store.Snapshot(),
		TopFailureReasons: failureReasons.top(5),
	}
	return summary, producerErr
}

// produce streams batches from the catalog onto tasks until exhausted,
// MaxDocuments is hit, or ctx is cancelled. It closes tasks on return so
// the worker pool drains.
func (d *Dispatcher) produce(ctx context.Context, tasks chan<- catalog.PendingDocument, store *checkpoint.Store) error {
	defer close(tasks)

	enqueued := 0
	var lastSpaceCheck time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if d.cfg.MaxDocuments > 0 && enqueued >= d.cfg.MaxDocuments {
			return nil
		}

		if d.cache != nil && time.Since(lastSpaceCheck) >= d.cfg.FreeSpaceCheckInterval {
			lastSpaceCheck = time.Now()
			if err := d.waitForFreeSpace(ctx); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		limit := d.cfg.BatchSize
		if d.cfg.MaxDocuments > 0 && d.cfg.MaxDocuments-enqueued < limit {
			limit = d.cfg.MaxDocuments - enqueued
		}

		batch, err := d.gateway.FetchPendingBatch(ctx, limit)
		if err != nil {
			return fmt.Errorf("fetching pending batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, pd := range batch {
			select {
			case tasks <- pd:
				enqueued++
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// waitForFreeSpace blocks without enqueueing new tasks while the cache
// root's free space is below MinFreeBytes (spec §5: "below
// min_free_bytes the dispatcher pauses and refuses to enqueue new
// tasks"), re-checking every FreeSpaceCheckInterval until space frees
// up or ctx is cancelled.
func (d *Dispatcher) waitForFreeSpace(ctx context.Context) error {
	for {
		free, err := d.cache.FreeBytes()
		if err != nil {
			return fmt.Errorf("checking free space: %w", err)
		}
		if d.cfg.MinFreeBytes <= 0 || free >= d.cfg.MinFreeBytes {
			return nil
		}
		d.logger.Warn("", "pausing enqueue: free space below minimum", "free_bytes", free, "min_free_bytes", d.cfg.MinFreeBytes)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.FreeSpaceCheckInterval):
		}
	}
}

func (d *Dispatcher) recordOutcome(store *checkpoint.Store, failureReasons *reasonTally, outcome model.Outcome) {
	store.Record(outcome.DocumentID, string(outcome.Kind))

	if d.metrics != nil {
		d.metrics.DocumentsProcessed.WithLabelValues(string(outcome.Kind)).Inc()
		d.metrics.FetchDuration.WithLabelValues(string(outcome.Kind)).Observe(outcome.Duration.Seconds())
	}

	switch outcome.Kind {
	case model.OutcomeSucceeded:
		d.logger.Info("", "document collected", "document_id", outcome.DocumentID)
	case model.OutcomeFailed:
		failureReasons.add(outcome.Reason)
		d.logger.Error("", "document failed", "document_id", outcome.DocumentID, "reason", outcome.Reason)
	case model.OutcomeSkipped:
		d.logger.Info("", "document skipped", "document_id", outcome.DocumentID, "reason", outcome.Reason)
	case model.OutcomeDuplicate:
		d.logger.Info("", "document duplicate", "document_id", outcome.DocumentID)
	}
}

// reasonTally counts failure reasons seen across all workers so Run can
// report the top few at the end (spec §5's summary requirement).
type reasonTally struct {
	mu     sync.Mutex
	counts map[string]int
}

func newReasonTally() *reasonTally {
	return &reasonTally{counts: make(map[string]int)}
}

func (t *reasonTally) add(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[reason]++
}

func (t *reasonTally) top(n int) []ReasonCount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ReasonCount, 0, len(t.counts))
	for reason, count := range t.counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
