// Command collector-batch is the array-job adapter entrypoint: each
// invocation processes at most CHUNK_SIZE of the catalog's pending
// documents, so the engine can be driven from a batch scheduler instead
// of running as a single long-lived process. Every invocation takes the
// pending documents in document-id order from the start of the pending
// set; BATCH_JOB_ARRAY_INDEX only names the invocation's checkpoint file
// and log lines and does not select a different slice. Grounded on
// services/downloader/cmd/batch-worker/main.go's chunk-by-array-index
// structure, adapted to read pending work from internal/catalog instead
// of an S3 JSONL manifest and to drive internal/dispatch instead of
// BatchDownloader directly.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lawcorpus/collector/internal/catalog"
	"github.com/lawcorpus/collector/internal/classify"
	"github.com/lawcorpus/collector/internal/config"
	"github.com/lawcorpus/collector/internal/dispatch"
	"github.com/lawcorpus/collector/internal/fetch"
	"github.com/lawcorpus/collector/internal/observability"
	"github.com/lawcorpus/collector/internal/quality"
	"github.com/lawcorpus/collector/internal/ratelimit"
	"github.com/lawcorpus/collector/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	chunkSize := getEnvInt("CHUNK_SIZE", cfg.BatchSize)
	arrayIndex := getEnvInt("BATCH_JOB_ARRAY_INDEX", 0)
	jobID := os.Getenv("BATCH_JOB_ID")

	log.Printf("collector-batch starting: job_id=%s array_index=%d chunk_size=%d", jobID, arrayIndex, chunkSize)

	gateway, err := openGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("opening catalog: %v", err)
	}
	defer gateway.Close()

	cache, err := store.NewCache(cfg.CacheRoot)
	if err != nil {
		log.Fatalf("opening cache: %v", err)
	}

	classifier := classify.NewDefault()
	governor := ratelimit.New(ratelimit.Config{
		EgressRate:  cfg.EgressRate,
		EgressBurst: cfg.EgressBurst,
		GlobalRate:  cfg.GlobalRate,
		GlobalBurst: cfg.GlobalBurst,
		WaitTimeout: cfg.RequestTimeout,
	})
	egresses := ratelimit.NewEgressSelector(cfg.EgressIdentities)

	var browsers *fetch.BrowserPool
	if cfg.BrowserPoolSize > 0 {
		browsers = fetch.NewBrowserPool(cfg.BrowserPoolSize, cfg.BrowserMaxRequests)
		defer browsers.Close()
	}

	logger := observability.New()
	metrics := observability.NewMetrics()

	worker := fetch.New(fetch.Config{
		RequestTimeout:    cfg.RequestTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		UserAgent:         cfg.UserAgent,
		MaxRedirects:      cfg.MaxRedirects,
		BrowserNavTimeout: cfg.RequestTimeout,
		Limits: quality.Limits{
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxTime:  cfg.RequestTimeout,
		},
		Retry: fetch.RetryConfig{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBase,
			Factor:     cfg.RetryFactor,
			Jitter:     cfg.RetryJitter,
			Penalty429: cfg.RetryPenalty429,
		},
	}, classifier, governor, egresses, gateway, cache, browsers, metrics)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:                cfg.SafeWorkerCount(),
		BatchSize:              chunkSize,
		CheckpointInterval:     cfg.CheckpointInterval,
		MaxDocuments:           chunkSize,
		ShutdownGrace:          cfg.ShutdownGrace,
		ReportInterval:         cfg.ReportInterval,
		CheckpointPath:         fmt.Sprintf("%s.array-%d", cfg.CheckpointPath, arrayIndex),
		Resume:                 cfg.Resume,
		MinFreeBytes:           cfg.MinFreeBytes,
		FreeSpaceCheckInterval: cfg.FreeSpaceCheckInterval,
	}, gateway, worker, classifier, cache, metrics, logger)

	start := time.Now()
	summary, err := dispatcher.Run(ctx)
	if err != nil {
		log.Fatalf("batch run failed: %v", err)
	}

	log.Printf("collector-batch complete: array_index=%d total=%d succeeded=%d failed=%d skipped=%d duplicate=%d duration=%s",
		arrayIndex, summary.Total, summary.Succeeded, summary.Failed, summary.Skipped, summary.Duplicate, time.Since(start))

	if summary.Failed > 0 {
		log.Printf("warning: %d documents failed in this chunk", summary.Failed)
	}
}

func openGateway(ctx context.Context, cfg *config.Config) (catalog.Gateway, error) {
	opts := catalog.PostgresOptions{
		MinPoolSize:         cfg.SafeWorkerCount() + 2,
		UnfetchablePatterns: []string{"/docfragment/", "/fragment/"},
		RecordFailures:      true,
	}
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return catalog.NewPostgresGateway(ctx, cfg.DatabaseURL, opts)
	}
	return catalog.NewSQLiteGateway(cfg.DatabaseURL, catalog.SQLiteOptions{
		UnfetchablePatterns: opts.UnfetchablePatterns,
		RecordFailures:      opts.RecordFailures,
	})
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
