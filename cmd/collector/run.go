package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

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

var (
	flagNoResume  bool
	flagMaxDocs   int
	flagMetricsOn bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection loop until the catalog is drained or the process is signalled",
	RunE:  runCollect,
}

func init() {
	runCmd.Flags().BoolVar(&flagNoResume, "no-resume", false, "ignore any existing checkpoint and start fresh")
	runCmd.Flags().IntVar(&flagMaxDocs, "max-documents", 0, "stop after this many documents (0 = no limit)")
	runCmd.Flags().BoolVar(&flagMetricsOn, "metrics", false, "print each Prometheus metric's name and sample count to stdout at the end of the run")
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagNoResume {
		cfg.Resume = false
	}
	if flagMaxDocs > 0 {
		cfg.MaxDocuments = flagMaxDocs
	}

	logger := observability.New()
	metrics := observability.NewMetrics()

	gateway, err := openGateway(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer gateway.Close()

	cache, err := store.NewCache(cfg.CacheRoot)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
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
		BatchSize:              cfg.BatchSize,
		CheckpointInterval:     cfg.CheckpointInterval,
		MaxDocuments:           cfg.MaxDocuments,
		ShutdownGrace:          cfg.ShutdownGrace,
		ReportInterval:         cfg.ReportInterval,
		CheckpointPath:         cfg.CheckpointPath,
		Resume:                 cfg.Resume,
		MinFreeBytes:           cfg.MinFreeBytes,
		FreeSpaceCheckInterval: cfg.FreeSpaceCheckInterval,
	}, gateway, worker, classifier, cache, metrics, logger)

	start := time.Now()
	summary, err := dispatcher.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	printSummary(summary, time.Since(start))
	if flagMetricsOn {
		dumpMetrics(metrics)
	}
	return nil
}

// openGateway picks the Postgres or SQLite Catalog Gateway based on the
// configured DSN scheme, matching §6's "PostgreSQL-compatible relational
// store is the reference target (SQLite is acceptable for development)".
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

func printSummary(s *dispatch.Summary, wall time.Duration) {
	fmt.Println()
	fmt.Println("=== Collection Complete ===")
	fmt.Printf("Total:      %d\n", s.Total)
	fmt.Printf("Processed:  %d\n", s.Processed)
	fmt.Printf("Succeeded:  %d\n", s.Succeeded)
	fmt.Printf("Failed:     %d\n", s.Failed)
	fmt.Printf("Skipped:    %d\n", s.Skipped)
	fmt.Printf("Duplicate:  %d\n", s.Duplicate)
	fmt.Printf("Wall time:  %s\n", wall.Round(time.Second))

	if len(s.TopFailureReasons) > 0 {
		fmt.Println("\nTop failure reasons:")
		for _, r := range s.TopFailureReasons {
			fmt.Printf("  %4d  %s\n", r.Count, r.Reason)
		}
	}
}

func dumpMetrics(m *observability.Metrics) {
	families, err := m.Registry.Gather()
	if err != nil {
		fmt.Printf("gathering metrics: %v\n", err)
		return
	}
	for _, f := range families {
		fmt.Printf("# %s: %d sample(s)\n", f.GetName(), len(f.GetMetric()))
	}
}
