// Package observability provides the structured log line helper and
// Prometheus metrics registry the dispatcher and fetch workers report
// through (spec §7, §8). Logging stays on stdlib log, the teacher's
// exclusive choice throughout services/downloader and tools/; metrics
// are new, using github.com/prometheus/client_golang as seen in
// cuemby-warren and vjache-cie's manifests.
package observability

import (
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// Logger wraps a stdlib *log.Logger with the key=value line shape the
// teacher's tools print (see tools/local-downloader/main.go's summary
// lines), adding a correlation id to each line that is given one.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to stderr with a microsecond timestamp,
// matching the teacher's log.New default flags.
func New() *Logger {
	return &Logger{l: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

func (lg *Logger) log(level, correlationID, msg string, kv ...interface{}) {
	line := fmt.Sprintf("level=%s msg=%q", level, msg)
	if correlationID != "" {
		line += fmt.Sprintf(" correlation_id=%s", correlationID)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		line += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	lg.l.Println(line)
}

// Info logs a success/progress line.
func (lg *Logger) Info(correlationID, msg string, kv ...interface{}) {
	lg.log("info", correlationID, msg, kv...)
}

// Warn logs a retryable-failure line.
func (lg *Logger) Warn(correlationID, msg string, kv ...interface{}) {
	lg.log("warn", correlationID, msg, kv...)
}

// Error logs a terminal-failure line.
func (lg *Logger) Error(correlationID, msg string, kv ...interface{}) {
	lg.log("error", correlationID, msg, kv...)
}

// Metrics is the Prometheus counter/histogram set described in spec §8
// ("one increment of a counter" per WorkItem outcome).
type Metrics struct {
	Registry *prometheus.Registry

	DocumentsProcessed *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	BytesFetched       prometheus.Counter
	RateLimitWaits     prometheus.Counter
	CheckpointWrites   prometheus.Counter
}

// NewMetrics builds and registers the full metric set against a fresh
// registry (not the global default, so tests can spin up independent
// instances without collector-name collisions).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		DocumentsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_documents_processed_total",
			Help: "Documents processed, labeled by outcome kind.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_fetch_duration_seconds",
			Help:    "Wall-clock time to process one WorkItem end to end.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_bytes_fetched_total",
			Help: "Total bytes read from fetched artifacts.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_rate_limit_waits_total",
			Help: "Rate-governor token acquisitions completed by workers.",
		}),
		CheckpointWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_checkpoint_writes_total",
			Help: "Successful checkpoint flushes to disk.",
		}),
	}

	reg.MustRegister(m.DocumentsProcessed, m.FetchDuration, m.BytesFetched, m.RateLimitWaits, m.CheckpointWrites)
	return m
}
