// Package config holds the declarative configuration surface for the
// collection engine. Everything is env-var driven and loaded once at
// process startup, then injected into the components that need it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full knob set described in the engine's external
// interface. Zero values are never used directly; Load always fills in
// documented defaults.
type Config struct {
	// Catalog
	DatabaseURL string

	// Dispatcher
	Workers            int
	BatchSize          int
	CheckpointInterval int
	MaxDocuments       int // 0 means no hard limit
	Resume             bool
	ReportInterval     time.Duration
	ShutdownGrace      time.Duration

	// Rate governor
	EgressRate       float64
	EgressBurst      int
	GlobalRate       float64
	GlobalBurst      int
	EgressIdentities []string

	// Fetch worker / HTTP transport
	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	RetryFactor     float64
	RetryJitter     float64
	RetryPenalty429 float64
	UserAgent       string
	MaxRedirects    int

	// Quality gates
	MinBytes int64
	MaxBytes int64

	// Local cache / checkpoint
	CacheRoot              string
	CheckpointPath         string
	MinFreeBytes           int64
	FreeSpaceCheckInterval time.Duration

	// Headless browser pool
	BrowserPoolSize    int
	BrowserMaxRequests int

	// Cloud upload intent (out of scope beyond the intent row)
	S3Bucket string
	S3Region string
}

// Load builds a Config from the environment, applying the defaults in
// spec §6.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "./collector.db"),

		Workers:            getEnvInt("WORKERS", 5),
		BatchSize:          getEnvInt("BATCH_SIZE", 100),
		CheckpointInterval: getEnvInt("CHECKPOINT_INTERVAL", 100),
		MaxDocuments:       getEnvInt("MAX_DOCUMENTS", 0),
		Resume:             getEnvBool("RESUME", true),
		ReportInterval:     getEnvDuration("REPORT_INTERVAL", 10*time.Second),
		ShutdownGrace:      getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),

		EgressRate:       getEnvFloat("EGRESS_RATE", 2.0),
		EgressBurst:      getEnvInt("EGRESS_BURST", 2),
		GlobalBurst:      getEnvInt("GLOBAL_BURST", 0), // resolved below
		EgressIdentities: getEnvList("EGRESS_IDENTITIES", nil),

		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 10*time.Second),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		RetryBase:       getEnvDuration("RETRY_BASE", 1*time.Second),
		RetryFactor:     getEnvFloat("RETRY_FACTOR", 2.0),
		RetryJitter:     getEnvFloat("RETRY_JITTER", 0.25),
		RetryPenalty429: getEnvFloat("RETRY_PENALTY_429", 4.0),
		UserAgent:       getEnv("USER_AGENT", "LawCorpusCollector/1.0 (+https://example.org/bot)"),
		MaxRedirects:    getEnvInt("MAX_REDIRECTS", 5),

		MinBytes: int64(getEnvInt("MIN_BYTES", 1024)),
		MaxBytes: int64(getEnvInt("MAX_BYTES", 100*1024*1024)),

		CacheRoot:              getEnv("CACHE_ROOT", "./cache"),
		CheckpointPath:         getEnv("CHECKPOINT_PATH", "./checkpoint/progress.json"),
		MinFreeBytes:           int64(getEnvInt("MIN_FREE_BYTES", 1024*1024*1024)),
		FreeSpaceCheckInterval: getEnvDuration("FREE_SPACE_CHECK_INTERVAL", time.Minute),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 10),
		BrowserMaxRequests: getEnvInt("BROWSER_MAX_REQUESTS", 500),

		S3Bucket: getEnv("S3_BUCKET", ""),
		S3Region: getEnv("AWS_REGION", "us-east-1"),
	}

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("config: WORKERS must be >= 1, got %d", cfg.Workers)
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = getEnvFloat("GLOBAL_RATE", float64(cfg.Workers)*cfg.EgressRate)
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = getEnvInt("GLOBAL_BURST", cfg.Workers)
	}
	if len(cfg.EgressIdentities) == 0 {
		cfg.EgressIdentities = []string{"default"}
	}

	return cfg, nil
}

// SafeWorkerCount returns the effective worker count once clamped to
// what the configured set of egress identities can sustain: at most
// three workers per egress identity (an empty list counts as one), and
// never more than Workers.
func (c *Config) SafeWorkerCount() int {
	n := len(c.EgressIdentities)
	if n <= 0 {
		n = 1
	}
	perEgress := 3
	safe := n * perEgress
	if c.Workers < safe {
		return c.Workers
	}
	return safe
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	start := 0
	for i := 0; i <= len(val); i++ {
		if i == len(val) || val[i] == ',' {
			if i > start {
				out = append(out, val[start:i])
			}
			start = i + 1
		}
	}
	return out
}
