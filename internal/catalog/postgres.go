package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lawcorpus/collector/internal/model"
)

// schemaSQL creates the two tables the core depends on (spec §3, §6)
// plus the two record-only side tables SPEC_FULL.md adds for the
// upload-intent and per-run-failure bookkeeping the out-of-scope
// uploader and summary report consume.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	source_url TEXT NOT NULL,
	site TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	year INTEGER,
	document_type TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_source_url ON documents(source_url);

CREATE TABLE IF NOT EXISTS file_storage (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	version_number INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	byte_size BIGINT NOT NULL,
	storage_tier TEXT NOT NULL DEFAULT 'local',
	cache_path TEXT NOT NULL,
	upload_status TEXT NOT NULL DEFAULT 'pending',
	is_current_version BOOLEAN NOT NULL DEFAULT true,
	quality_tier TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (content_hash),
	UNIQUE (document_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_file_storage_document_id ON file_storage(document_id);

CREATE TABLE IF NOT EXISTS upload_intents (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	content_hash TEXT NOT NULL,
	desired_tier TEXT NOT NULL DEFAULT 'remote',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fetch_failures (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL,
	reason_kind TEXT NOT NULL,
	reason_detail TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresGateway is the reference Catalog Gateway implementation,
// grounded on services/downloader/cmd/postgres.go's pgxpool usage.
type PostgresGateway struct {
	pool                *pgxpool.Pool
	unfetchablePatterns []string
	recordFailures      bool
}

// PostgresOptions configures optional PostgresGateway behavior.
type PostgresOptions struct {
	// MinPoolSize should be >= workers+2 per spec §4.1.
	MinPoolSize int
	// UnfetchablePatterns are source_url substrings excluded from
	// FetchPendingBatch (spec §4.5's unfetchable classifier verdict,
	// pushed down into the query so those rows never even reach a
	// worker).
	UnfetchablePatterns []string
	// RecordFailures enables writes to the per-run fetch_failures table.
	RecordFailures bool
}

// NewPostgresGateway connects to dsn, sized per opts.MinPoolSize, and
// ensures the schema exists.
func NewPostgresGateway(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresGateway, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog dsn: %w", err)
	}
	if opts.MinPoolSize > 0 {
		poolCfg.MinConns = int32(opts.MinPoolSize)
		if poolCfg.MaxConns < poolCfg.MinConns {
			poolCfg.MaxConns = poolCfg.MinConns
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating catalog connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing catalog schema: %w", err)
	}

	return &PostgresGateway{
		pool:                pool,
		unfetchablePatterns: opts.UnfetchablePatterns,
		recordFailures:      opts.RecordFailures,
	}, nil
}

// Close releases the connection pool.
func (g *PostgresGateway) Close() error {
	g.pool.Close()
	return nil
}

func isRetryablePostgresErr(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// CountPending returns the number of documents with no current
// FileStorage row and a fetchable source_url.
func (g *PostgresGateway) CountPending(ctx context.Context) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM documents d
		WHERE NOT EXISTS (
			SELECT 1 FROM file_storage f
			WHERE f.document_id = d.id AND f.is_current_version
		)` + g.unfetchableClause("d.source_url")

	err := withRetry(ctx, defaultRetry, isRetryablePostgresErr, func() error {
		return g.pool.QueryRow(ctx, query).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return count, nil
}

func (g *PostgresGateway) unfetchableClause(column string) string {
	if len(g.unfetchablePatterns) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range g.unfetchablePatterns {
		fmt.Fprintf(&sb, " AND %s NOT LIKE '%%%s%%'", column, strings.ReplaceAll(p, "'", "''"))
	}
	return sb.String()
}

// FetchPendingBatch streams up to limit documents ordered by id
// ascending, skipping documents with a current FileStorage row or an
// unfetchable source_url.
func (g *PostgresGateway) FetchPendingBatch(ctx context.Context, limit int) ([]PendingDocument, error) {
	query := `
		SELECT d.id, d.source_url FROM documents d
		WHERE NOT EXISTS (
			SELECT 1 FROM file_storage f
			WHERE f.document_id = d.id AND f.is_current_version
		)` + g.unfetchableClause("d.source_url") + `
		ORDER BY d.id ASC
		LIMIT $1`

	var batch []PendingDocument
	err := withRetry(ctx, defaultRetry, isRetryablePostgresErr, func() error {
		batch = nil
		rows, err := g.pool.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pd PendingDocument
			if err := rows.Scan(&pd.DocumentID, &pd.SourceURL); err != nil {
				return err
			}
			batch = append(batch, pd)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return batch, nil
}

// RecordSuccess inserts a new FileStorage row (version 1, or N+1 if the
// document already has successful rows), flips is_current_version in
// the same transaction, and bumps the document's updated_at. On a
// content_hash uniqueness conflict it returns InsertOutcomeDuplicate
// without error (spec §4.1).
func (g *PostgresGateway) RecordSuccess(ctx context.Context, documentID int64, meta model.ArtifactMetadata) (InsertOutcome, *model.FileStorage, error) {
	var outcome InsertOutcome
	var row model.FileStorage

	err := withRetry(ctx, defaultRetry, isRetryablePostgresErr, func() error {
		tx, err := g.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var nextVersion int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM file_storage WHERE document_id = $1`,
			documentID).Scan(&nextVersion)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE file_storage SET is_current_version = false WHERE document_id = $1 AND is_current_version`,
			documentID); err != nil {
			return err
		}

		now := time.Now().UTC()
		err = tx.QueryRow(ctx, `
			INSERT INTO file_storage
				(document_id, version_number, content_hash, byte_size, storage_tier, cache_path, upload_status, is_current_version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', true, $7, $7)
			RETURNING id, document_id, version_number, content_hash, byte_size, storage_tier, cache_path, upload_status, is_current_version, created_at, updated_at`,
			documentID, nextVersion, meta.ContentHash, meta.ByteSize, meta.StorageTier, meta.CachePath, now,
		).Scan(&row.ID, &row.DocumentID, &row.VersionNumber, &row.ContentHash, &row.ByteSize,
			&row.StorageTier, &row.CachePath, &row.UploadStatus, &row.IsCurrentVersion, &row.CreatedAt, &row.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				outcome = InsertOutcomeDuplicate
				return nil
			}
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE documents SET updated_at = $1 WHERE id = $2`, now, documentID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO upload_intents (document_id, content_hash, desired_tier, status) VALUES ($1, $2, 'remote', 'pending')`,
			documentID, meta.ContentHash); err != nil {
			return err
		}

		outcome = InsertOutcomeNew
		return tx.Commit(ctx)
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if outcome == InsertOutcomeDuplicate {
		return InsertOutcomeDuplicate, nil, nil
	}
	return InsertOutcomeNew, &row, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// RecordFailure emits a structured log line (handled by the caller via
// the observability package) and optionally appends to fetch_failures.
// It never modifies the catalog rows themselves: failures are retried
// next run (spec §4.1).
func (g *PostgresGateway) RecordFailure(ctx context.Context, documentID int64, reasonKind, reasonDetail string) error {
	if !g.recordFailures {
		return nil
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO fetch_failures (document_id, reason_kind, reason_detail) VALUES ($1, $2, $3)`,
		documentID, reasonKind, reasonDetail)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

var _ Gateway = (*PostgresGateway)(nil)
