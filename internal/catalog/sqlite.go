package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lawcorpus/collector/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_url TEXT NOT NULL,
	site TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	year INTEGER,
	document_type TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_source_url ON documents(source_url);

CREATE TABLE IF NOT EXISTS file_storage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id),
	version_number INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	byte_size INTEGER NOT NULL,
	storage_tier TEXT NOT NULL DEFAULT 'local',
	cache_path TEXT NOT NULL,
	upload_status TEXT NOT NULL DEFAULT 'pending',
	is_current_version INTEGER NOT NULL DEFAULT 1,
	quality_tier TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(content_hash),
	UNIQUE(document_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_file_storage_document_id ON file_storage(document_id);

CREATE TABLE IF NOT EXISTS upload_intents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id),
	content_hash TEXT NOT NULL,
	desired_tier TEXT NOT NULL DEFAULT 'remote',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS fetch_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL,
	reason_kind TEXT NOT NULL,
	reason_detail TEXT NOT NULL,
	occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteGateway is the dev-mode Catalog Gateway, grounded on
// packages/go/database/database.go. modernc.org/sqlite is pure Go so
// this keeps the dev path cgo-free, the way the teacher does.
//
// database/sql serializes writes on a single SQLite connection anyway,
// but SQLITE_BUSY is still possible under WAL-mode readers; a mutex
// keeps RecordSuccess's multi-statement transaction atomic without
// relying on busy_timeout alone.
type SQLiteGateway struct {
	db *sql.DB
	mu sync.Mutex

	unfetchablePatterns []string
	recordFailures      bool
}

// SQLiteOptions configures optional SQLiteGateway behavior.
type SQLiteOptions struct {
	UnfetchablePatterns []string
	RecordFailures      bool
}

// NewSQLiteGateway opens dsn (a file path, or ":memory:" for tests) and
// ensures the schema exists.
func NewSQLiteGateway(dsn string, opts SQLiteOptions) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	// SQLite only tolerates one writer; a single-connection pool avoids
	// SQLITE_BUSY spam from modernc's driver-level connection juggling.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog schema: %w", err)
	}

	return &SQLiteGateway{
		db:                  db,
		unfetchablePatterns: opts.UnfetchablePatterns,
		recordFailures:      opts.RecordFailures,
	}, nil
}

// Close closes the underlying connection.
func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

func isRetryableSQLiteErr(err error) bool {
	// modernc.org/sqlite reports SQLITE_BUSY/SQLITE_LOCKED as plain
	// errors whose message carries the code; busy_timeout handles the
	// common case, so treat anything surviving that as non-retryable
	// except the two lock errors by substring match.
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "SQLITE_LOCKED")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func (g *SQLiteGateway) unfetchableClause(column string) string {
	if len(g.unfetchablePatterns) == 0 {
		return ""
	}
	clause := ""
	for _, p := range g.unfetchablePatterns {
		clause += fmt.Sprintf(" AND %s NOT LIKE '%%%s%%' ESCAPE '\\'", column, escapeLike(p))
	}
	return clause
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' || c == '\'' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// CountPending mirrors PostgresGateway.CountPending.
func (g *SQLiteGateway) CountPending(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM documents d
		WHERE NOT EXISTS (
			SELECT 1 FROM file_storage f
			WHERE f.document_id = d.id AND f.is_current_version = 1
		)` + g.unfetchableClause("d.source_url")

	var count int
	err := withRetry(ctx, defaultRetry, isRetryableSQLiteErr, func() error {
		return g.db.QueryRowContext(ctx, query).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return count, nil
}

// FetchPendingBatch mirrors PostgresGateway.FetchPendingBatch.
func (g *SQLiteGateway) FetchPendingBatch(ctx context.Context, limit int) ([]PendingDocument, error) {
	query := `
		SELECT d.id, d.source_url FROM documents d
		WHERE NOT EXISTS (
			SELECT 1 FROM file_storage f
			WHERE f.document_id = d.id AND f.is_current_version = 1
		)` + g.unfetchableClause("d.source_url") + `
		ORDER BY d.id ASC
		LIMIT ?`

	var batch []PendingDocument
	err := withRetry(ctx, defaultRetry, isRetryableSQLiteErr, func() error {
		batch = nil
		rows, err := g.db.QueryContext(ctx, query, limit)
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

// RecordSuccess mirrors PostgresGateway.RecordSuccess, using SQLite's
// own UNIQUE-constraint error instead of a pg error code.
func (g *SQLiteGateway) RecordSuccess(ctx context.Context, documentID int64, meta model.ArtifactMetadata) (InsertOutcome, *model.FileStorage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var outcome InsertOutcome
	var row model.FileStorage

	err := withRetry(ctx, defaultRetry, isRetryableSQLiteErr, func() error {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var nextVersion int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM file_storage WHERE document_id = ?`,
			documentID).Scan(&nextVersion)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE file_storage SET is_current_version = 0 WHERE document_id = ? AND is_current_version = 1`,
			documentID); err != nil {
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO file_storage
				(document_id, version_number, content_hash, byte_size, storage_tier, cache_path, upload_status, is_current_version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 1, ?, ?)`,
			documentID, nextVersion, meta.ContentHash, meta.ByteSize, meta.StorageTier, meta.CachePath, now, now)
		if err != nil {
			if isUniqueViolationSQLite(err) {
				outcome = InsertOutcomeDuplicate
				return nil
			}
			return err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row = model.FileStorage{
			ID:               id,
			DocumentID:       documentID,
			VersionNumber:    nextVersion,
			ContentHash:      meta.ContentHash,
			ByteSize:         meta.ByteSize,
			StorageTier:      meta.StorageTier,
			CachePath:        meta.CachePath,
			UploadStatus:     model.UploadStatusPending,
			IsCurrentVersion: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if _, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at = ? WHERE id = ?`, now, documentID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO upload_intents (document_id, content_hash, desired_tier, status) VALUES (?, ?, 'remote', 'pending')`,
			documentID, meta.ContentHash); err != nil {
			return err
		}

		outcome = InsertOutcomeNew
		return tx.Commit()
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if outcome == InsertOutcomeDuplicate {
		return InsertOutcomeDuplicate, nil, nil
	}
	return InsertOutcomeNew, &row, nil
}

func isUniqueViolationSQLite(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "SQLITE_CONSTRAINT")
}

// RecordFailure mirrors PostgresGateway.RecordFailure.
func (g *SQLiteGateway) RecordFailure(ctx context.Context, documentID int64, reasonKind, reasonDetail string) error {
	if !g.recordFailures {
		return nil
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO fetch_failures (document_id, reason_kind, reason_detail) VALUES (?, ?, ?)`,
		documentID, reasonKind, reasonDetail)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

// SeedDocument inserts a document row directly; used by tests and by
// the one-off ingestion tooling that populates the catalog ahead of a
// collection run (SPEC_FULL.md treats document discovery as a
// separate, out-of-scope producer).
func (g *SQLiteGateway) SeedDocument(ctx context.Context, sourceURL, site string) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO documents (source_url, site) VALUES (?, ?)`, sourceURL, site)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

var _ Gateway = (*SQLiteGateway)(nil)
