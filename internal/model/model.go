// Package model defines the core entities the collection engine moves
// between the catalog, the fetch pipeline, and the local cache.
package model

import "time"

// StorageTier records where an artifact's bytes currently live.
type StorageTier string

const (
	StorageTierLocal  StorageTier = "local"
	StorageTierRemote StorageTier = "remote"
	StorageTierBoth   StorageTier = "both"
)

// UploadStatus tracks the (out-of-scope) cloud upload tier.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)

// Verdict is the URL classifier's decision for a source URL.
type Verdict string

const (
	VerdictDirect      Verdict = "direct"
	VerdictRendered    Verdict = "rendered"
	VerdictUnfetchable Verdict = "unfetchable"
)

// Document is a catalog row. It is created by the (out of scope) seed
// collector and is immutable from the engine's point of view except for
// UpdatedAt.
type Document struct {
	ID           int64
	SourceURL    string
	Site         string
	Title        string
	Year         *int
	DocumentType *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FileStorage is an artifact row, one-to-many from Document.
type FileStorage struct {
	ID               int64
	DocumentID       int64
	VersionNumber    int
	ContentHash      string // hex-encoded SHA-256
	ByteSize         int64
	StorageTier      StorageTier
	CachePath        string
	UploadStatus     UploadStatus
	IsCurrentVersion bool
	QualityTier      *string // nullable slot filled by downstream extraction
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WorkItem is the ephemeral unit of dispatch: one document plus whatever
// the classifier and retry loop have learned about it so far. It has no
// persisted form.
type WorkItem struct {
	DocumentID    int64
	SourceURL     string
	Verdict       Verdict
	RetryCount    int
	CorrelationID string
}

// OutcomeKind classifies how a WorkItem's processing ended.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome is the result the dispatcher's progress accounting consumes
// for a single completed WorkItem.
type Outcome struct {
	DocumentID int64
	Kind       OutcomeKind
	Artifact   *FileStorage // set only when Kind == OutcomeSucceeded
	Reason     string       // structured failure reason, empty on success
	Duration   time.Duration
}

// ArtifactMetadata is what a fetch worker hands the catalog gateway to
// persist after all quality gates have passed.
type ArtifactMetadata struct {
	ContentHash string
	ByteSize    int64
	CachePath   string
	StorageTier StorageTier
}
