// Package quality implements the ordered, short-circuiting gate chain
// applied to every fetched artifact before it is persisted (spec §4.6).
// Gates 1-4 are implemented here; gates 5-8 belong to the downstream
// extraction/upload subsystem and are represented only by the nullable
// FileStorage.QualityTier slot.
package quality

import (
	"bytes"
	"fmt"
	"time"
	"unicode/utf8"
)

// Reason is a structured, short-circuiting failure reason. Kind
// distinguishes transient (retryable) from terminal (not retried this
// run) outcomes per spec §7's error taxonomy.
type Reason struct {
	Gate   string
	Kind   Kind
	Detail string
}

func (r Reason) Error() string {
	return fmt.Sprintf("%s gate failed (%s): %s", r.Gate, r.Kind, r.Detail)
}

// Kind distinguishes why a gate failed.
type Kind string

const (
	KindTransient Kind = "transient"
	KindTerminal  Kind = "terminal"
)

// ExpectedType tells Gate 2 what shape the payload should have.
type ExpectedType string

const (
	ExpectedPDF  ExpectedType = "pdf"
	ExpectedHTML ExpectedType = "html"
	ExpectedAny  ExpectedType = "any"
)

// HTTPResponse carries what Gate 1 needs to know about the fetch.
type HTTPResponse struct {
	StatusCode    int
	ContentLength int64
	ResponseTime  time.Duration
}

// Limits configures the numeric thresholds gates check against.
type Limits struct {
	MinBytes int64
	MaxBytes int64
	MaxTime  time.Duration
}

var pdfMagic = []byte("%PDF-")

// CheckHTTPResponse is Gate 1: status == 200 (other 2xx also pass),
// content length >= min_bytes, response time <= max_time.
func CheckHTTPResponse(resp HTTPResponse, limits Limits) error {
	switch {
	case resp.StatusCode == 200:
		// fast path, fall through to the size/time checks below
	case resp.StatusCode > 200 && resp.StatusCode < 300:
		// other 2xx: treat as success per spec §4.4
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return Reason{Gate: "http_response", Kind: KindTransient,
			Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return Reason{Gate: "http_response", Kind: KindTerminal,
			Detail: fmt.Sprintf("redirect slipped through: status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Reason{Gate: "http_response", Kind: KindTerminal,
			Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	default:
		return Reason{Gate: "http_response", Kind: KindTerminal,
			Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	if resp.ContentLength >= 0 && resp.ContentLength < limits.MinBytes {
		return Reason{Gate: "http_response", Kind: KindTerminal,
			Detail: fmt.Sprintf("content length %d below minimum %d", resp.ContentLength, limits.MinBytes)}
	}
	if limits.MaxTime > 0 && resp.ResponseTime > limits.MaxTime {
		return Reason{Gate: "http_response", Kind: KindTransient,
			Detail: fmt.Sprintf("response time %s exceeded max %s", resp.ResponseTime, limits.MaxTime)}
	}
	return nil
}

// CheckPayload is Gate 2: body magic/headers match the expected type,
// size within max_bytes.
func CheckPayload(body []byte, expected ExpectedType, limits Limits) error {
	size := int64(len(body))
	if limits.MaxBytes > 0 && size > limits.MaxBytes {
		return Reason{Gate: "payload_type", Kind: KindTerminal,
			Detail: fmt.Sprintf("size %d exceeds max %d", size, limits.MaxBytes)}
	}

	switch expected {
	case ExpectedPDF:
		if !bytes.HasPrefix(body, pdfMagic) {
			return Reason{Gate: "payload_type", Kind: KindTerminal,
				Detail: "missing %PDF- magic bytes"}
		}
	case ExpectedHTML:
		if len(body) == 0 {
			return Reason{Gate: "payload_type", Kind: KindTerminal, Detail: "empty body"}
		}
		prefixLen := 4096
		if prefixLen > len(body) {
			prefixLen = len(body)
		}
		if !utf8.Valid(body[:prefixLen]) {
			return Reason{Gate: "payload_type", Kind: KindTerminal,
				Detail: "body prefix is not valid UTF-8"}
		}
	case ExpectedAny:
		// no shape requirement
	}
	return nil
}

// WriteIntegrity is Gate 3: the file on disk has the expected size and
// the write was durably flushed. staged wraps the already-completed
// write (size comparison + fsync outcome); this gate is pure verification,
// performed after the one allowed disk write in the pipeline.
type WriteIntegrity struct {
	ExpectedSize int64
	ActualSize   int64
	FsyncErr     error
}

// CheckWriteIntegrity is Gate 3.
func CheckWriteIntegrity(w WriteIntegrity) error {
	if w.FsyncErr != nil {
		return Reason{Gate: "write_integrity", Kind: KindTransient,
			Detail: fmt.Sprintf("fsync failed: %v", w.FsyncErr)}
	}
	if w.ActualSize != w.ExpectedSize {
		return Reason{Gate: "write_integrity", Kind: KindTransient,
			Detail: fmt.Sprintf("on-disk size %d != expected %d", w.ActualSize, w.ExpectedSize)}
	}
	return nil
}

// CheckHashUniqueness is Gate 4: insertion did not conflict, or the
// conflict was against a byte-identical prior artifact (a duplicate is
// not a gate failure — callers translate it to model.OutcomeDuplicate
// rather than calling this at all in that case). This gate exists to
// reject the one case that IS a failure: a hash collision against a
// row whose recorded size differs, which would indicate corruption
// upstream rather than a legitimate duplicate.
func CheckHashUniqueness(newSize, existingSize int64) error {
	if newSize != existingSize {
		return Reason{Gate: "hash_uniqueness", Kind: KindTerminal,
			Detail: fmt.Sprintf("hash collision with differing size: new=%d existing=%d", newSize, existingSize)}
	}
	return nil
}

// Chain runs gates 1-2 in order, short-circuiting on the first failure.
// Gate 3 (CheckWriteIntegrity) is called by the fetch worker after the
// artifact is staged. Gate 4 (CheckHashUniqueness) has no caller in
// this repository: the catalog gateway reports a content_hash conflict
// as a duplicate without comparing sizes.
type Chain struct {
	Limits Limits
}

// NewChain builds a Chain from the engine's configured byte limits.
func NewChain(limits Limits) *Chain {
	return &Chain{Limits: limits}
}

// RunHTTPAndPayload runs Gates 1-2 back to back, as the fetch worker
// does immediately after reading the response body.
func (c *Chain) RunHTTPAndPayload(resp HTTPResponse, body []byte, expected ExpectedType) error {
	if err := CheckHTTPResponse(resp, c.Limits); err != nil {
		return err
	}
	if err := CheckPayload(body, expected, c.Limits); err != nil {
		return err
	}
	return nil
}
