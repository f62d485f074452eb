package catalog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), defaultRetry, func(error) bool { return true }, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	wantErr := errors.New("terminal")
	calls := 0
	err := withRetry(context.Background(), defaultRetry, func(error) bool { return false }, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for a non-retryable error)", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	policy := retryPolicy{attempts: 3, base: time.Millisecond, factor: 2}
	calls := 0
	err := withRetry(context.Background(), policy, func(error) bool { return true }, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if calls != policy.attempts {
		t.Errorf("calls = %d, want %d", calls, policy.attempts)
	}
}

func TestWithRetryRespectsCancellation(t *testing.T) {
	policy := retryPolicy{attempts: 5, base: time.Second, factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, policy, func(error) bool { return true }, func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls >= policy.attempts {
		t.Errorf("calls = %d, expected cancellation to cut the loop short", calls)
	}
}

func TestJitterDurationStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitterDuration(base, 0.25)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jitterDuration(%s, 0.25) = %s, out of [75ms, 125ms]", base, d)
		}
	}
}

func TestJitterDurationNoopForZeroFraction(t *testing.T) {
	base := 100 * time.Millisecond
	if d := jitterDuration(base, 0); d != base {
		t.Errorf("jitterDuration(_, 0) = %s, want %s", d, base)
	}
}
