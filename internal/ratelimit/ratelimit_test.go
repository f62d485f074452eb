package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEgressSelectorRoundRobin(t *testing.T) {
	s := NewEgressSelector([]string{"a", "b", "c"})
	if s.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", s.Count())
	}
	got := []string{s.Next(), s.Next(), s.Next(), s.Next()}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Next() #%d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEgressSelectorDefaultsWhenEmpty(t *testing.T) {
	s := NewEgressSelector(nil)
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}
	if s.Next() != "default" {
		t.Errorf("Next() = %q, want %q", s.Next(), "default")
	}
}

func TestAcquireRespectsGlobalCeiling(t *testing.T) {
	// A single-token global bucket should let the first Acquire through
	// immediately and force the second to wait roughly one token period.
	g := New(Config{
		EgressRate: 100, EgressBurst: 10,
		GlobalRate: 2, GlobalBurst: 1,
		WaitTimeout: time.Second,
	})

	ctx := context.Background()
	if err := g.Acquire(ctx, "site-a"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	start := time.Now()
	if err := g.Acquire(ctx, "site-b"); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("expected the global bucket to impose a wait, elapsed only %s", elapsed)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	g := New(Config{
		EgressRate: 1, EgressBurst: 1,
		GlobalRate: 1, GlobalBurst: 1,
		WaitTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	if err := g.Acquire(ctx, "slow"); err != nil {
		t.Fatalf("first Acquire should succeed: %v", err)
	}
	if err := g.Acquire(ctx, "slow"); !errors.Is(err, ErrTimeout) {
		t.Errorf("second Acquire error = %v, want ErrTimeout", err)
	}
}

func TestAcquireReportsCancellation(t *testing.T) {
	g := New(Config{EgressRate: 1, EgressBurst: 1, GlobalRate: 1, GlobalBurst: 1, WaitTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Acquire(ctx, "any"); !errors.Is(err, ErrCancelled) {
		t.Errorf("Acquire on a cancelled context = %v, want ErrCancelled", err)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	g := New(Config{EgressRate: 1000, EgressBurst: 1000, GlobalRate: 1000, GlobalBurst: 1000})

	for i := 0; i < 5; i++ {
		if !g.Allow("flaky") {
			t.Fatalf("breaker tripped early on failure #%d", i)
		}
		g.RecordOutcome("flaky", false)
	}
	if g.Allow("flaky") {
		t.Error("expected the breaker to be open after 5 consecutive failures")
	}
}

func TestCircuitBreakerResetsOnSuccess(t *testing.T) {
	g := New(Config{EgressRate: 1000, EgressBurst: 1000, GlobalRate: 1000, GlobalBurst: 1000})

	g.RecordOutcome("recovering", false)
	g.RecordOutcome("recovering", false)
	g.RecordOutcome("recovering", true)
	g.RecordOutcome("recovering", false)
	g.RecordOutcome("recovering", false)
	g.RecordOutcome("recovering", false)
	// A success reset the consecutive-failure counter, so the three
	// failures after it (not five straight from zero) should still leave
	// it closed.
	if !g.Allow("recovering") {
		t.Error("expected the breaker to remain closed after the counter reset")
	}
}

func TestPenalizeEgressDrainsBucket(t *testing.T) {
	g := New(Config{EgressRate: 1, EgressBurst: 5, GlobalRate: 1000, GlobalBurst: 1000, WaitTimeout: 50 * time.Millisecond})
	g.PenalizeEgress("penalized", 5)

	ctx := context.Background()
	if err := g.Acquire(ctx, "penalized"); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected the drained bucket to time out, got %v", err)
	}
}
