// Package ratelimit enforces the per-egress and global request-rate
// ceilings described in spec §4.3: a small number of egress identities,
// each capable of only a couple of requests per second before the
// target domain starts failing requests outright.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned when a token could not be acquired within the
// configured wait budget. Callers treat this as a retryable fetch
// failure (spec §4.4: "surfaces a RateLimitTimeout").
var ErrTimeout = errors.New("ratelimit: timed out waiting for a token")

// ErrCancelled is returned when the caller's context was cancelled
// while waiting for a token.
var ErrCancelled = errors.New("ratelimit: wait cancelled")

// Config configures a Governor.
type Config struct {
	EgressRate  float64       // tokens/sec per egress identity
	EgressBurst int           // bucket capacity per egress identity
	GlobalRate  float64       // tokens/sec across the whole process
	GlobalBurst int           // global bucket capacity
	WaitTimeout time.Duration // how long Acquire blocks before ErrTimeout
}

// Governor owns one token bucket per egress identity plus a single
// global bucket, and a circuit breaker per egress identity that opens
// on a run of rate-limit/server errors so a misbehaving egress stops
// being hammered even while tokens remain.
type Governor struct {
	cfg      Config
	mu       sync.Mutex
	egress   map[string]*rate.Limiter
	global   *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Governor. Egress buckets are created lazily on first
// use so the identity set doesn't need to be known up front.
func New(cfg Config) *Governor {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Governor{
		cfg:      cfg,
		egress:   make(map[string]*rate.Limiter),
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (g *Governor) limiterFor(identity string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.egress[identity]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.EgressRate), g.cfg.EgressBurst)
		g.egress[identity] = l
	}
	return l
}

func (g *Governor) breakerFor(identity string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[identity]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "egress:" + identity,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		g.breakers[identity] = b
	}
	return b
}

// Acquire blocks until one token has been taken from the named egress
// bucket and one from the global bucket, or returns an error. Per spec
// §4.3, the egress token is acquired first, then the global token.
// Cancellation propagates promptly via ctx.
func (g *Governor) Acquire(ctx context.Context, egressIdentity string) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.WaitTimeout)
	defer cancel()

	if err := g.limiterFor(egressIdentity).Wait(waitCtx); err != nil {
		return classifyWaitErr(ctx, err)
	}
	if err := g.global.Wait(waitCtx); err != nil {
		return classifyWaitErr(ctx, err)
	}
	return nil
}

func classifyWaitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return ErrCancelled
	}
	return ErrTimeout
}

// Allow reports whether egressIdentity's breaker currently permits a
// request, without consuming a token. Callers check this before calling
// Acquire so a tripped breaker fails fast instead of waiting on tokens
// that would just lead to another failed request.
func (g *Governor) Allow(egressIdentity string) bool {
	return g.breakerFor(egressIdentity).State() != gobreaker.StateOpen
}

// RecordOutcome feeds a request's success/failure into the egress's
// circuit breaker.
func (g *Governor) RecordOutcome(egressIdentity string, success bool) {
	b := g.breakerFor(egressIdentity)
	_, _ = b.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, fmt.Errorf("request failed")
	})
}

// PenalizeEgress drains tokens from an egress's bucket after a 429, so
// the whole egress backs off even if other workers are about to acquire
// (spec §4.4: "subtracts tokens from the egress bucket to throttle the
// whole egress temporarily").
func (g *Governor) PenalizeEgress(egressIdentity string, tokens int) {
	l := g.limiterFor(egressIdentity)
	_ = l.ReserveN(time.Now(), tokens)
}

// EgressSelector hands out the next egress identity to use, round-robin
// over the configured set. The core treats egress provisioning as an
// external collaborator (spec §1) — this is the opaque selector it
// consumes.
type EgressSelector struct {
	mu         sync.Mutex
	identities []string
	next       int
}

// NewEgressSelector builds a round-robin selector over identities. An
// empty slice is treated as a single "default" identity.
func NewEgressSelector(identities []string) *EgressSelector {
	if len(identities) == 0 {
		identities = []string{"default"}
	}
	return &EgressSelector{identities: identities}
}

// Next returns the next egress identity in round-robin order.
func (s *EgressSelector) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.identities[s.next%len(s.identities)]
	s.next++
	return id
}

// Count returns the number of distinct egress identities available.
func (s *EgressSelector) Count() int {
	return len(s.identities)
}
