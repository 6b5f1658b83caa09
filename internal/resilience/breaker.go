// Package resilience provides circuit-breaker and collaborator-failover
// primitives for the external speech and reply services.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// keeps a flapping collaborator from dragging every in-flight call down with
// it. [Group] composes multiple instances of any collaborator type with
// per-entry breakers so a failing primary is bypassed in favour of healthy
// fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cool-down has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls. Normal operation.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrOpen] until the cool-down elapses.
	BreakerOpen

	// BreakerHalfOpen allows a limited number of probe calls; the breaker
	// closes if they succeed and re-opens on the first failure.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero-valued fields are
// replaced with defaults by [NewBreaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Threshold is the number of consecutive failures that trips the
	// breaker. Default: 3.
	Threshold int

	// CoolDown is how long the breaker stays open before probing again.
	// Default: 15s.
	CoolDown time.Duration

	// ProbeMax is the number of probe calls permitted in the half-open
	// state. Default: 2.
	ProbeMax int
}

// Breaker implements the three-state circuit breaker pattern.
// Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	probeMax  int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probeCalls  int
	probeFails  int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 15 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 2
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		probeMax:  cfg.ProbeMax,
		state:     BreakerClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn; in the half-open state only the probe budget gets
// through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.coolDown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("circuit half-open, probing", "breaker", b.name)

	case BreakerHalfOpen:
		if b.probeCalls >= b.probeMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == BreakerHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		// One bad probe is enough to re-open.
		b.probeFails++
		b.state = BreakerOpen
		b.failures = b.threshold
		slog.Warn("circuit re-opened after failed probe", "breaker", b.name)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		slog.Warn("circuit opened", "breaker", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probeMax {
			b.state = BreakerClosed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit closed after successful probes", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose cool-down
// has elapsed reports half-open; the real transition happens on the next
// [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
