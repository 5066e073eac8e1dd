package upstreams

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state of a single upstream.
type BreakerState string

const (
	// BreakerClosed lets queries through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen skips the upstream until the cool-down elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single trial query through.
	BreakerHalfOpen BreakerState = "half-open"
)

// breaker is a per-upstream circuit breaker. Consecutive failures open
// the circuit; after the cool-down one trial query is allowed, and its
// outcome decides between closing the circuit again and re-opening it.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool // a half-open trial is in flight
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	return &breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            BreakerClosed,
	}
}

// Allow reports whether a query may be sent. In the half-open state
// only one in-flight trial is admitted at a time.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess resets the breaker to closed.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure and opens the circuit at the
// threshold. A failed half-open trial re-opens immediately.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// ForceAllow admits a trial query regardless of the cool-down, moving
// the breaker to half-open as if the cool-down had elapsed.
func (b *breaker) ForceAllow() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerHalfOpen
	b.probing = true
}

// OpenedAt returns when the circuit last opened.
func (b *breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// State returns the current breaker state without side effects.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
