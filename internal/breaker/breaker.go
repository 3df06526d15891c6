// Package breaker implements the quota circuit breaker: a single
// process-wide cooldown that short-circuits all upstream LLM calls after a
// quota or rate-limit error from the provider. The protected resource (a
// shared API quota) is itself global, so the breaker is deliberately coarse —
// one per process, not per key.
package breaker

import (
	"math"
	"sync"
	"time"
)

// Breaker has two states: Closed (calls proceed) and Open (calls are
// short-circuited until the cooldown elapses). There is no half-open probe
// state: the first call after expiry is a normal attempt and may re-trip the
// breaker if the upstream is still exhausted.
type Breaker struct {
	mu            sync.Mutex
	cooldownUntil time.Time // zero value = not in cooldown

	now func() time.Time // test hook
}

// New creates a breaker in the Closed state.
func New() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether an upstream call may proceed. When the breaker is
// open it returns false plus the time until the cooldown elapses, rounded up
// and floored at one second — suitable for a Retry-After header.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.cooldownUntil.After(now) {
		return true, 0
	}

	secs := math.Ceil(b.cooldownUntil.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return false, time.Duration(secs) * time.Second
}

// Trip opens the breaker for the given cooldown, replacing any earlier
// deadline. Called when an upstream error is classified as quota exhaustion.
func (b *Breaker) Trip(cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownUntil = b.now().Add(cooldown)
}

// Reset closes the breaker. Called on every successful upstream call;
// idempotent when already closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldownUntil = time.Time{}
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	ok, _ := b.Allow()
	return !ok
}
