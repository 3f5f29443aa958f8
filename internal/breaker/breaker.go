// Package breaker implements the generic circuit breaker primitive of
// spec.md §4.4: a closed/open/half-open state machine tracking failures
// in a sliding window, with half-open recovery probing. Only the
// hybrid session+global wrapper in hybrid.go is domain-specific; this
// file is a standalone collaborator the engine could swap out.
package breaker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is one of closed, open, half-open.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config mirrors spec.md §4.4's breaker knobs.
type Config struct {
	FailureThreshold  int           // failures within Window to open
	Window            time.Duration // sliding window for counting failures
	RecoveryTimeout   time.Duration // time in Open before trying HalfOpen
	HalfOpenMaxCalls  int           // concurrent probes allowed while HalfOpen
	SuccessThreshold  int           // consecutive HalfOpen successes to Close
}

// Breaker is a single closed/open/half-open state machine, guarded by
// its own mutex. Grounded on
// brennhill-gasoline-mcp-ai-devtools/internal/capture/circuit_breaker.go's
// mutex-guarded streak-counter shape, generalized from a pure rate
// limiter into the closed/open/half-open machine spec.md describes.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureTimes    []time.Time // sliding window of failure timestamps
	openedAt        time.Time
	halfOpenInFlight int
	halfOpenSuccess  int

	lastAccess time.Time

	backoffPolicy   backoff.BackOff
	currentRecovery time.Duration
}

// New builds a Breaker starting Closed.
func New(cfg Config) *Breaker {
	b := &Breaker{
		cfg:             cfg,
		state:           Closed,
		lastAccess:      time.Now(),
		currentRecovery: cfg.RecoveryTimeout,
	}
	b.backoffPolicy = b.newBackoff()
	return b
}

// newBackoff builds the recovery backoff curve. The breaker doesn't use
// backoff.Retry (there is nothing here to retry automatically — the
// caller drives transitions), it uses the policy's NextBackOff as the
// recovery timeout so repeated trips back off exponentially instead of
// probing at a fixed cadence, grounded on steveyegge-beads's use of
// cenkalti/backoff for retry pacing.
func (b *Breaker) newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.RecoveryTimeout
	eb.RandomizationFactor = 0 // first trip waits exactly RecoveryTimeout
	eb.MaxInterval = b.cfg.RecoveryTimeout * 8
	eb.MaxElapsedTime = 0 // never stop producing intervals
	eb.Reset()            // apply InitialInterval; the constructor reset to its own default
	return eb
}

// touch records access time for cleanupStale.
func (b *Breaker) touch() {
	b.lastAccess = time.Now()
}

// State returns the current state, resolving Open→HalfOpen transitions
// if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveTransitionLocked()
	return b.state
}

func (b *Breaker) resolveTransitionLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.currentRecovery {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
	}
}

// Allow reports whether a call may proceed, and reserves a half-open
// probe slot if the breaker is HalfOpen. Callers that are allowed MUST
// call RecordSuccess or RecordFailure exactly once.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()
	b.resolveTransitionLocked()

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		if b.halfOpenInFlight >= max(b.cfg.HalfOpenMaxCalls, 1) {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// Release gives back a half-open probe slot reserved by Allow without
// counting it as a success or failure, for callers that reserved a
// slot but never actually dispatched the call (e.g. a second gate in a
// hybrid breaker rejected it first).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= max(b.cfg.SuccessThreshold, 1) {
			b.closeLocked()
		}
	case Closed:
		// A clean success narrows the failure window implicitly by
		// pruning below; nothing else to do.
		b.pruneWindowLocked(time.Now())
	}
}

// RecordFailure reports a failed call (spec.md §4.4: only timeouts and
// spawn errors count — non-zero exit codes must never reach this).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touch()

	now := time.Now()
	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		b.openLocked(now)
	case Closed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneWindowLocked(now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.openLocked(now)
		}
	}
}

func (b *Breaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.failureTimes = nil
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0

	// Repeated trips back off the recovery wait exponentially instead
	// of probing at a fixed cadence every time.
	next := b.backoffPolicy.NextBackOff()
	if next == backoff.Stop || next <= 0 {
		next = b.cfg.RecoveryTimeout
	}
	b.currentRecovery = next
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.failureTimes = nil
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
	b.backoffPolicy.Reset()
}

// IdleSince reports how long it has been since this breaker was last
// touched, for cleanupStale.
func (b *Breaker) IdleSince() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastAccess)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
