package breaker

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default thresholds from spec.md §4.4: per-session 10 timeouts / 2
// min, global 50 timeouts / 2 min.
const (
	DefaultSessionFailureThreshold = 10
	DefaultGlobalFailureThreshold  = 50
	DefaultWindow                  = 2 * time.Minute
	DefaultRecoveryTimeout         = 30 * time.Second
	DefaultHalfOpenMaxCalls        = 1
	DefaultSuccessThreshold        = 1
)

// HybridConfig configures both tiers of the hybrid breaker.
type HybridConfig struct {
	Session Config
	Global  Config
	// MaxAlertStates is stored on the Hybrid (defaulting to 10000) but
	// does not limit how many per-session breakers are created: Hybrid
	// never evicts a per-session breaker on its own, and they are
	// removed only by CleanupStale.
	MaxAlertStates int
}

// DefaultHybridConfig returns the spec.md §4.4 defaults.
func DefaultHybridConfig() HybridConfig {
	mk := func(threshold int) Config {
		return Config{
			FailureThreshold: threshold,
			Window:           DefaultWindow,
			RecoveryTimeout:  DefaultRecoveryTimeout,
			HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
			SuccessThreshold: DefaultSuccessThreshold,
		}
	}
	return HybridConfig{
		Session:        mk(DefaultSessionFailureThreshold),
		Global:         mk(DefaultGlobalFailureThreshold),
		MaxAlertStates: 10000,
	}
}

// Hybrid pairs a per-session breaker with one global breaker that
// aggregates failures across all sessions, for shell-executing
// commands (spec.md §4.4). Grounded on the teacher's WingRegistry
// dual-indexed-map shape (internal/relay/workers.go): a per-key map
// plus one aggregate structure, both guarded independently.
type Hybrid struct {
	cfg HybridConfig

	mu       sync.Mutex
	sessions map[string]*Breaker

	global *Breaker

	// probeLimiter throttles how many half-open probes across all
	// sessions may be admitted per second, on top of each breaker's own
	// HalfOpenMaxCalls — a belt-and-suspenders guard against a thundering
	// herd of sessions recovering simultaneously. Grounded on the
	// teacher's use of golang.org/x/time/rate in internal/relay/bandwidth.go.
	probeLimiter *rate.Limiter
}

// NewHybrid builds a Hybrid breaker.
func NewHybrid(cfg HybridConfig) *Hybrid {
	if cfg.MaxAlertStates <= 0 {
		cfg.MaxAlertStates = 10000
	}
	return &Hybrid{
		cfg:          cfg,
		sessions:     make(map[string]*Breaker),
		global:       New(cfg.Global),
		probeLimiter: rate.NewLimiter(rate.Limit(50), 50),
	}
}

func (h *Hybrid) sessionBreaker(sessionID string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.sessions[sessionID]
	if !ok {
		b = New(h.cfg.Session)
		h.sessions[sessionID] = b
	}
	return b
}

// Gate is returned by CanExecute; callers that were allowed must call
// exactly one of Success or Failure.
type Gate struct {
	allowed bool
	reason  string
	session *Breaker
	global  *Breaker
}

// Allowed reports whether the call may proceed.
func (g Gate) Allowed() bool { return g.allowed }

// Reason explains a rejection (empty if Allowed).
func (g Gate) Reason() string { return g.reason }

// Success records a successful (or at least non-timeout) call.
func (g Gate) Success() {
	if g.session != nil {
		g.session.RecordSuccess()
	}
	if g.global != nil {
		g.global.RecordSuccess()
	}
}

// Failure records a timeout or spawn error. Non-zero exit codes are
// legitimate results and must never reach this (spec.md §4.4).
func (g Gate) Failure() {
	if g.session != nil {
		g.session.RecordFailure()
	}
	if g.global != nil {
		g.global.RecordFailure()
	}
}

// CanExecute gates a shell-executing command for sessionID. The session
// breaker is consulted first, then the global one; either being open
// rejects with a reason distinguishing which tier tripped (spec.md
// §4.4, §7 "circuit_open").
func (h *Hybrid) CanExecute(sessionID string) Gate {
	sb := h.sessionBreaker(sessionID)

	if sb.State() == Open {
		return Gate{allowed: false, reason: fmt.Sprintf("session %q circuit open", sessionID)}
	}
	if h.global.State() == Open {
		return Gate{allowed: false, reason: "global circuit open"}
	}

	if (sb.State() == HalfOpen || h.global.State() == HalfOpen) && !h.probeLimiter.Allow() {
		return Gate{allowed: false, reason: "half-open probe budget exhausted"}
	}

	if !sb.Allow() {
		return Gate{allowed: false, reason: fmt.Sprintf("session %q circuit open", sessionID)}
	}
	if !h.global.Allow() {
		sb.Release() // give back the session-side half-open slot we just reserved
		return Gate{allowed: false, reason: "global circuit open"}
	}

	return Gate{allowed: true, session: sb, global: h.global}
}

// CleanupStale reclaims per-session breakers idle for longer than
// maxIdle (spec.md §4.4 "stale session breakers are reclaimed").
func (h *Hybrid) CleanupStale(maxIdle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for id, b := range h.sessions {
		if b.IdleSince() >= maxIdle {
			delete(h.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionState reports the current state of sessionID's breaker
// without creating one if it doesn't exist yet.
func (h *Hybrid) SessionState(sessionID string) (State, bool) {
	h.mu.Lock()
	b, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return Closed, false
	}
	return b.State(), true
}

// GlobalState reports the global breaker's state.
func (h *Hybrid) GlobalState() State {
	return h.global.State()
}
