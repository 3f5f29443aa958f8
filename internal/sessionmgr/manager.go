// Package sessionmgr implements the Session Manager shell of spec.md
// §4.6: a thin façade owning session lifecycle, subscriber fan-out, and
// the server-level commands, routing everything else to the execution
// engine via the engine.Dispatcher/engine.SessionResolver interfaces.
package sessionmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wingmux/internal/breaker"
	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/engine"
	"github.com/ehrlich-b/wingmux/internal/replay"
	"github.com/ehrlich-b/wingmux/internal/sessionver"
)

type sessionEntry struct {
	session     AgentSession
	unsubscribe func()
	createdAt   time.Time
}

// subscriber is a dashboard/client subscriber with its session
// selections, grounded on the teacher's eventSub/WingRegistry shape
// (internal/relay/workers.go): a channel plus a membership set, with
// dual-indexed lookup for O(1) fan-out.
type subscriber struct {
	id         string
	ch         chan Event
	sessionIDs map[string]struct{}
}

// Manager owns the session map and subscriber set (spec.md §4.6).
type Manager struct {
	factory  Factory
	versions *sessionver.Store

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	// engine, replay, and breaker are wired in after construction via
	// WireObservers, since Engine construction takes Manager as its
	// SessionResolver/Dispatcher and so must happen after New.
	engine  *engine.Engine
	replay  *replay.Store
	breaker *breaker.Hybrid

	subMu       sync.RWMutex
	subs        map[string]*subscriber
	sessionSubs map[string]map[string]*subscriber // sessionID -> subscriberID -> subscriber

	startedAt time.Time
}

// New builds a Manager. factory constructs the opaque per-session
// object for create_session; versions is the same *sessionver.Store
// instance wired into the Engine, so Manager can participate in
// deletion cleanup.
func New(factory Factory, versions *sessionver.Store) *Manager {
	if factory == nil {
		factory = NewMemorySession
	}
	return &Manager{
		factory:     factory,
		versions:    versions,
		sessions:    make(map[string]*sessionEntry),
		subs:        make(map[string]*subscriber),
		sessionSubs: make(map[string]map[string]*subscriber),
		startedAt:   time.Now(),
	}
}

// Resolve implements engine.SessionResolver.
func (m *Manager) Resolve(sessionID string) (engine.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Dispatch implements engine.Dispatcher, routing server-level commands
// to Manager methods and everything else to the resolved session's
// HandleCommand.
func (m *Manager) Dispatch(ctx context.Context, env *command.Envelope) (any, error) {
	switch env.Type {
	case "create_session":
		return m.createSession(ctx, env)
	case "delete_session":
		return m.deleteSession(env.SessionID)
	case "list_sessions":
		return m.listSessions(), nil
	case "switch_session":
		return m.switchSession(env.SessionID)
	case "get_metrics":
		return m.metricsSnapshot(), nil
	case "health_check":
		return m.healthCheck(), nil
	default:
		return m.dispatchToSession(ctx, env)
	}
}

func (m *Manager) dispatchToSession(ctx context.Context, env *command.Envelope) (any, error) {
	m.mu.RLock()
	entry, ok := m.sessions[env.SessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown_session: %q", env.SessionID)
	}
	return entry.session.HandleCommand(ctx, env.Type, env.Raw())
}

// createSession constructs a new session, assigns it a fresh id, and
// writes that id back onto env so the engine's subsequent version
// stamping (sessionver.Store.ApplyVersion) and outcome recording use
// the right session (spec.md §4.2: "successful create_session success,
// initialize at 0").
func (m *Manager) createSession(ctx context.Context, env *command.Envelope) (any, error) {
	id := uuid.New().String()

	sess, err := m.factory(ctx, id, env.Raw())
	if err != nil {
		return nil, fmt.Errorf("create_session: %w", err)
	}

	entry := &sessionEntry{session: sess, createdAt: time.Now()}
	entry.unsubscribe = sess.Subscribe(func(ev Event) { m.broadcast(ev) })

	m.mu.Lock()
	m.sessions[id] = entry
	m.mu.Unlock()

	env.SessionID = id
	return map[string]any{"sessionId": id}, nil
}

// deleteSession performs the teardown sequence of spec.md §4.6: cancel
// pending UI requests (nothing tracked at this layer beyond the session
// itself), unsubscribe from the session's event stream, dispose it,
// remove its version entry, and scrub subscriber memberships.
func (m *Manager) deleteSession(sessionID string) (any, error) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown_session: %q", sessionID)
	}

	entry.unsubscribe()
	if err := entry.session.Dispose(); err != nil {
		return nil, fmt.Errorf("dispose session %q: %w", sessionID, err)
	}

	m.versions.Delete(sessionID)
	m.scrubSubscriptions(sessionID)

	return map[string]any{"sessionId": sessionID}, nil
}

func (m *Manager) listSessions() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return map[string]any{"sessions": ids}
}

func (m *Manager) switchSession(sessionID string) (any, error) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown_session: %q", sessionID)
	}
	return map[string]any{"sessionId": sessionID}, nil
}

func (m *Manager) healthCheck() map[string]any {
	m.mu.RLock()
	count := len(m.sessions)
	m.mu.RUnlock()
	return map[string]any{
		"ok":             true,
		"uptimeSeconds":  int64(time.Since(m.startedAt).Seconds()),
		"sessionCount":   count,
	}
}

// SessionCount reports the number of live sessions, for metrics/tests.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
