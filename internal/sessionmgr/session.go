package sessionmgr

import "context"

// Event is broadcast to subscribers of a session's event stream
// (spec.md §6 "Event: {type:\"event\", sessionId, event}").
type Event struct {
	SessionID string
	Type      string
	Payload   any
}

// AgentSession is the opaque per-session object spec.md §9 describes:
// "interface with dispose, subscribe(callback)->unsubscribe, and
// per-command methods the router dispatches to". The core never
// introspects its internals; it only disposes it, subscribes to it,
// and routes commands into it.
type AgentSession interface {
	ID() string
	// HandleCommand executes a per-session command and returns
	// response data or an error. cmdType is never one of the
	// server-level commands (those are handled by Manager directly).
	HandleCommand(ctx context.Context, cmdType string, payload map[string]any) (any, error)
	// Subscribe registers a callback for this session's event stream
	// and returns an unsubscribe function.
	Subscribe(cb func(Event)) (unsubscribe func())
	// Dispose releases any resources the session holds. Called exactly
	// once, on deletion.
	Dispose() error
}

// Factory creates a new AgentSession for the create_session command. Supplied by the
// host process; the core never constructs a session itself, since the
// agent session implementation is explicitly out of scope (spec.md §1).
type Factory func(ctx context.Context, sessionID string, opts map[string]any) (AgentSession, error)
