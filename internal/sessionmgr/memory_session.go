package sessionmgr

import (
	"context"
	"fmt"
	"sync"
)

// memorySession is the default AgentSession implementation: an
// in-memory transcript with no external process, sufficient for
// exercising the command-execution core end to end without a real
// agent backend wired in (the agent session implementation itself is
// out of scope, spec.md §1).
type memorySession struct {
	id string

	mu       sync.Mutex
	messages []map[string]any
	name     string
	disposed bool

	subMu sync.Mutex
	subs  map[int]func(Event)
	nextSub int
}

// NewMemorySession builds the default in-memory session used unless the
// host supplies its own Factory.
func NewMemorySession(_ context.Context, id string, _ map[string]any) (AgentSession, error) {
	return &memorySession{
		id:   id,
		subs: make(map[int]func(Event)),
	}, nil
}

func (s *memorySession) ID() string { return s.id }

func (s *memorySession) Subscribe(cb func(Event)) func() {
	s.subMu.Lock()
	n := s.nextSub
	s.nextSub++
	s.subs[n] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, n)
		s.subMu.Unlock()
	}
}

func (s *memorySession) emit(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, cb := range s.subs {
		cb(ev)
	}
}

func (s *memorySession) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.messages = nil
	return nil
}

// HandleCommand implements the handful of per-session commands a
// minimal multiplexer needs to be runnable: prompt (mutation),
// get_state/get_messages (read-only query), set_session_name
// (mutation, short timeout per spec.md's open question (a)), and
// extension_ui_response (special, neither mutation nor read-only).
func (s *memorySession) HandleCommand(_ context.Context, cmdType string, payload map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, fmt.Errorf("session disposed")
	}

	switch cmdType {
	case "prompt":
		msg, _ := payload["message"].(string)
		s.messages = append(s.messages, map[string]any{"role": "user", "content": msg})
		reply := fmt.Sprintf("echo: %s", msg)
		s.messages = append(s.messages, map[string]any{"role": "assistant", "content": reply})
		s.emit(Event{SessionID: s.id, Type: "message", Payload: reply})
		return map[string]any{"reply": reply}, nil
	case "get_state":
		return map[string]any{"name": s.name, "messageCount": len(s.messages)}, nil
	case "get_messages":
		out := make([]map[string]any, len(s.messages))
		copy(out, s.messages)
		return map[string]any{"messages": out}, nil
	case "set_session_name":
		name, _ := payload["name"].(string)
		s.name = name
		return map[string]any{"name": name}, nil
	case "extension_ui_response":
		return map[string]any{"acknowledged": true}, nil
	default:
		return nil, fmt.Errorf("unknown_command: %q", cmdType)
	}
}
