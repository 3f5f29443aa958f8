// Package sessionver implements the session version store (spec.md
// §4.2): a per-session monotonic counter used for optimistic
// concurrency and response stamping.
package sessionver

import (
	"sync"

	"github.com/ehrlich-b/wingmux/internal/command"
)

// Mutator decides whether a command type advances a session's version.
// Satisfied by *command.Classifier.
type Mutator interface {
	IsMutation(cmdType string) bool
}

// Store is a mutex-protected map[sessionID]version. Missing entries are
// treated as version 0 on read (spec.md §4.2 "missing entries are
// treated as 0").
type Store struct {
	mu       sync.RWMutex
	versions map[string]int64
	mutator  Mutator
}

// New builds an empty version store.
func New(mutator Mutator) *Store {
	return &Store{
		versions: make(map[string]int64),
		mutator:  mutator,
	}
}

// GetVersion returns the current version for id, or 0 if unknown.
func (s *Store) GetVersion(id string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[id]
}

// HasVersion reports whether id has an explicit entry (i.e. a live
// session, per invariant I1).
func (s *Store) HasVersion(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.versions[id]
	return ok
}

// Initialize creates a version entry at 0 for id and returns it.
func (s *Store) Initialize(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = 0
	return 0
}

// Increment bumps id's version by one and returns the new value.
// Missing entries start from 0.
func (s *Store) Increment(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.versions[id] + 1
	s.versions[id] = next
	return next
}

// Set forces id's version to v.
func (s *Store) Set(id string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = v
}

// Delete removes id's version entry (called on session deletion).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, id)
}

// Clear removes every version entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make(map[string]int64)
}

// IsMutation delegates to the configured Mutator.
func (s *Store) IsMutation(cmdType string) bool {
	return s.mutator.IsMutation(cmdType)
}

// ApplyVersion implements the stamping contract of spec.md §4.2:
//
//   - a failed response is returned unchanged;
//   - a successful create_session initializes the entry at 0 and
//     stamps sessionVersion=0;
//   - a successful delete_session removes the entry and returns the
//     response unchanged (no version stamp);
//   - otherwise, for a session command, the version is bumped (if the
//     command type is a mutation) or left alone (read-only / special),
//     then stamped on the response;
//   - server-level commands without a session id are returned
//     unchanged.
func (s *Store) ApplyVersion(env *command.Envelope, resp *command.Response) *command.Response {
	if !resp.Success {
		return resp
	}

	switch env.Type {
	case "create_session":
		v := s.Initialize(env.SessionID)
		resp.SessionVersion = &v
		return resp
	case "delete_session":
		s.Delete(env.SessionID)
		return resp
	}

	if !env.HasSession() {
		return resp
	}

	var next int64
	if s.IsMutation(env.Type) {
		next = s.Increment(env.SessionID)
	} else {
		next = s.GetVersion(env.SessionID)
	}
	resp.SessionVersion = &next
	return resp
}

// Snapshot returns a copy of the version map, for diagnostics/metrics.
// Grounded on the teacher's snapshot-copy accessor convention
// (internal/relay WingRegistry-style read-locked copies).
func (s *Store) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.versions))
	for k, v := range s.versions {
		out[k] = v
	}
	return out
}
