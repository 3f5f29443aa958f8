// Package replay implements the command replay store (spec.md §4.3):
// idempotency-key and command-id deduplication, in-flight tracking,
// fingerprint conflict detection, and a bounded outcome history used
// both for replay and for dependency resolution.
package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ehrlich-b/wingmux/internal/command"
)

// DefaultIdempotencyTTL matches spec.md §6's default of 10 minutes.
const DefaultIdempotencyTTL = 10 * time.Minute

// DefaultMaxCommandOutcomes matches spec.md §6's default of 2000.
const DefaultMaxCommandOutcomes = 2000

// DefaultMaxInFlightCommands matches spec.md §6's default of 10000.
const DefaultMaxInFlightCommands = 10000

// InFlightRecord describes a command that has been accepted but has not
// reached a terminal state.
type InFlightRecord struct {
	CommandType string
	LaneKey     string
	Fingerprint string
	Future      *Future
}

// OutcomeRecord is the recorded terminal state of a command, retained
// for deduplication and dependency resolution (spec.md §3).
type OutcomeRecord struct {
	CommandID      string
	CommandType    string
	LaneKey        string
	Fingerprint    string
	Success        bool
	Error          string
	Response       *command.Response
	SessionVersion *int64
	FinishedAt     time.Time
}

type idempotencyEntry struct {
	ExpiresAt   time.Time
	CommandType string
	Fingerprint string
	Response    *command.Response
}

// Config bounds the store's internal structures (spec.md §6).
type Config struct {
	MaxCommandOutcomes  int
	MaxInFlightCommands int
	IdempotencyTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCommandOutcomes <= 0 {
		c.MaxCommandOutcomes = DefaultMaxCommandOutcomes
	}
	if c.MaxInFlightCommands <= 0 {
		c.MaxInFlightCommands = DefaultMaxInFlightCommands
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return c
}

// Store holds the in-flight registry, outcome history, and idempotency
// cache described in spec.md §4.3.
type Store struct {
	cfg Config

	mu              sync.Mutex
	inFlight        map[string]*InFlightRecord
	inFlightRejects atomic.Int64

	outcomes *lru.Cache[string, *OutcomeRecord]

	idemMu sync.Mutex
	idem   *lru.Cache[string, *idempotencyEntry]

	IDs *IDGenerator
}

// New builds a Store with the given config (zero values fall back to
// spec.md defaults).
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()

	outcomes, err := lru.New[string, *OutcomeRecord](cfg.MaxCommandOutcomes)
	if err != nil {
		// Only possible if size <= 0, which withDefaults prevents.
		panic(fmt.Sprintf("replay: invalid outcome cache size: %v", err))
	}
	idem, err := lru.New[string, *idempotencyEntry](cfg.MaxCommandOutcomes)
	if err != nil {
		panic(fmt.Sprintf("replay: invalid idempotency cache size: %v", err))
	}

	return &Store{
		cfg:      cfg,
		inFlight: make(map[string]*InFlightRecord),
		outcomes: outcomes,
		idem:     idem,
		IDs:      NewIDGenerator(),
	}
}

// GetOrCreateCommandID implements spec.md §4.3 "ID synthesis": returns
// the client-supplied id if present, otherwise a synthetic one.
func (s *Store) GetOrCreateCommandID(env *command.Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	return s.IDs.Next()
}

func idemCacheKey(sessionID, idemKey string) string {
	scope := sessionID
	if scope == "" {
		scope = command.ServerLaneKey
	}
	return scope + ":" + idemKey
}

// ReplayKind enumerates the possible outcomes of a replay check.
type ReplayKind int

const (
	// Proceed means no replay is possible; the caller should execute
	// the command normally.
	Proceed ReplayKind = iota
	// Conflict means the id or idempotency key was previously used
	// with a different fingerprint.
	Conflict
	// ReplayCached means a terminal response is available and should
	// be returned directly.
	ReplayCached
	// ReplayInFlight means an equivalent command is already running;
	// the caller should await its Future.
	ReplayInFlight
)

// ReplayResult is the return value of Check.
type ReplayResult struct {
	Kind     ReplayKind
	Response *command.Response
	Future   *Future
}

// Check implements the central replay algorithm of spec.md §4.3.
// Lookup order: idempotency cache (if key supplied) → completed
// outcomes by id → in-flight by id. The first hit decides.
func (s *Store) Check(env *command.Envelope, commandID, fingerprint string) ReplayResult {
	now := time.Now()

	if env.IdempotencyKey != "" {
		key := idemCacheKey(env.SessionID, env.IdempotencyKey)
		s.idemMu.Lock()
		entry, ok := s.idem.Get(key)
		if ok && entry.ExpiresAt.Before(now) {
			s.idem.Remove(key)
			ok = false
		}
		s.idemMu.Unlock()
		if ok {
			if entry.Fingerprint != fingerprint {
				return ReplayResult{
					Kind: Conflict,
					Response: conflictResponse(commandID, env.Type,
						fmt.Sprintf("idempotency key '%s'", env.IdempotencyKey),
						entry.CommandType),
				}
			}
			return ReplayResult{Kind: ReplayCached, Response: stampReplay(entry.Response, commandID)}
		}
	}

	if outcome, ok := s.outcomes.Get(commandID); ok {
		if outcome.Fingerprint != fingerprint {
			return ReplayResult{
				Kind: Conflict,
				Response: conflictResponse(commandID, env.Type,
					fmt.Sprintf("id '%s'", commandID), outcome.CommandType),
			}
		}
		return ReplayResult{Kind: ReplayCached, Response: stampReplay(outcome.Response, commandID)}
	}

	s.mu.Lock()
	rec, ok := s.inFlight[commandID]
	s.mu.Unlock()
	if ok {
		if rec.Fingerprint != fingerprint {
			return ReplayResult{
				Kind: Conflict,
				Response: conflictResponse(commandID, env.Type,
					fmt.Sprintf("id '%s'", commandID), rec.CommandType),
			}
		}
		return ReplayResult{Kind: ReplayInFlight, Future: rec.Future}
	}

	return ReplayResult{Kind: Proceed}
}

func conflictResponse(commandID, newType, subject, origType string) *command.Response {
	msg := fmt.Sprintf("Conflicting %s: previously used for '%s', now used for '%s'", subject, origType, newType)
	return command.ErrorResponse(commandID, newType, msg)
}

// stampReplay clones resp, marks it replayed, and re-stamps the id to
// the caller's commandID (which may be a synthetic id; the engine's
// stampID then strips it when the caller supplied no id).
func stampReplay(resp *command.Response, commandID string) *command.Response {
	clone := resp.Clone()
	clone.Replayed = true
	clone.ID = commandID
	return clone
}

// RegisterInFlight admits a new in-flight command. Overwriting an
// existing id is always allowed (race-safe retry of the same id);
// admitting a genuinely new id beyond MaxInFlightCommands is rejected
// rather than evicting an older entry, because eviction would break
// dependency references held by other commands (spec.md §4.3, I6).
func (s *Store) RegisterInFlight(id string, rec *InFlightRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inFlight[id]; !exists && len(s.inFlight) >= s.cfg.MaxInFlightCommands {
		s.inFlightRejects.Add(1)
		return false
	}
	s.inFlight[id] = rec
	return true
}

// UnregisterInFlight removes id only if the stored record is still rec
// (race-safe: a stale unregister from an old attempt cannot clobber a
// newer one that reused the same id).
func (s *Store) UnregisterInFlight(id string, rec *InFlightRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inFlight[id]; ok && cur == rec {
		delete(s.inFlight, id)
	}
}

// LookupInFlight returns the in-flight record for id, if any. Used by
// the engine's dependency-wait step.
func (s *Store) LookupInFlight(id string) (*InFlightRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inFlight[id]
	return rec, ok
}

// LookupOutcome returns the recorded outcome for id, if any.
func (s *Store) LookupOutcome(id string) (*OutcomeRecord, bool) {
	return s.outcomes.Get(id)
}

// InFlightCount returns the number of currently in-flight commands.
func (s *Store) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// InFlightRejections returns the cumulative count of rejected
// registration attempts (for metrics).
func (s *Store) InFlightRejections() int64 {
	return s.inFlightRejects.Load()
}

// StoreCommandOutcome records the terminal state of a command. The last
// update for a given id wins; overflow evicts the least-recently-used
// entry (spec.md §4.3 "Outcome retention").
func (s *Store) StoreCommandOutcome(o *OutcomeRecord) {
	s.outcomes.Add(o.CommandID, o)
}

// OutcomeCount returns the number of retained outcomes.
func (s *Store) OutcomeCount() int {
	return s.outcomes.Len()
}

// CacheIdempotencyResult stores a response under the idempotency key
// scoped to sessionID (or the server scope if sessionID is empty).
func (s *Store) CacheIdempotencyResult(sessionID, idemKey, cmdType, fingerprint string, resp *command.Response) {
	if idemKey == "" {
		return
	}
	key := idemCacheKey(sessionID, idemKey)
	entry := &idempotencyEntry{
		ExpiresAt:   time.Now().Add(s.cfg.IdempotencyTTL),
		CommandType: cmdType,
		Fingerprint: fingerprint,
		Response:    resp,
	}
	s.idemMu.Lock()
	s.idem.Add(key, entry)
	s.idemMu.Unlock()
}

// CleanupIdempotencyCache sweeps all expired entries as of now and
// returns how many it removed. Nothing in the store calls it; Check
// only drops the one expired entry it looks up.
func (s *Store) CleanupIdempotencyCache(now time.Time) int {
	s.idemMu.Lock()
	defer s.idemMu.Unlock()

	removed := 0
	for _, key := range s.idem.Keys() {
		entry, ok := s.idem.Peek(key)
		if ok && entry.ExpiresAt.Before(now) {
			s.idem.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear resets in-flight, outcomes, and idempotency state. The
// synthetic id sequence is untouched: IDs.Next() keeps counting from
// where it left off, so ids issued before and after a Clear never
// collide (spec.md §9).
func (s *Store) Clear() {
	s.mu.Lock()
	s.inFlight = make(map[string]*InFlightRecord)
	s.mu.Unlock()

	s.outcomes.Purge()

	s.idemMu.Lock()
	s.idem.Purge()
	s.idemMu.Unlock()
}
