package replay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/replay"
)

func TestCheckProceedsWhenNothingRecorded(t *testing.T) {
	s := replay.New(replay.Config{})
	env := &command.Envelope{Type: "prompt", SessionID: "s1"}

	result := s.Check(env, "c1", "fp1")
	assert.Equal(t, replay.Proceed, result.Kind)
}

func TestCheckReplaysCachedOutcomeByID(t *testing.T) {
	s := replay.New(replay.Config{})
	resp := command.NewResponse("c1", "prompt", true)
	s.StoreCommandOutcome(&replay.OutcomeRecord{
		CommandID: "c1", CommandType: "prompt", Fingerprint: "fp1", Response: resp,
	})

	env := &command.Envelope{Type: "prompt", SessionID: "s1"}
	result := s.Check(env, "c1", "fp1")

	require.Equal(t, replay.ReplayCached, result.Kind)
	assert.True(t, result.Response.Replayed)
}

func TestCheckDetectsIDConflict(t *testing.T) {
	s := replay.New(replay.Config{})
	resp := command.NewResponse("c1", "list_sessions", true)
	s.StoreCommandOutcome(&replay.OutcomeRecord{
		CommandID: "c1", CommandType: "list_sessions", Fingerprint: "fp-old", Response: resp,
	})

	env := &command.Envelope{Type: "get_metrics"}
	result := s.Check(env, "c1", "fp-new")

	require.Equal(t, replay.Conflict, result.Kind)
	assert.False(t, result.Response.Success)
	assert.Contains(t, result.Response.Error, "list_sessions")
	assert.Contains(t, result.Response.Error, "get_metrics")
}

// TestCheckIDConflictMessageMatchesExactWording locks in the literal
// conflict wording used by end-to-end scenario 2: reusing an id across
// two different command types must report the id and both types in
// single-quoted form.
func TestCheckIDConflictMessageMatchesExactWording(t *testing.T) {
	s := replay.New(replay.Config{})
	resp := command.NewResponse("c2", "list_sessions", true)
	s.StoreCommandOutcome(&replay.OutcomeRecord{
		CommandID: "c2", CommandType: "list_sessions", Fingerprint: "fp-old", Response: resp,
	})

	env := &command.Envelope{Type: "get_metrics"}
	result := s.Check(env, "c2", "fp-new")

	require.Equal(t, replay.Conflict, result.Kind)
	assert.Equal(t,
		"Conflicting id 'c2': previously used for 'list_sessions', now used for 'get_metrics'",
		result.Response.Error,
	)
}

func TestCheckReplaysInFlightCommand(t *testing.T) {
	s := replay.New(replay.Config{})
	fut := replay.NewFuture()
	rec := &replay.InFlightRecord{CommandType: "prompt", Fingerprint: "fp1", Future: fut}
	require.True(t, s.RegisterInFlight("c1", rec))

	env := &command.Envelope{Type: "prompt", SessionID: "s1"}
	result := s.Check(env, "c1", "fp1")
	require.Equal(t, replay.ReplayInFlight, result.Kind)
	require.Same(t, fut, result.Future)
}

func TestIdempotencyKeyReplaysAcrossDifferentIDs(t *testing.T) {
	s := replay.New(replay.Config{})
	resp := command.NewResponse("c1", "prompt", true)
	s.CacheIdempotencyResult("s1", "idem-key", "prompt", "fp1", resp)

	env := &command.Envelope{Type: "prompt", SessionID: "s1", IdempotencyKey: "idem-key"}
	result := s.Check(env, "c2", "fp1")

	require.Equal(t, replay.ReplayCached, result.Kind)
	assert.Equal(t, "c2", result.Response.ID)
}

func TestIdempotencyKeyConflictOnDifferentFingerprint(t *testing.T) {
	s := replay.New(replay.Config{})
	resp := command.NewResponse("c1", "prompt", true)
	s.CacheIdempotencyResult("s1", "idem-key", "prompt", "fp1", resp)

	env := &command.Envelope{Type: "prompt", SessionID: "s1", IdempotencyKey: "idem-key"}
	result := s.Check(env, "c2", "fp2")

	require.Equal(t, replay.Conflict, result.Kind)
}

func TestRegisterInFlightRejectsBeyondCapacity(t *testing.T) {
	s := replay.New(replay.Config{MaxInFlightCommands: 1})
	fut1 := replay.NewFuture()
	fut2 := replay.NewFuture()

	assert.True(t, s.RegisterInFlight("c1", &replay.InFlightRecord{Future: fut1}))
	assert.False(t, s.RegisterInFlight("c2", &replay.InFlightRecord{Future: fut2}))
	assert.Equal(t, int64(1), s.InFlightRejections())
}

func TestUnregisterInFlightIsRaceSafeAgainstStaleRecord(t *testing.T) {
	s := replay.New(replay.Config{})
	rec1 := &replay.InFlightRecord{Future: replay.NewFuture()}
	rec2 := &replay.InFlightRecord{Future: replay.NewFuture()}

	s.RegisterInFlight("c1", rec1)
	s.RegisterInFlight("c1", rec2) // simulate id reuse before the old unregister runs

	s.UnregisterInFlight("c1", rec1) // stale; must not remove rec2
	_, ok := s.LookupInFlight("c1")
	assert.True(t, ok)

	s.UnregisterInFlight("c1", rec2)
	_, ok = s.LookupInFlight("c1")
	assert.False(t, ok)
}

func TestCleanupIdempotencyCacheRemovesExpiredEntries(t *testing.T) {
	s := replay.New(replay.Config{IdempotencyTTL: time.Millisecond})
	resp := command.NewResponse("c1", "prompt", true)
	s.CacheIdempotencyResult("s1", "k", "prompt", "fp1", resp)

	time.Sleep(5 * time.Millisecond)
	removed := s.CleanupIdempotencyCache(time.Now())
	assert.Equal(t, 1, removed)
}

func TestClearPreservesSyntheticIDSequence(t *testing.T) {
	s := replay.New(replay.Config{})
	first := s.IDs.Next()
	s.Clear()
	second := s.IDs.Next()
	assert.NotEqual(t, first, second)
}
