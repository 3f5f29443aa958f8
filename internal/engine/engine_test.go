package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingmux/internal/breaker"
	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/engine"
	"github.com/ehrlich-b/wingmux/internal/replay"
	"github.com/ehrlich-b/wingmux/internal/sessionver"
)

// fakeSession is the minimal engine.Session implementation tests need.
type fakeSession struct{ id string }

func (f fakeSession) ID() string { return f.id }

// fakeResolver resolves any session id added via add.
type fakeResolver struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFakeResolver(ids ...string) *fakeResolver {
	r := &fakeResolver{ids: make(map[string]struct{})}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r *fakeResolver) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
}

func (r *fakeResolver) Resolve(id string) (engine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	if !ok {
		return nil, false
	}
	return fakeSession{id: id}, true
}

// fakeDispatcher runs a per-command-type handler, defaulting to an
// instant success with no data.
type fakeDispatcher struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, env *command.Envelope) (any, error)
	calls    []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{handlers: make(map[string]func(context.Context, *command.Envelope) (any, error))}
}

func (d *fakeDispatcher) on(cmdType string, fn func(ctx context.Context, env *command.Envelope) (any, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmdType] = fn
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, env *command.Envelope) (any, error) {
	d.mu.Lock()
	d.calls = append(d.calls, env.Type)
	fn := d.handlers[env.Type]
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, env)
	}
	return map[string]any{"ok": true}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type testHarness struct {
	engine    *engine.Engine
	replay    *replay.Store
	versions  *sessionver.Store
	resolver  *fakeResolver
	dispatch  *fakeDispatcher
	classify  *command.Classifier
	breaker   *breaker.Hybrid
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	classifier := command.NewClassifier(command.Options{})
	replayStore := replay.New(replay.Config{})
	versions := sessionver.New(classifier)
	resolver := newFakeResolver()
	dispatcher := newFakeDispatcher()
	hybrid := breaker.NewHybrid(breaker.DefaultHybridConfig())

	eng := engine.New(engine.Config{
		Classifier: classifier,
		Replay:     replayStore,
		Versions:   versions,
		Breaker:    hybrid,
		Resolver:   resolver,
		Dispatcher: dispatcher,
	})

	return &testHarness{
		engine: eng, replay: replayStore, versions: versions,
		resolver: resolver, dispatch: dispatcher, classify: classifier, breaker: hybrid,
	}
}

func TestExecuteCreateSessionInitializesVersion(t *testing.T) {
	h := newHarness(t)
	h.dispatch.on("create_session", func(ctx context.Context, env *command.Envelope) (any, error) {
		env.SessionID = "s1"
		h.resolver.add("s1")
		return map[string]any{"sessionId": "s1"}, nil
	})

	resp := h.engine.Execute(context.Background(), &command.Envelope{ID: "c1", Type: "create_session"})
	require.True(t, resp.Success)
	require.NotNil(t, resp.SessionVersion)
	assert.Equal(t, int64(0), *resp.SessionVersion)
}

func TestExecuteMutationBumpsSessionVersion(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	resp := h.engine.Execute(context.Background(), &command.Envelope{ID: "c1", Type: "prompt", SessionID: "s1"})
	require.True(t, resp.Success)
	require.NotNil(t, resp.SessionVersion)
	assert.Equal(t, int64(1), *resp.SessionVersion)
}

func TestExecuteUnknownSessionFails(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Execute(context.Background(), &command.Envelope{ID: "c1", Type: "prompt", SessionID: "ghost"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown_session")
}

func TestExecuteVersionPreconditionMismatchFails(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	wrong := int64(5)
	resp := h.engine.Execute(context.Background(), &command.Envelope{
		ID: "c1", Type: "prompt", SessionID: "s1", IfSessionVersion: &wrong,
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "version_conflict")
}

func TestExecuteIDConflictRejectsSecondCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1 := h.engine.Execute(ctx, &command.Envelope{ID: "c2", Type: "list_sessions"})
	require.True(t, r1.Success)

	r2 := h.engine.Execute(ctx, &command.Envelope{ID: "c2", Type: "get_metrics"})
	assert.False(t, r2.Success)
	assert.Contains(t, r2.Error, "list_sessions")
	assert.Contains(t, r2.Error, "get_metrics")
}

func TestExecuteSameCommandIsReplayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := &command.Envelope{ID: "c3", Type: "list_sessions"}

	r1 := h.engine.Execute(ctx, env)
	require.True(t, r1.Success)
	require.False(t, r1.Replayed)

	r2 := h.engine.Execute(ctx, &command.Envelope{ID: "c3", Type: "list_sessions"})
	require.True(t, r2.Success)
	assert.True(t, r2.Replayed)
	assert.Equal(t, 1, h.dispatch.callCount(), "a replayed command must not re-dispatch")
}

func TestExecuteStripsIDWhenClientSuppliesNone(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Execute(context.Background(), &command.Envelope{Type: "list_sessions"})
	assert.Equal(t, "", resp.ID)
}

func TestExecuteRejectsClientSuppliedReservedID(t *testing.T) {
	h := newHarness(t)
	resp := h.engine.Execute(context.Background(), &command.Envelope{ID: "anon:1:1", Type: "list_sessions"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "reserved prefix")
}

func TestExecuteTimeoutReturnsResponseAndBackgroundFinishStillRuns(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	unblock := make(chan struct{})
	h.dispatch.on("prompt", func(ctx context.Context, env *command.Envelope) (any, error) {
		<-unblock
		return map[string]any{"done": true}, nil
	})
	// Force a near-instant timeout by using a custom classifier-derived
	// engine; simplest path is a short dependency wait-like race: we
	// directly exercise await()'s timer branch via a zero-ish default
	// timeout override at the harness level instead.
	fastClassifier := command.NewClassifier(command.Options{DefaultTimeoutMs: 1})
	h.engine = engine.New(engine.Config{
		Classifier: fastClassifier,
		Replay:     h.replay,
		Versions:   h.versions,
		Breaker:    h.breaker,
		Resolver:   h.resolver,
		Dispatcher: h.dispatch,
	})

	resp := h.engine.Execute(context.Background(), &command.Envelope{ID: "c4", Type: "prompt", SessionID: "s1"})
	assert.True(t, resp.TimedOut)
	assert.False(t, resp.Success)

	close(unblock)
	// Give the lane task time to run finish() in the background.
	require.Eventually(t, func() bool {
		_, ok := h.replay.LookupOutcome("c4")
		return ok
	}, time.Second, 5*time.Millisecond)

	outcome, _ := h.replay.LookupOutcome("c4")
	assert.True(t, outcome.Success, "the background completion must record the real outcome, not the timeout")
}

func TestExecuteDependencyWaitsForPriorCommand(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.versions.Initialize("s2")
	h.resolver.add("s1")
	h.resolver.add("s2")

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	h.dispatch.on("prompt", func(ctx context.Context, env *command.Envelope) (any, error) {
		if env.ID == "a" {
			<-release
		}
		mu.Lock()
		order = append(order, env.ID)
		mu.Unlock()
		return map[string]any{}, nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.engine.Execute(context.Background(), &command.Envelope{ID: "a", Type: "prompt", SessionID: "s1"})
	}()
	time.Sleep(20 * time.Millisecond) // ensure "a" registers in-flight first
	go func() {
		defer wg.Done()
		h.engine.Execute(context.Background(), &command.Envelope{
			ID: "b", Type: "prompt", SessionID: "s2", DependsOn: []string{"a"},
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, []string{"a", "b"}, order)
}

func TestExecuteSameLaneDependencyRejected(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	release := make(chan struct{})
	h.dispatch.on("prompt", func(ctx context.Context, env *command.Envelope) (any, error) {
		if env.ID == "a" {
			<-release
		}
		return map[string]any{}, nil
	})

	go h.engine.Execute(context.Background(), &command.Envelope{ID: "a", Type: "prompt", SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)

	resp := h.engine.Execute(context.Background(), &command.Envelope{
		ID: "b", Type: "prompt", SessionID: "s1", DependsOn: []string{"a"},
	})
	close(release)

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "dependency_same_lane")
}

func TestExecuteBashCircuitOpensAfterRepeatedTimeouts(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	cfg := breaker.DefaultHybridConfig()
	cfg.Session.FailureThreshold = 3
	cfg.Session.Window = time.Minute
	hybrid := breaker.NewHybrid(cfg)

	h.dispatch.on("bash", func(ctx context.Context, env *command.Envelope) (any, error) {
		return nil, engine.ErrDispatchTimeout
	})

	h.engine = engine.New(engine.Config{
		Classifier:    h.classify,
		Replay:        h.replay,
		Versions:      h.versions,
		Breaker:       hybrid,
		Resolver:      h.resolver,
		Dispatcher:    h.dispatch,
		ShellCommands: map[string]struct{}{"bash": {}},
	})

	var last *command.Response
	for i := 0; i < 4; i++ {
		last = h.engine.Execute(context.Background(), &command.Envelope{
			ID: "bash" + string(rune('a'+i)), Type: "bash", SessionID: "s1",
		})
	}
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "circuit_open")
}

func TestExecuteNonZeroExitDoesNotTripBreaker(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	cfg := breaker.DefaultHybridConfig()
	cfg.Session.FailureThreshold = 2
	hybrid := breaker.NewHybrid(cfg)

	h.dispatch.on("bash", func(ctx context.Context, env *command.Envelope) (any, error) {
		return nil, errors.New("exit status 1")
	})
	h.engine = engine.New(engine.Config{
		Classifier:    h.classify,
		Replay:        h.replay,
		Versions:      h.versions,
		Breaker:       hybrid,
		Resolver:      h.resolver,
		Dispatcher:    h.dispatch,
		ShellCommands: map[string]struct{}{"bash": {}},
	})

	for i := 0; i < 5; i++ {
		resp := h.engine.Execute(context.Background(), &command.Envelope{
			ID: "run" + string(rune('a'+i)), Type: "bash", SessionID: "s1",
		})
		assert.False(t, resp.Success)
		assert.NotContains(t, resp.Error, "circuit_open")
	}
}

func TestLaneDrainsAfterCommandsComplete(t *testing.T) {
	h := newHarness(t)
	h.versions.Initialize("s1")
	h.resolver.add("s1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.engine.Execute(context.Background(), &command.Envelope{
				ID: "p" + string(rune('a'+i)), Type: "prompt", SessionID: "s1",
			})
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return h.engine.LaneCount() == 0 }, time.Second, 5*time.Millisecond)
}
