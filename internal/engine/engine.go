// Package engine implements the execution engine of spec.md §4.5: the
// per-lane scheduler that orchestrates classification, replay, version
// stamping, dependency waits, preconditions, and circuit-breaker
// gating for every command the core accepts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/wingmux/internal/breaker"
	"github.com/ehrlich-b/wingmux/internal/command"
	"github.com/ehrlich-b/wingmux/internal/logger"
	"github.com/ehrlich-b/wingmux/internal/replay"
	"github.com/ehrlich-b/wingmux/internal/sessionver"
)

// ErrDispatchTimeout and ErrSpawnFailed are sentinel errors a Dispatcher
// may wrap to signal a breaker-countable failure for shell-executing
// commands (spec.md §4.4: "only timeouts and spawn errors count as
// failures; non-zero exit codes ... must not call recordFailure").
var (
	ErrDispatchTimeout = errors.New("dispatch timeout")
	ErrSpawnFailed     = errors.New("spawn failed")
)

// Session is the opaque per-session object the core consumes. The core
// never introspects its internals (spec.md §9 "opaque session object");
// the ID accessor exists only for logging/diagnostics.
type Session interface {
	ID() string
}

// SessionResolver looks up a live session by id. It is the sole
// collaborator the engine's dispatch step consumes for session
// existence checks (spec.md §1 "opaque SessionResolver for session
// lookup").
type SessionResolver interface {
	Resolve(sessionID string) (Session, bool)
}

// Dispatcher performs the actual command-specific work once the engine
// has cleared replay, dependency, lane, and precondition gates. It
// receives the envelope (and may mutate env.SessionID, notably for
// create_session, which doesn't have a session id yet when the command
// is submitted) and returns response data or an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *command.Envelope) (any, error)
}

// Metrics receives engine-observed counters. Config.Metrics may be nil;
// the engine's metric* helpers check for nil before every call.
type Metrics interface {
	IncExecuted(cmdType string)
	IncReplayed(cmdType string)
	IncRejected(cmdType, reason string)
	IncTimedOut(cmdType string)
	ObserveDuration(cmdType string, d time.Duration)
}

// Config wires the engine's collaborators (spec.md §4.5: "orchestration
// of 1-4").
type Config struct {
	Classifier            *command.Classifier
	Replay                *replay.Store
	Versions              *sessionver.Store
	Breaker               *breaker.Hybrid
	Resolver              SessionResolver
	Dispatcher            Dispatcher
	Metrics               Metrics
	DependencyWaitTimeout time.Duration
	// ShellCommands names the command types gated by the hybrid circuit
	// breaker (spec.md §4.5 step 7, "commands flagged by a circuit
	// breaker e.g. bash").
	ShellCommands map[string]struct{}
}

const defaultDependencyWaitTimeout = 30 * time.Second

// Engine is the lane scheduler and pipeline orchestrator described in
// spec.md §4.5.
type Engine struct {
	cfg   Config
	lanes *laneSet
}

// New builds an Engine from cfg, filling in defaults for zero values.
func New(cfg Config) *Engine {
	if cfg.DependencyWaitTimeout <= 0 {
		cfg.DependencyWaitTimeout = defaultDependencyWaitTimeout
	}
	if cfg.ShellCommands == nil {
		cfg.ShellCommands = map[string]struct{}{"bash": {}}
	}
	return &Engine{cfg: cfg, lanes: newLaneSet()}
}

// LaneCount returns the number of currently active lanes, used by
// property P3 ("after a wave of N distinct lanes drains, laneCount ==
// 0"), by get_metrics, and by the daemon's shutdown drain.
func (e *Engine) LaneCount() int {
	return e.lanes.count()
}

// Execute runs the full pipeline of spec.md §4.5 for one command. It
// never returns an error to the caller — every path produces a
// *command.Response (spec.md §7 propagation policy).
func (e *Engine) Execute(ctx context.Context, env *command.Envelope) *command.Response {
	if strings.HasPrefix(env.ID, command.SyntheticIDPrefix) {
		return e.stampID(command.ErrorResponse(env.ID, env.Type,
			fmt.Sprintf("client-supplied id must not use reserved prefix %q", command.SyntheticIDPrefix)), env)
	}

	commandID := e.cfg.Replay.GetOrCreateCommandID(env)
	fingerprint := command.Fingerprint(env)
	laneKey := env.LaneKey()

	switch result := e.cfg.Replay.Check(env, commandID, fingerprint); result.Kind {
	case replay.Conflict:
		e.metricRejected(env.Type, "conflict")
		return e.stampID(result.Response, env)
	case replay.ReplayCached:
		e.metricReplayed(env.Type)
		return e.stampID(result.Response, env)
	case replay.ReplayInFlight:
		resp, err := result.Future.Wait(ctx)
		if err != nil {
			return e.stampID(timeoutResponse(commandID, env.Type), env)
		}
		e.metricReplayed(env.Type)
		return e.stampID(resp, env)
	}

	fut := replay.NewFuture()
	rec := &replay.InFlightRecord{CommandType: env.Type, LaneKey: laneKey, Fingerprint: fingerprint, Future: fut}
	if !e.cfg.Replay.RegisterInFlight(commandID, rec) {
		e.metricRejected(env.Type, "in_flight_limit")
		return e.stampID(command.ErrorResponse(commandID, env.Type, "in_flight_limit"), env)
	}

	if err := e.awaitDependencies(ctx, env.DependsOn, laneKey); err != nil {
		resp := command.ErrorResponse(commandID, env.Type, err.Error())
		e.finish(env, commandID, rec, laneKey, fingerprint, resp)
		return e.stampID(resp, env)
	}

	classification := e.cfg.Classifier.Classify(env.Type)

	e.lanes.enqueue(laneKey, func() {
		e.runOnLane(ctx, env, commandID, rec, classification, laneKey, fingerprint)
	})

	started := time.Now()
	resp := e.await(ctx, fut, commandID, env.Type, classification)
	e.metricExecuted(env.Type)
	e.metricDuration(env.Type, time.Since(started))
	return e.stampID(resp, env)
}

// await blocks for the lane task's result, racing it against the
// classified timeout. Timeout is a response, never an abort: the lane
// task keeps running and records its own outcome (spec.md §4.5 step 8,
// §9 "timeouts without cancellation").
func (e *Engine) await(ctx context.Context, fut *replay.Future, commandID, cmdType string, classification command.Classification) *command.Response {
	if classification.Timeout == nil {
		resp, err := fut.Wait(ctx)
		if err != nil {
			return timeoutResponse(commandID, cmdType)
		}
		return resp
	}

	timer := time.NewTimer(*classification.Timeout)
	defer timer.Stop()

	type result struct {
		resp *command.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := fut.Wait(ctx)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return timeoutResponse(commandID, cmdType)
		}
		return r.resp
	case <-timer.C:
		e.metricTimedOut(cmdType)
		timedOut := timeoutResponse(commandID, cmdType)
		fut.Resolve(timedOut) // no-op if the lane task already finished first
		return timedOut
	}
}

func timeoutResponse(commandID, cmdType string) *command.Response {
	resp := command.NewResponse(commandID, cmdType, false)
	resp.TimedOut = true
	resp.Error = "timeout"
	return resp
}

// stampID sets the response's id to the client-supplied id, or strips
// it if the client supplied none (spec.md §4.3 "stripping the original
// id if the caller has none").
func (e *Engine) stampID(resp *command.Response, env *command.Envelope) *command.Response {
	resp.ID = env.ID
	return resp
}

// runOnLane executes steps 6-9 of spec.md §4.5 for one command. It runs
// inside the lane's single worker, so it must never be called
// concurrently with another task on the same laneKey.
func (e *Engine) runOnLane(ctx context.Context, env *command.Envelope, commandID string, rec *replay.InFlightRecord, classification command.Classification, laneKey, fingerprint string) {
	if env.HasSession() && env.IfSessionVersion != nil {
		actual := e.cfg.Versions.GetVersion(env.SessionID)
		if actual != *env.IfSessionVersion {
			resp := command.ErrorResponse(commandID, env.Type, "version_conflict")
			resp.Data = map[string]any{"actualVersion": actual}
			e.finish(env, commandID, rec, laneKey, fingerprint, resp)
			return
		}
	}

	if env.HasSession() {
		if _, ok := e.cfg.Resolver.Resolve(env.SessionID); !ok {
			resp := command.ErrorResponse(commandID, env.Type, "unknown_session")
			e.finish(env, commandID, rec, laneKey, fingerprint, resp)
			return
		}
	}

	var gate *breaker.Gate
	if _, shell := e.cfg.ShellCommands[env.Type]; shell {
		g := e.cfg.Breaker.CanExecute(env.SessionID)
		if !g.Allowed() {
			resp := command.ErrorResponse(commandID, env.Type, "circuit_open: "+g.Reason())
			e.finish(env, commandID, rec, laneKey, fingerprint, resp)
			return
		}
		gate = &g
	}

	dispatchCtx, endDispatchSpan := startSpan(ctx, "dispatch", env.Type, laneKey)
	data, err := e.cfg.Dispatcher.Dispatch(dispatchCtx, env)
	endDispatchSpan(err)
	if err != nil {
		if gate != nil {
			if errors.Is(err, ErrDispatchTimeout) || errors.Is(err, ErrSpawnFailed) {
				gate.Failure()
			} else {
				gate.Success()
			}
		}
		resp := command.ErrorResponse(commandID, env.Type, err.Error())
		e.finish(env, commandID, rec, laneKey, fingerprint, resp)
		return
	}
	if gate != nil {
		gate.Success()
	}

	resp := command.NewResponse(commandID, env.Type, true)
	resp.Data = data
	e.finish(env, commandID, rec, laneKey, fingerprint, resp)
}

// finish applies version stamping, records the outcome, caches the
// idempotency result if requested, unregisters the in-flight entry, and
// resolves the shared future — in that order, matching spec.md step 9.
func (e *Engine) finish(env *command.Envelope, commandID string, rec *replay.InFlightRecord, laneKey, fingerprint string, resp *command.Response) {
	stamped := e.cfg.Versions.ApplyVersion(env, resp)

	outcome := &replay.OutcomeRecord{
		CommandID:      commandID,
		CommandType:    env.Type,
		LaneKey:        laneKey,
		Fingerprint:    fingerprint,
		Success:        stamped.Success,
		Error:          stamped.Error,
		Response:       stamped,
		SessionVersion: stamped.SessionVersion,
		FinishedAt:     time.Now(),
	}
	e.cfg.Replay.StoreCommandOutcome(outcome)

	if env.IdempotencyKey != "" {
		e.cfg.Replay.CacheIdempotencyResult(env.SessionID, env.IdempotencyKey, env.Type, fingerprint, stamped)
	}

	e.cfg.Replay.UnregisterInFlight(commandID, rec)
	rec.Future.Resolve(stamped)

	if !stamped.Success {
		logger.Debug("command finished with error", "command", env.Type, "id", commandID, "error", stamped.Error)
	}
}

func (e *Engine) metricExecuted(cmdType string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncExecuted(cmdType)
	}
}
func (e *Engine) metricReplayed(cmdType string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncReplayed(cmdType)
	}
}
func (e *Engine) metricRejected(cmdType, reason string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncRejected(cmdType, reason)
	}
}
func (e *Engine) metricTimedOut(cmdType string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncTimedOut(cmdType)
	}
}
func (e *Engine) metricDuration(cmdType string, d time.Duration) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ObserveDuration(cmdType, d)
	}
}
