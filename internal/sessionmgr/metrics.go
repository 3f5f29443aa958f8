package sessionmgr

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/wingmux/internal/breaker"
	"github.com/ehrlich-b/wingmux/internal/engine"
	"github.com/ehrlich-b/wingmux/internal/replay"
)

// WireObservers gives the Manager read access to the engine, replay
// store, and circuit breaker built alongside it, so get_metrics can
// report live pipeline state. Engine construction
// depends on Manager (as its SessionResolver/Dispatcher), so this is
// called once both exist rather than threaded through New.
func (m *Manager) WireObservers(eng *engine.Engine, replayStore *replay.Store, hybrid *breaker.Hybrid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = eng
	m.replay = replayStore
	m.breaker = hybrid
}

// metricsSnapshot implements get_metrics: a point-in-time view of the
// pipeline's load, formatted for human consumption the way the
// teacher's CLI renders counters (dustin/go-humanize).
func (m *Manager) metricsSnapshot() map[string]any {
	m.mu.RLock()
	sessionCount := len(m.sessions)
	eng, replayStore, hybrid := m.engine, m.replay, m.breaker
	m.mu.RUnlock()

	now := time.Now()
	out := map[string]any{
		"sessionCount":  sessionCount,
		"uptimeSeconds": int64(now.Sub(m.startedAt).Seconds()),
		"uptimeHuman":   humanize.RelTime(m.startedAt, now, "ago", ""),
	}

	if eng != nil {
		out["laneCount"] = eng.LaneCount()
	}
	if replayStore != nil {
		out["inFlightCommands"] = replayStore.InFlightCount()
		out["inFlightRejections"] = replayStore.InFlightRejections()
		out["cachedOutcomes"] = replayStore.OutcomeCount()
	}
	if hybrid != nil {
		out["globalBreakerState"] = hybrid.GlobalState().String()
	}

	return out
}
