package engine

import (
	"context"
	"fmt"
)

// awaitDependencies implements spec.md §4.5 step 4. dependsOn is the
// only mechanism for cross-lane causal ordering: the engine guarantees
// a dependent command runs strictly after all its dependencies' terminal
// states.
func (e *Engine) awaitDependencies(ctx context.Context, dependsOn []string, laneKey string) error {
	for _, depID := range dependsOn {
		if err := e.awaitOneDependency(ctx, depID, laneKey); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) awaitOneDependency(ctx context.Context, depID, laneKey string) error {
	if outcome, ok := e.cfg.Replay.LookupOutcome(depID); ok {
		if !outcome.Success {
			return fmt.Errorf("dependency_failed: dependency %q failed", depID)
		}
		return nil
	}

	rec, ok := e.cfg.Replay.LookupInFlight(depID)
	if !ok {
		// The dependency may have transitioned from in-flight to a
		// recorded outcome between our two lookups; re-check before
		// declaring it genuinely unknown.
		if outcome, ok := e.cfg.Replay.LookupOutcome(depID); ok {
			if !outcome.Success {
				return fmt.Errorf("dependency_failed: dependency %q failed", depID)
			}
			return nil
		}
		return fmt.Errorf("dependency_unknown: unknown dependency %q", depID)
	}

	if rec.LaneKey == laneKey {
		return fmt.Errorf("dependency_same_lane: dependency %q is in-flight on the same lane %q", depID, laneKey)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.DependencyWaitTimeout)
	defer cancel()

	resp, err := rec.Future.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("dependency_timeout: timed out waiting for dependency %q", depID)
	}
	if !resp.Success {
		return fmt.Errorf("dependency_failed: dependency %q failed", depID)
	}
	return nil
}
