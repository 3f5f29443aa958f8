package replay

import (
	"context"
	"sync"

	"github.com/ehrlich-b/wingmux/internal/command"
)

// Future is a completable-future handle for an in-flight command's
// eventual response (spec.md §9 "futures/awaiting in-flight"). A
// channel-based implementation is sufficient: exactly one writer
// resolves it, any number of readers may await it. The timeout path
// (engine.await's timer branch) and the lane task's own completion
// (engine.finish) race to resolve the same Future, so closing done
// needs its own lock rather than a bare select/default check.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *command.Response
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future exactly once. Subsequent calls are
// no-ops, matching the "terminal states transition exactly once"
// contract of spec.md §4.5.
func (f *Future) Resolve(resp *command.Response) {
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is done, returning a
// shallow clone so callers never share mutable state with each other.
func (f *Future) Wait(ctx context.Context) (*command.Response, error) {
	select {
	case <-f.done:
		return f.resp.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
