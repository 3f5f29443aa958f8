package replay

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/wingmux/internal/command"
)

// processStartTime is a process-wide constant: the moment this process
// started. It is embedded in every synthetic command id and, per
// spec.md §9, must never be reset by Store.Clear — only the sequence
// counter is local to a Store, and even that survives Clear (see
// IDGenerator below).
var processStartTime = time.Now().UnixNano()

// IDGenerator synthesizes unique command ids of the form
// "anon:<processStartTime>:<seq>" (invariant I3). The sequence counter
// is never reset by Clear(), preventing collisions with outcomes
// persisted across an internal reset (spec.md §4.3).
type IDGenerator struct {
	seq atomic.Int64
}

// NewIDGenerator builds a generator scoped to the current process start
// time.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns a fresh synthetic id.
func (g *IDGenerator) Next() string {
	n := g.seq.Add(1)
	return fmt.Sprintf("%s%d:%d", command.SyntheticIDPrefix, processStartTime, n)
}
