package command

import "time"

// Default timeout buckets (spec.md §4.1, §6).
const (
	DefaultShortTimeout = 30 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// shortTimeoutSet holds cheap, read-mostly query commands.
var shortTimeoutSet = map[string]struct{}{
	"get_state":               {},
	"get_messages":            {},
	"get_available_models":    {},
	"get_commands":            {},
	"get_skills":               {},
	"get_tools":                {},
	"list_session_files":       {},
	"get_session_stats":        {},
	"get_fork_messages":        {},
	"get_last_assistant_text":  {},
	"get_context_usage":        {},
	"set_session_name":         {},
}

// noTimeoutSet holds atomic-creation operations that cannot be
// pre-empted by a timeout.
var noTimeoutSet = map[string]struct{}{
	"create_session": {},
}

// readOnlySet is shortTimeoutSet minus set_session_name, plus
// switch_session (spec.md §4.1: "same as short-timeout minus
// set_session_name, plus switch_session").
var readOnlySet = map[string]struct{}{
	"get_state":              {},
	"get_messages":           {},
	"get_available_models":   {},
	"get_commands":           {},
	"get_skills":              {},
	"get_tools":               {},
	"list_session_files":      {},
	"get_session_stats":       {},
	"get_fork_messages":       {},
	"get_last_assistant_text": {},
	"get_context_usage":       {},
	"switch_session":          {},
}

// specialSet holds commands that are neither mutating nor read-only.
var specialSet = map[string]struct{}{
	"extension_ui_response": {},
}

// Options overrides the default timeout buckets.
type Options struct {
	DefaultTimeoutMs int64
	ShortTimeoutMs   int64
}

// Classifier resolves timeout and mutation policy for command types.
type Classifier struct {
	defaultTimeout time.Duration
	shortTimeout   time.Duration
}

// NewClassifier builds a Classifier from Options, falling back to the
// package defaults for zero values.
func NewClassifier(opts Options) *Classifier {
	c := &Classifier{
		defaultTimeout: DefaultTimeout,
		shortTimeout:   DefaultShortTimeout,
	}
	if opts.DefaultTimeoutMs > 0 {
		c.defaultTimeout = time.Duration(opts.DefaultTimeoutMs) * time.Millisecond
	}
	if opts.ShortTimeoutMs > 0 {
		c.shortTimeout = time.Duration(opts.ShortTimeoutMs) * time.Millisecond
	}
	return c
}

// IsShortTimeout reports whether cmdType is in the short-timeout set.
func (c *Classifier) IsShortTimeout(cmdType string) bool {
	_, ok := shortTimeoutSet[cmdType]
	return ok
}

// IsCancellable reports whether cmdType can be pre-empted by a timeout.
func (c *Classifier) IsCancellable(cmdType string) bool {
	_, ok := noTimeoutSet[cmdType]
	return !ok
}

// IsReadOnly reports whether cmdType is a read-only query.
func (c *Classifier) IsReadOnly(cmdType string) bool {
	_, ok := readOnlySet[cmdType]
	return ok
}

// IsSpecial reports whether cmdType is neither mutating nor read-only.
func (c *Classifier) IsSpecial(cmdType string) bool {
	_, ok := specialSet[cmdType]
	return ok
}

// IsMutation reports whether cmdType mutates session state. Unknown
// command types are treated as mutations (safe default, spec.md §4.1).
func (c *Classifier) IsMutation(cmdType string) bool {
	if c.IsReadOnly(cmdType) || c.IsSpecial(cmdType) {
		return false
	}
	return true
}

// Timeout returns the classified timeout for cmdType, or nil if the
// command is uncancellable and must run to completion.
func (c *Classifier) Timeout(cmdType string) *time.Duration {
	if !c.IsCancellable(cmdType) {
		return nil
	}
	if c.IsShortTimeout(cmdType) {
		d := c.shortTimeout
		return &d
	}
	d := c.defaultTimeout
	return &d
}

// Classification bundles the five policy facts the engine needs for a
// command, mirroring the exposed-functions contract of spec.md §4.1.
type Classification struct {
	Timeout       *time.Duration
	IsShortTimeout bool
	IsCancellable bool
	IsMutation    bool
	IsReadOnly    bool
}

// Classify returns the full classification for cmdType.
func (c *Classifier) Classify(cmdType string) Classification {
	return Classification{
		Timeout:        c.Timeout(cmdType),
		IsShortTimeout: c.IsShortTimeout(cmdType),
		IsCancellable:  c.IsCancellable(cmdType),
		IsMutation:     c.IsMutation(cmdType),
		IsReadOnly:     c.IsReadOnly(cmdType),
	}
}
