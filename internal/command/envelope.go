// Package command defines the wire shapes and static policy tables for the
// command-execution core: the envelope/response pair exchanged with
// clients, and the classification tables used to decide timeout and
// mutation policy for a given command type.
package command

import "encoding/json"

// SyntheticIDPrefix marks ids the engine generates itself. Client-supplied
// ids beginning with this prefix are a protocol error (spec.md §6
// "reserved tokens").
const SyntheticIDPrefix = "anon:"

// ServerLaneKey is the lane key used for commands with no session id.
const ServerLaneKey = "_server_"

// Envelope is the externally-supplied command record (spec.md §3).
type Envelope struct {
	Type             string          `json:"type"`
	ID               string          `json:"id,omitempty"`
	SessionID        string          `json:"sessionId,omitempty"`
	DependsOn        []string        `json:"dependsOn,omitempty"`
	IfSessionVersion *int64          `json:"ifSessionVersion,omitempty"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	Payload          json.RawMessage `json:"-"`

	// raw holds the full decoded object, payload fields included, so the
	// fingerprinter and dispatcher can see type-specific fields without
	// this struct needing to know about every command's shape.
	raw map[string]any
}

// UnmarshalJSON decodes the envelope's known fields plus a raw map of
// every field present, so payload-specific data survives without this
// type needing a variant per command.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope(a)
	e.raw = raw
	return nil
}

// Raw returns the full decoded payload, including type-specific fields.
func (e *Envelope) Raw() map[string]any {
	if e.raw == nil {
		return map[string]any{}
	}
	return e.raw
}

// HasSession reports whether this command targets a session.
func (e *Envelope) HasSession() bool {
	return e.SessionID != ""
}

// LaneKey computes the serialization-domain key for this command.
func (e *Envelope) LaneKey() string {
	if e.HasSession() {
		return "session:" + e.SessionID
	}
	return ServerLaneKey
}

// Response is returned for every command; the engine never throws, it
// always produces one of these (spec.md §7 propagation policy).
type Response struct {
	ID             string `json:"id,omitempty"`
	Command        string `json:"command"`
	Type           string `json:"type"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Data           any    `json:"data,omitempty"`
	SessionVersion *int64 `json:"sessionVersion,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
}

// Clone returns a shallow copy suitable for stamping with a different id
// and replayed flag without mutating the original (spec.md §4.3 "response
// is cloned with replayed=true").
func (r *Response) Clone() *Response {
	cp := *r
	return &cp
}

// NewResponse builds a base response for a command.
func NewResponse(id, commandType string, success bool) *Response {
	return &Response{
		ID:      id,
		Command: commandType,
		Type:    "response",
		Success: success,
	}
}

// ErrorResponse builds a failure response carrying the given error string.
func ErrorResponse(id, commandType, errMsg string) *Response {
	r := NewResponse(id, commandType, false)
	r.Error = errMsg
	return r
}
