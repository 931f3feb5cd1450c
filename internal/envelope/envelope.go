// Package envelope defines the command/event/response message unit that flows
// through the bus, the closed method and topic registries, and the validator.
package envelope

import (
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
)

// Type discriminates the three envelope kinds.
type Type string

const (
	TypeCommand  Type = "command"
	TypeEvent    Type = "event"
	TypeResponse Type = "response"
)

// Status is the outcome carried by a response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Context carries the scoping ids of an envelope.
type Context struct {
	WorkspaceID   string `json:"workspace_id,omitempty"`
	LaneID        string `json:"lane_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	TerminalID    string `json:"terminal_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is a command, event or response. Which fields are meaningful
// depends on Type; Validate enforces the combination.
type Envelope struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	TS   string `json:"ts"`
	Context

	// command
	Method Method `json:"method,omitempty"`

	// event
	Topic    Topic  `json:"topic,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`

	// command and event
	Payload map[string]any `json:"payload,omitempty"`

	// response
	Status  Status         `json:"status,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *errcode.Error `json:"error,omitempty"`
	ReplyTo string         `json:"reply_to,omitempty"`
}

// Timestamp formats t the way envelopes carry it.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// Time parses the envelope timestamp.
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.TS)
}

// Factory mints envelopes with injected ids and clock.
type Factory struct {
	IDs idgen.Generator
	Now func() time.Time
}

// NewFactory returns a factory using UUID ids and the wall clock.
func NewFactory() *Factory {
	return &Factory{IDs: idgen.UUID{}, Now: time.Now}
}

func (f *Factory) stamp(t Type, prefix string) Envelope {
	return Envelope{
		ID:   f.IDs.NewID(prefix),
		Type: t,
		TS:   Timestamp(f.Now()),
	}
}

// Command builds a command envelope.
func (f *Factory) Command(method Method, ctx Context, payload map[string]any) Envelope {
	e := f.stamp(TypeCommand, "cmd")
	e.Context = ctx
	e.Method = method
	e.Payload = payload
	return e
}

// Event builds an unsequenced event envelope. The bus assigns Sequence.
func (f *Factory) Event(topic Topic, ctx Context, payload map[string]any) Envelope {
	e := f.stamp(TypeEvent, "evt")
	e.Context = ctx
	e.Topic = topic
	e.Payload = payload
	return e
}

// OK builds a success response to cmd.
func (f *Factory) OK(cmd Envelope, result map[string]any) Envelope {
	e := f.stamp(TypeResponse, "res")
	e.Context = cmd.Context
	e.ReplyTo = cmd.ID
	e.Status = StatusOK
	e.Result = result
	return e
}

// Fail builds an error response to cmd.
func (f *Factory) Fail(cmd Envelope, err error) Envelope {
	e := f.stamp(TypeResponse, "res")
	e.Context = cmd.Context
	e.ReplyTo = cmd.ID
	e.Status = StatusError
	e.Error = errcode.From(err)
	return e
}

// Clone returns a copy of e whose payload and result maps share nothing
// with the original.
func (e Envelope) Clone() Envelope {
	e.Payload = CopyMap(e.Payload)
	e.Result = CopyMap(e.Result)
	if e.Error != nil {
		cp := *e.Error
		cp.Details = CopyMap(e.Error.Details)
		e.Error = &cp
	}
	return e
}

// CopyMap deep-copies nested maps and slices of a decoded JSON object.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = copyValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
