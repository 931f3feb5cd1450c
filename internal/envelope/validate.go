package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
)

// Validate checks a typed envelope. It returns nil or an *errcode.Error.
func Validate(e Envelope) error {
	if e.ID == "" {
		return missing("id")
	}
	if e.Type == "" {
		return missing("type")
	}
	if e.TS == "" {
		return missing("ts")
	}
	if _, err := time.Parse(time.RFC3339Nano, e.TS); err != nil {
		return errcode.New(errcode.InvalidTimestamp, "ts must be RFC3339 with an explicit offset").
			WithDetail("ts", e.TS)
	}

	switch e.Type {
	case TypeCommand:
		return validateCommand(e)
	case TypeEvent:
		return validateEvent(e)
	case TypeResponse:
		return validateResponse(e)
	default:
		return errcode.New(errcode.InvalidType, "unknown envelope type %q", e.Type).
			WithDetail("type", string(e.Type))
	}
}

func validateCommand(e Envelope) error {
	if e.Method == "" {
		return missing("method")
	}
	if !e.Method.Known() {
		return errcode.New(errcode.InvalidMethod, "unknown method %q", e.Method).
			WithDetail("method", string(e.Method))
	}
	if e.Payload == nil {
		return missing("payload")
	}
	if err := checkContext(e.Context, e.Method.Requirement(), string(e.Method)); err != nil {
		return err
	}
	if err := validatePayload(e.Method, e.Payload); err != nil {
		return errcode.New(errcode.InvalidPayload, "payload rejected for %s", e.Method).
			WithDetail("method", string(e.Method)).
			WithDetail("reason", err.Error())
	}
	return nil
}

func validateEvent(e Envelope) error {
	if e.Topic == "" {
		return missing("topic")
	}
	if !e.Topic.Known() {
		return errcode.New(errcode.InvalidTopic, "unknown topic %q", e.Topic).
			WithDetail("topic", string(e.Topic))
	}
	if e.Payload == nil {
		return missing("payload")
	}
	return checkContext(e.Context, e.Topic.Requirement(), string(e.Topic))
}

func validateResponse(e Envelope) error {
	switch e.Status {
	case "":
		return missing("status")
	case StatusOK, StatusError:
	default:
		return errcode.New(errcode.InvalidStatus, "status must be ok or error, got %q", e.Status).
			WithDetail("status", string(e.Status))
	}
	if e.Error != nil && (e.Error.Code == "" || e.Error.Message == "") {
		return errcode.New(errcode.MalformedEnvelope, "error object needs code and message").
			WithDetail("field", "error")
	}
	return nil
}

// checkContext enforces the static requirement table. The correlation id is
// checked first and reported with its own code.
func checkContext(c Context, req Requirement, name string) error {
	if req.Correlation && c.CorrelationID == "" {
		return errcode.New(errcode.MissingCorrelationID, "%s requires correlation_id", name).
			WithDetail("target", name)
	}
	var absent []string
	if req.Workspace && c.WorkspaceID == "" {
		absent = append(absent, "workspace_id")
	}
	if req.Lane && c.LaneID == "" {
		absent = append(absent, "lane_id")
	}
	if req.Session && c.SessionID == "" {
		absent = append(absent, "session_id")
	}
	if req.Terminal && c.TerminalID == "" {
		absent = append(absent, "terminal_id")
	}
	if len(absent) > 0 {
		return errcode.New(errcode.MissingContext, "%s requires %v", name, absent).
			WithDetail("target", name).
			WithDetail("missing", absent)
	}
	return nil
}

func missing(field string) *errcode.Error {
	return errcode.New(errcode.MissingRequiredField, "%s is required", field).
		WithDetail("field", field)
}

func malformed(field, want string) *errcode.Error {
	return errcode.New(errcode.MalformedEnvelope, "%s must be %s", field, want).
		WithDetail("field", field)
}

// Decode parses and validates a JSON envelope.
func Decode(data []byte) (Envelope, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errcode.New(errcode.MalformedEnvelope, "invalid JSON: %v", err)
	}
	return ValidateValue(raw)
}

// ValidateValue accepts any value (typed envelope, decoded JSON object, raw
// JSON bytes) and returns the validated envelope or a coded error. It never
// panics on malformed input.
func ValidateValue(v any) (Envelope, error) {
	switch t := v.(type) {
	case Envelope:
		return t, Validate(t)
	case *Envelope:
		if t == nil {
			return Envelope{}, errcode.New(errcode.MalformedEnvelope, "envelope is nil")
		}
		return *t, Validate(*t)
	case []byte:
		return Decode(t)
	case json.RawMessage:
		return Decode(t)
	case map[string]any:
		e, err := fromMap(t)
		if err != nil {
			return Envelope{}, err
		}
		return e, Validate(e)
	default:
		return Envelope{}, errcode.New(errcode.MalformedEnvelope, "envelope must be an object, got %T", v)
	}
}

func fromMap(m map[string]any) (Envelope, error) {
	var e Envelope
	var err error
	str := func(key string, dst *string) {
		if err != nil {
			return
		}
		v, ok := m[key]
		if !ok || v == nil {
			return
		}
		s, ok := v.(string)
		if !ok {
			err = malformed(key, "a string")
			return
		}
		*dst = s
	}
	obj := func(key string, dst *map[string]any, code errcode.Code) {
		if err != nil {
			return
		}
		v, ok := m[key]
		if !ok || v == nil {
			return
		}
		o, ok := v.(map[string]any)
		if !ok {
			err = errcode.New(code, "%s must be an object", key).WithDetail("field", key)
			return
		}
		*dst = o
	}

	var typ, method, topic, status string
	str("id", &e.ID)
	str("type", &typ)
	str("ts", &e.TS)
	str("workspace_id", &e.WorkspaceID)
	str("lane_id", &e.LaneID)
	str("session_id", &e.SessionID)
	str("terminal_id", &e.TerminalID)
	str("correlation_id", &e.CorrelationID)
	str("method", &method)
	str("topic", &topic)
	str("status", &status)
	str("reply_to", &e.ReplyTo)
	obj("payload", &e.Payload, errcode.InvalidPayload)
	obj("result", &e.Result, errcode.MalformedEnvelope)
	if err != nil {
		return Envelope{}, err
	}
	e.Type = Type(typ)
	e.Method = Method(method)
	e.Topic = Topic(topic)
	e.Status = Status(status)

	if v, ok := m["sequence"]; ok && v != nil {
		seq, ok := asUint(v)
		if !ok {
			return Envelope{}, malformed("sequence", "a non-negative integer")
		}
		e.Sequence = seq
	}

	if v, ok := m["error"]; ok && v != nil {
		ee, perr := errorFromValue(v)
		if perr != nil {
			return Envelope{}, perr
		}
		e.Error = ee
	}
	return e, nil
}

func errorFromValue(v any) (*errcode.Error, error) {
	o, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("error", "an object")
	}
	code, ok := o["code"].(string)
	if !ok || code == "" {
		return nil, malformed("error.code", "a non-empty string")
	}
	msg, ok := o["message"].(string)
	if !ok {
		return nil, malformed("error.message", "a string")
	}
	retryable, ok := o["retryable"].(bool)
	if !ok {
		return nil, malformed("error.retryable", "a boolean")
	}
	out := &errcode.Error{Code: errcode.Code(code), Message: msg, Retryable: retryable}
	if d, present := o["details"]; present && d != nil {
		details, ok := d.(map[string]any)
		if !ok {
			return nil, malformed("error.details", "an object")
		}
		out.Details = details
	}
	return out, nil
}

func asUint(v any) (uint64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
	if f < 0 || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return uint64(f), true
}

// String renders the envelope identity for logs.
func (e Envelope) String() string {
	switch e.Type {
	case TypeCommand:
		return fmt.Sprintf("command %s %s", e.Method, e.ID)
	case TypeEvent:
		return fmt.Sprintf("event %s #%d %s", e.Topic, e.Sequence, e.ID)
	default:
		return fmt.Sprintf("response %s %s", e.Status, e.ID)
	}
}
