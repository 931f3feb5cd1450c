// Package errcode defines the coded error type shared by every layer of the
// control plane. Each error carries a stable machine-readable code, a human
// message, a retryable flag and optional structured details, so it can be
// copied verbatim into a response envelope.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier.
type Code string

// Envelope shape errors.
const (
	MalformedEnvelope    Code = "MALFORMED_ENVELOPE"
	MissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	InvalidType          Code = "INVALID_TYPE"
	InvalidMethod        Code = "INVALID_METHOD"
	InvalidTopic         Code = "INVALID_TOPIC"
	InvalidStatus        Code = "INVALID_STATUS"
	InvalidTimestamp     Code = "INVALID_TIMESTAMP"
	InvalidPayload       Code = "INVALID_PAYLOAD"
	MissingContext       Code = "MISSING_CONTEXT"
	MissingCorrelationID Code = "MISSING_CORRELATION_ID"
)

// Bus errors.
const (
	OrderingViolation Code = "ORDERING_VIOLATION"
	MethodNotHandled  Code = "METHOD_NOT_HANDLED"
	ForcedFailure     Code = "FORCED_FAILURE"
)

// Lifecycle errors.
const (
	InvalidTransition       Code = "INVALID_TRANSITION"
	LaneTransitionInvalid   Code = "LANE_TRANSITION_INVALID"
	LaneNotFound            Code = "LANE_NOT_FOUND"
	LaneHasAttachedAgents   Code = "LANE_HAS_ATTACHED_AGENTS"
	LaneNotReady            Code = "LANE_NOT_READY"
	SessionNotFound         Code = "SESSION_NOT_FOUND"
	ProviderSessionConflict Code = "PROVIDER_SESSION_COLLISION"
	TerminalNotFound        Code = "TERMINAL_NOT_FOUND"
	TerminalContextMismatch Code = "TERMINAL_CONTEXT_MISMATCH"
)

// Process errors.
const (
	InvalidResizeDimensions  Code = "INVALID_RESIZE_DIMENSIONS"
	ProcessSpawnFailed       Code = "PROCESS_SPAWN_FAILED"
	ExecutionTimeout         Code = "EXECUTION_TIMEOUT"
	RegistryCapacityExceeded Code = "REGISTRY_CAPACITY_EXCEEDED"
	DuplicateID              Code = "DUPLICATE_ID"
	PtyNotFound              Code = "PTY_NOT_FOUND"
	PtyInvalidState          Code = "PTY_INVALID_STATE"
)

// Infrastructure errors.
const (
	DependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
	Internal              Code = "INTERNAL"
)

// Error is a coded, structured failure.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error by code so errors.Is(err, errcode.New(code, ""))
// works regardless of message and details.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New builds a non-retryable error. Only DependencyUnavailable defaults to
// retryable; everything else describes a request that will fail identically
// if resent unchanged.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == DependencyUnavailable,
	}
}

// Retryable builds an error with the retryable flag set.
func Retryable(code Code, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Retryable = true
	return e
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// From converts any error into an *Error, wrapping uncoded failures as
// Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return New(Internal, "%s", err.Error())
}
