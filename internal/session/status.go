package session

import "github.com/asheshgoplani/lanedeck/internal/errcode"

// Status is the attachment status of a session.
type Status string

const (
	StatusDetached   Status = "detached"
	StatusAttaching  Status = "attaching"
	StatusAttached   Status = "attached"
	StatusRestoring  Status = "restoring"
	StatusTerminated Status = "terminated"
)

// Transport is how the session reaches its provider.
type Transport string

const (
	TransportPrimary  Transport = "primary"
	TransportFallback Transport = "fallback"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportPrimary || t == TransportFallback
}

var transitions = map[Status][]Status{
	StatusDetached:   {StatusAttaching, StatusRestoring, StatusTerminated},
	StatusAttaching:  {StatusAttached, StatusDetached, StatusTerminated},
	StatusAttached:   {StatusDetached, StatusRestoring, StatusTerminated},
	StatusRestoring:  {StatusAttached, StatusDetached, StatusTerminated},
	StatusTerminated: nil,
}

// CheckTransition returns nil when from may move to to.
func CheckTransition(from, to Status) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return errcode.New(errcode.InvalidTransition, "session cannot move from %s to %s", from, to).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// Active reports whether the status still holds the lane and provider indexes.
func (s Status) Active() bool {
	return s != StatusTerminated
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}
