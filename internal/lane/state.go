package lane

import "github.com/asheshgoplani/lanedeck/internal/errcode"

// State is the lifecycle state of a lane.
type State string

const (
	StateNew          State = "new"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateBlocked      State = "blocked"
	StateShared       State = "shared"
	StateCleaning     State = "cleaning"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Event drives a lane transition.
type Event string

const (
	EventProvision Event = "provision"
	EventReady     Event = "ready"
	EventRun       Event = "run"
	EventComplete  Event = "complete"
	EventBlock     Event = "block"
	EventUnblock   Event = "unblock"
	EventShare     Event = "share"
	EventUnshare   Event = "unshare"
	EventCleanup   Event = "cleanup"
	EventClose     Event = "close"
	EventFail      Event = "fail"
	EventRetry     Event = "retry"
)

var transitions = map[State]map[Event]State{
	StateNew: {
		EventProvision: StateProvisioning,
		EventCleanup:   StateCleaning,
		EventFail:      StateFailed,
	},
	StateProvisioning: {
		EventReady:   StateReady,
		EventCleanup: StateCleaning,
		EventFail:    StateFailed,
	},
	StateReady: {
		EventRun:     StateRunning,
		EventBlock:   StateBlocked,
		EventShare:   StateShared,
		EventCleanup: StateCleaning,
		EventFail:    StateFailed,
	},
	StateRunning: {
		EventComplete: StateReady,
		EventBlock:    StateBlocked,
		EventShare:    StateShared,
		EventCleanup:  StateCleaning,
		EventFail:     StateFailed,
	},
	StateBlocked: {
		EventUnblock: StateReady,
		EventRun:     StateRunning,
		EventCleanup: StateCleaning,
		EventFail:    StateFailed,
	},
	StateShared: {
		EventUnshare: StateReady,
		EventCleanup: StateCleaning,
		EventFail:    StateFailed,
	},
	StateCleaning: {
		EventClose: StateClosed,
		EventFail:  StateFailed,
	},
	StateFailed: {
		EventRetry:   StateProvisioning,
		EventCleanup: StateCleaning,
	},
	StateClosed: {},
}

// Next returns the state reached from s on ev. Pairs missing from the table
// are rejected; nothing is defaulted.
func Next(s State, ev Event) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, errcode.New(errcode.LaneTransitionInvalid, "lane cannot %s from %s", ev, s).
			WithDetail("state", string(s)).
			WithDetail("event", string(ev))
	}
	return next, nil
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}
