package pty

import (
	"maps"
	"slices"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
)

// State is the lifecycle state of a PTY process.
type State string

const (
	StateSpawning  State = "spawning"
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateThrottled State = "throttled"
	StateErrored   State = "errored"
	StateStopped   State = "stopped"
)

var transitions = map[State][]State{
	StateSpawning:  {StateActive, StateIdle, StateErrored, StateStopped},
	StateIdle:      {StateActive, StateThrottled, StateErrored, StateStopped},
	StateActive:    {StateIdle, StateThrottled, StateErrored, StateStopped},
	StateThrottled: {StateActive, StateIdle, StateErrored, StateStopped},
	StateErrored:   {StateStopped},
	StateStopped:   nil,
}

func checkTransition(id string, from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return errcode.New(errcode.PtyInvalidState, "pty %s cannot move from %s to %s", id, from, to).
		WithDetail("pty_id", id).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// Record is one PTY-backed process.
type Record struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	LaneID      string            `json:"lane_id"`
	SessionID   string            `json:"session_id"`
	TerminalID  string            `json:"terminal_id"`
	PID         int               `json:"pid"`
	Command     string            `json:"command"`
	State       State             `json:"state"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
	Env         map[string]string `json:"env,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (r Record) clone() Record {
	r.Env = maps.Clone(r.Env)
	return r
}

// Signal outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeEscalated = "escalated"
)

// SignalEnvelope records one signal delivery attempt.
type SignalEnvelope struct {
	PtyID   string    `json:"pty_id"`
	Signal  string    `json:"signal"`
	PID     int       `json:"pid"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// signalRing keeps the most recent signal envelopes.
type signalRing struct {
	limit int
	items []SignalEnvelope
}

func (s *signalRing) add(e SignalEnvelope) {
	s.items = append(s.items, e)
	if over := len(s.items) - s.limit; over > 0 {
		s.items = slices.Delete(s.items, 0, over)
	}
}

// registry indexes records by id, lane and session. Callers hold the
// manager lock.
type registry struct {
	capacity  int
	records   map[string]*Record
	byLane    map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

func newRegistry(capacity int) *registry {
	return &registry{
		capacity:  capacity,
		records:   make(map[string]*Record),
		byLane:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// admit checks whether id could be registered now.
func (r *registry) admit(id string) error {
	if _, ok := r.records[id]; ok {
		return errcode.New(errcode.DuplicateID, "pty %s already registered", id).WithDetail("pty_id", id)
	}
	if len(r.records) >= r.capacity {
		return errcode.New(errcode.RegistryCapacityExceeded, "pty registry is full (%d)", r.capacity).
			WithDetail("capacity", r.capacity)
	}
	return nil
}

func (r *registry) add(rec *Record) error {
	if err := r.admit(rec.ID); err != nil {
		return err
	}
	r.records[rec.ID] = rec
	addIndex(r.byLane, rec.LaneID, rec.ID)
	addIndex(r.bySession, rec.SessionID, rec.ID)
	return nil
}

func (r *registry) remove(id string) (*Record, bool) {
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	delete(r.records, id)
	dropIndex(r.byLane, rec.LaneID, id)
	dropIndex(r.bySession, rec.SessionID, id)
	return rec, true
}

func (r *registry) ids(index map[string]map[string]struct{}, key string) []string {
	out := make([]string, 0, len(index[key]))
	for id := range index[key] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *registry) byPID(pid int) *Record {
	for _, rec := range r.records {
		if rec.PID == pid {
			return rec
		}
	}
	return nil
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
