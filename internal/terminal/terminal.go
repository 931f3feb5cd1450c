// Package terminal tracks PTY-backed terminals and their owning
// workspace, lane and session.
package terminal

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

var termLog = logging.ForComponent(logging.CompTerminal)

// State is the lifecycle state of a terminal.
type State string

const (
	StateIdle      State = "idle"
	StateSpawning  State = "spawning"
	StateActive    State = "active"
	StateThrottled State = "throttled"
	StateClosed    State = "closed"
)

var transitions = map[State][]State{
	StateIdle:      {StateSpawning, StateActive, StateClosed},
	StateSpawning:  {StateActive, StateIdle, StateClosed},
	StateActive:    {StateThrottled, StateIdle, StateClosed},
	StateThrottled: {StateActive, StateClosed},
	StateClosed:    nil,
}

// CheckTransition returns nil when from may move to to.
func CheckTransition(from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return errcode.New(errcode.InvalidTransition, "terminal cannot move from %s to %s", from, to).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// Owner is the exact parent triple of a terminal.
type Owner struct {
	WorkspaceID string `json:"workspace_id"`
	LaneID      string `json:"lane_id"`
	SessionID   string `json:"session_id"`
}

// Record is one terminal.
type Record struct {
	ID string `json:"id"`
	Owner
	State     State     `json:"state"`
	Sequence  uint64    `json:"sequence"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entry struct {
	rec Record
	buf *LineBuffer
}

// Registry owns terminal records and their output buffers.
type Registry struct {
	ids         idgen.Generator
	now         func() time.Time
	bufferLimit int

	mu        sync.RWMutex
	terminals map[string]*entry
	bySession map[string]map[string]struct{}
}

// NewRegistry returns an empty registry whose terminals buffer up to
// bufferLimit bytes of output each.
func NewRegistry(ids idgen.Generator, now func() time.Time, bufferLimit int) *Registry {
	if ids == nil {
		ids = idgen.UUID{}
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		ids:         ids,
		now:         now,
		bufferLimit: bufferLimit,
		terminals:   make(map[string]*entry),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// SpawnParams describes a terminal to register.
type SpawnParams struct {
	ID    string
	Owner Owner
	Title string
}

// Spawn registers a terminal in state spawning. A terminal already using the
// id is replaced: its buffer is cleared, its sequence restarts and it is
// reindexed under the new session.
func (r *Registry) Spawn(p SpawnParams) Record {
	if p.ID == "" {
		p.ID = r.ids.NewID("term")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	created := now
	if prev, ok := r.terminals[p.ID]; ok {
		r.unindexLocked(prev.rec)
		created = prev.rec.CreatedAt
		termLog.Info("terminal_respawned",
			slog.String("terminal_id", p.ID),
			slog.String("old_session_id", prev.rec.SessionID),
			slog.String("session_id", p.Owner.SessionID))
	}
	e := &entry{
		rec: Record{
			ID:        p.ID,
			Owner:     p.Owner,
			State:     StateSpawning,
			Title:     p.Title,
			CreatedAt: created,
			UpdatedAt: now,
		},
		buf: NewLineBuffer(r.bufferLimit),
	}
	r.terminals[p.ID] = e
	r.indexLocked(e.rec)
	return e.rec
}

// IsOwnedBy reports whether the terminal exists and belongs to exactly the
// given workspace, lane and session.
func (r *Registry) IsOwnedBy(id string, owner Owner) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.terminals[id]
	return ok && e.rec.Owner == owner
}

// CheckOwner is IsOwnedBy with a reason: TERMINAL_NOT_FOUND when the
// terminal is gone, TERMINAL_CONTEXT_MISMATCH when another context owns it.
func (r *Registry) CheckOwner(id string, owner Owner) error {
	if r.IsOwnedBy(id, owner) {
		return nil
	}
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec.Owner == owner {
		// respawned into this context between the two reads
		return nil
	}
	return errcode.New(errcode.TerminalContextMismatch,
		"terminal %s does not belong to the requested context", id).
		WithDetail("terminal_id", id).
		WithDetail("expected", owner).
		WithDetail("actual", rec.Owner)
}

// Get returns a copy of the terminal.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.terminals[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return e.rec, nil
}

// Transition moves the terminal to state to.
func (r *Registry) Transition(id string, to State) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.terminals[id]
	if !ok {
		return Record{}, notFound(id)
	}
	if err := CheckTransition(e.rec.State, to); err != nil {
		return e.rec, err.(*errcode.Error).WithDetail("terminal_id", id)
	}
	e.rec.State = to
	e.rec.UpdatedAt = r.now()
	return e.rec, nil
}

// AppendOutput pushes data into the terminal buffer and advances its output
// sequence.
func (r *Registry) AppendOutput(id, data string) (Record, PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.terminals[id]
	if !ok {
		return Record{}, PushResult{}, notFound(id)
	}
	res := e.buf.Push(data)
	e.rec.Sequence++
	e.rec.UpdatedAt = r.now()
	return e.rec, res, nil
}

// Output returns the buffered entries and the running dropped byte count.
func (r *Registry) Output(id string) ([]string, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.terminals[id]
	if !ok {
		return nil, 0, notFound(id)
	}
	return e.buf.Entries(), e.buf.Dropped(), nil
}

// ForSession returns the session's terminals ordered by id.
func (r *Registry) ForSession(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.bySession[sessionID]))
	for id := range r.bySession[sessionID] {
		out = append(out, r.terminals[id].rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveBySession drops every terminal of the session and returns them.
func (r *Registry) RemoveBySession(sessionID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.bySession[sessionID]
	out := make([]Record, 0, len(ids))
	for id := range ids {
		out = append(out, r.terminals[id].rec)
		delete(r.terminals, id)
	}
	delete(r.bySession, sessionID)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > 0 {
		termLog.Info("terminals_removed", slog.String("session_id", sessionID), slog.Int("count", len(out)))
	}
	return out
}

// List returns every terminal ordered by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.terminals))
	for _, e := range r.terminals {
		out = append(out, e.rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of terminals per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[State]int)
	for _, e := range r.terminals {
		out[e.rec.State]++
	}
	return out
}

// Restore replaces the registry contents. Buffers start empty.
func (r *Registry) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals = make(map[string]*entry, len(records))
	r.bySession = make(map[string]map[string]struct{})
	for _, rec := range records {
		if _, ok := transitions[rec.State]; !ok {
			rec.State = StateIdle
		}
		r.terminals[rec.ID] = &entry{rec: rec, buf: NewLineBuffer(r.bufferLimit)}
		r.indexLocked(rec)
	}
}

func (r *Registry) indexLocked(rec Record) {
	set, ok := r.bySession[rec.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[rec.SessionID] = set
	}
	set[rec.ID] = struct{}{}
}

func (r *Registry) unindexLocked(rec Record) {
	set := r.bySession[rec.SessionID]
	delete(set, rec.ID)
	if len(set) == 0 {
		delete(r.bySession, rec.SessionID)
	}
}

func notFound(id string) *errcode.Error {
	return errcode.New(errcode.TerminalNotFound, "terminal %s not found", id).WithDetail("terminal_id", id)
}
