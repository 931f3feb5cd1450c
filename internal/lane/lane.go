// Package lane holds the authoritative lane records. Every mutation of a lane
// runs inside that lane's keyed lock; different lanes never wait on each other.
package lane

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/keylock"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/proc"
)

var laneLog = logging.ForComponent(logging.CompLane)

// Record is one lane. Closed lanes stay in the registry for the life of the
// process.
type Record struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	State           State     `json:"state"`
	Agents          []string  `json:"agents,omitempty"`
	WorktreePath    string    `json:"worktree_path,omitempty"`
	TaskPID         int       `json:"task_pid,omitempty"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	TerminalIDs     []string  `json:"terminal_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *Record) clone() Record {
	cp := *r
	cp.Agents = slices.Clone(r.Agents)
	cp.TerminalIDs = slices.Clone(r.TerminalIDs)
	return cp
}

// Change describes one applied transition.
type Change struct {
	LaneID      string
	WorkspaceID string
	From        State
	To          State
	Event       Event
}

// Options configures a Registry.
type Options struct {
	IDs      idgen.Generator
	Now      func() time.Time
	Launcher proc.Launcher
	// OnChange is called for every applied transition while the lane lock is
	// still held, so observers see a lane's changes in order.
	OnChange func(Change)
}

// Registry owns all lane records.
type Registry struct {
	locks    *keylock.Map
	ids      idgen.Generator
	now      func() time.Time
	launcher proc.Launcher
	onChange func(Change)

	mu    sync.RWMutex
	lanes map[string]*Record
	tasks map[string]proc.Process
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.IDs == nil {
		opts.IDs = idgen.UUID{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Launcher == nil {
		opts.Launcher = proc.ExecLauncher{}
	}
	return &Registry{
		locks:    keylock.New(),
		ids:      opts.IDs,
		now:      opts.Now,
		launcher: opts.Launcher,
		onChange: opts.OnChange,
		lanes:    make(map[string]*Record),
		tasks:    make(map[string]proc.Process),
	}
}

// CreateParams describes a new lane.
type CreateParams struct {
	ID           string
	WorkspaceID  string
	WorktreePath string
	Agents       []string
}

// Create registers a lane in state new. An empty ID is generated.
func (r *Registry) Create(p CreateParams) (Record, error) {
	if p.ID == "" {
		p.ID = r.ids.NewID("lane")
	}
	var out Record
	err := r.locks.With(p.ID, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.lanes[p.ID]; exists {
			return errcode.New(errcode.DuplicateID, "lane %s already exists", p.ID).
				WithDetail("lane_id", p.ID)
		}
		now := r.now()
		rec := &Record{
			ID:           p.ID,
			WorkspaceID:  p.WorkspaceID,
			State:        StateNew,
			Agents:       dedupe(p.Agents),
			WorktreePath: p.WorktreePath,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		r.lanes[p.ID] = rec
		out = rec.clone()
		return nil
	})
	if err == nil {
		laneLog.Info("lane_created", slog.String("lane_id", out.ID), slog.String("workspace_id", out.WorkspaceID))
	}
	return out, err
}

// Get returns a copy of the lane.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.lanes[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return rec.clone(), nil
}

// List returns every lane ordered by creation time.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.lanes))
	for _, rec := range r.lanes {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of lanes per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[State]int)
	for _, rec := range r.lanes {
		out[rec.State]++
	}
	return out
}

// Transition applies ev to the lane.
func (r *Registry) Transition(id string, ev Event) (Record, error) {
	return r.mutate(id, func(t *txn) error {
		return t.apply(ev)
	})
}

// AttachAgent adds agentID to the lane if not already present.
func (r *Registry) AttachAgent(id, agentID string) (Record, error) {
	return r.mutate(id, func(t *txn) error {
		if !slices.Contains(t.rec.Agents, agentID) {
			t.rec.Agents = append(t.rec.Agents, agentID)
		}
		return nil
	})
}

// DetachAgent removes agentID from the lane.
func (r *Registry) DetachAgent(id, agentID string) (Record, error) {
	return r.mutate(id, func(t *txn) error {
		if i := slices.Index(t.rec.Agents, agentID); i >= 0 {
			t.rec.Agents = slices.Delete(t.rec.Agents, i, i+1)
		}
		return nil
	})
}

// SetActiveSession records the session currently attached to the lane. An
// empty id clears it.
func (r *Registry) SetActiveSession(id, sessionID string) error {
	_, err := r.mutate(id, func(t *txn) error {
		t.rec.ActiveSessionID = sessionID
		return nil
	})
	return err
}

// AddTerminal records a terminal as belonging to the lane.
func (r *Registry) AddTerminal(id, terminalID string) error {
	_, err := r.mutate(id, func(t *txn) error {
		if !slices.Contains(t.rec.TerminalIDs, terminalID) {
			t.rec.TerminalIDs = append(t.rec.TerminalIDs, terminalID)
		}
		return nil
	})
	return err
}

// RemoveTerminal drops a terminal reference from the lane.
func (r *Registry) RemoveTerminal(id, terminalID string) error {
	_, err := r.mutate(id, func(t *txn) error {
		if i := slices.Index(t.rec.TerminalIDs, terminalID); i >= 0 {
			t.rec.TerminalIDs = slices.Delete(t.rec.TerminalIDs, i, i+1)
		}
		return nil
	})
	return err
}

// Cleanup drives the lane to closed. Closing a closed lane is a no-op and a
// lane already cleaning is finished. Lanes with attached agents are refused
// unless force is set, in which case every agent is detached first. changed
// is false when the lane was already closed.
func (r *Registry) Cleanup(id string, force bool) (rec Record, changed bool, err error) {
	rec, err = r.mutate(id, func(t *txn) error {
		if t.rec.State == StateClosed {
			return nil
		}
		if len(t.rec.Agents) > 0 {
			if !force {
				return errcode.New(errcode.LaneHasAttachedAgents,
					"lane %s has %d attached agents", id, len(t.rec.Agents)).
					WithDetail("lane_id", id).
					WithDetail("agents", slices.Clone(t.rec.Agents))
			}
			laneLog.Info("lane_agents_force_detached", slog.String("lane_id", id), slog.Int("count", len(t.rec.Agents)))
			t.rec.Agents = nil
		}
		if t.rec.State != StateCleaning {
			if err := t.apply(EventCleanup); err != nil {
				return err
			}
		}
		if err := t.apply(EventClose); err != nil {
			return err
		}
		r.killTask(id)
		t.rec.TaskPID = 0
		changed = true
		return nil
	})
	return rec, changed && err == nil, err
}

// Restore replaces the registry contents with records from a checkpoint.
func (r *Registry) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes = make(map[string]*Record, len(records))
	for i := range records {
		rec := records[i].clone()
		if !rec.State.Valid() {
			rec.State = StateFailed
		}
		// a task pid from a previous process is not ours to track
		rec.TaskPID = 0
		r.lanes[rec.ID] = &rec
	}
}

// txn is a pending mutation of one lane. Changes are committed and observers
// notified only when the mutation function succeeds.
type txn struct {
	rec     Record
	changes []Change
}

func (t *txn) apply(ev Event) error {
	next, err := Next(t.rec.State, ev)
	if err != nil {
		return err.(*errcode.Error).WithDetail("lane_id", t.rec.ID)
	}
	t.changes = append(t.changes, Change{
		LaneID:      t.rec.ID,
		WorkspaceID: t.rec.WorkspaceID,
		From:        t.rec.State,
		To:          next,
		Event:       ev,
	})
	t.rec.State = next
	return nil
}

// mutate runs fn on a copy of the lane under the lane lock and commits the
// copy if fn succeeds.
func (r *Registry) mutate(id string, fn func(t *txn) error) (Record, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.lanes[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, notFound(id)
	}
	t := &txn{rec: cur.clone()}
	if err := fn(t); err != nil {
		return cur.clone(), err
	}
	r.commit(t)
	return t.rec.clone(), nil
}

func (r *Registry) commit(t *txn) {
	t.rec.UpdatedAt = r.now()
	rec := t.rec.clone()
	r.mu.Lock()
	r.lanes[rec.ID] = &rec
	r.mu.Unlock()
	for _, c := range t.changes {
		laneLog.Debug("lane_transition",
			slog.String("lane_id", c.LaneID),
			slog.String("from", string(c.From)),
			slog.String("to", string(c.To)),
			slog.String("event", string(c.Event)))
		if r.onChange != nil {
			r.onChange(c)
		}
	}
}

func notFound(id string) *errcode.Error {
	return errcode.New(errcode.LaneNotFound, "lane %s not found", id).WithDetail("lane_id", id)
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
