// Package session tracks interactive sessions attached to lanes. A lane has at
// most one active session and a provider session id is bound to at most one
// lane.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Record is one session.
type Record struct {
	ID                string    `json:"id"`
	LaneID            string    `json:"lane_id"`
	ProviderSessionID string    `json:"provider_session_id,omitempty"`
	Transport         Transport `json:"transport"`
	Status            Status    `json:"status"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Registry owns all session records and the lane and provider indexes.
type Registry struct {
	ids idgen.Generator
	now func() time.Time

	mu         sync.RWMutex
	sessions   map[string]*Record
	byLane     map[string]string
	byProvider map[string]string
}

// NewRegistry returns an empty registry. A nil generator uses UUIDs.
func NewRegistry(ids idgen.Generator, now func() time.Time) *Registry {
	if ids == nil {
		ids = idgen.UUID{}
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		ids:        ids,
		now:        now,
		sessions:   make(map[string]*Record),
		byLane:     make(map[string]string),
		byProvider: make(map[string]string),
	}
}

// Ensure returns the lane's active session, refreshing its transport and
// heartbeat, or allocates a new detached one. A provider session id already
// bound to another lane is rejected.
func (r *Registry) Ensure(laneID string, transport Transport, providerID string) (rec Record, created bool, err error) {
	if transport == "" {
		transport = TransportPrimary
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if providerID != "" {
		if sid, ok := r.byProvider[providerID]; ok {
			if owner := r.sessions[sid]; owner != nil && owner.LaneID != laneID {
				return Record{}, false, errcode.New(errcode.ProviderSessionConflict,
					"provider session %s is bound to lane %s", providerID, owner.LaneID).
					WithDetail("provider_session_id", providerID).
					WithDetail("lane_id", owner.LaneID).
					WithDetail("session_id", owner.ID)
			}
		}
	}

	now := r.now()
	if sid, ok := r.byLane[laneID]; ok {
		cur := r.sessions[sid]
		cur.Transport = transport
		cur.LastHeartbeat = now
		cur.UpdatedAt = now
		if providerID != "" && providerID != cur.ProviderSessionID {
			if cur.ProviderSessionID != "" {
				delete(r.byProvider, cur.ProviderSessionID)
			}
			cur.ProviderSessionID = providerID
			r.byProvider[providerID] = cur.ID
		}
		return *cur, false, nil
	}

	rec = Record{
		ID:                r.ids.NewID("sess"),
		LaneID:            laneID,
		ProviderSessionID: providerID,
		Transport:         transport,
		Status:            StatusDetached,
		LastHeartbeat:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored := rec
	r.sessions[rec.ID] = &stored
	r.byLane[laneID] = rec.ID
	if providerID != "" {
		r.byProvider[providerID] = rec.ID
	}
	sessionLog.Info("session_allocated",
		slog.String("session_id", rec.ID),
		slog.String("lane_id", laneID),
		slog.String("transport", string(transport)))
	return rec, true, nil
}

// Transition moves the session to status to.
func (r *Registry) Transition(id string, to Status) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return Record{}, notFound(id)
	}
	if err := r.transitionLocked(cur, to); err != nil {
		return *cur, err
	}
	return *cur, nil
}

// Terminate marks the session terminated and releases its lane and provider
// indexes. Terminating twice is a no-op; changed reports whether anything
// happened.
func (r *Registry) Terminate(id string) (rec Record, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return Record{}, false, notFound(id)
	}
	if cur.Status == StatusTerminated {
		return *cur, false, nil
	}
	if err := r.transitionLocked(cur, StatusTerminated); err != nil {
		return *cur, false, err
	}
	return *cur, true, nil
}

func (r *Registry) transitionLocked(cur *Record, to Status) error {
	if err := CheckTransition(cur.Status, to); err != nil {
		return err.(*errcode.Error).WithDetail("session_id", cur.ID)
	}
	from := cur.Status
	cur.Status = to
	cur.UpdatedAt = r.now()
	if to == StatusAttached {
		cur.LastHeartbeat = cur.UpdatedAt
	}
	if !to.Active() {
		r.releaseLocked(cur)
	}
	sessionLog.Debug("session_transition",
		slog.String("session_id", cur.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// Heartbeat refreshes the session's heartbeat.
func (r *Registry) Heartbeat(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok {
		return Record{}, notFound(id)
	}
	if !cur.Status.Active() {
		return *cur, errcode.New(errcode.InvalidTransition, "session %s is terminated", id).
			WithDetail("session_id", id)
	}
	cur.LastHeartbeat = r.now()
	return *cur, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.sessions[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return *cur, nil
}

// ForLane returns the lane's active session.
func (r *Registry) ForLane(laneID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byLane[laneID]
	if !ok {
		return Record{}, false
	}
	return *r.sessions[sid], true
}

// ForProvider returns the active session bound to a provider session id.
func (r *Registry) ForProvider(providerID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byProvider[providerID]
	if !ok {
		return Record{}, false
	}
	return *r.sessions[sid], true
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
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

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, s := range r.sessions {
		out[s.Status]++
	}
	return out
}

// Restore replaces the registry contents. Statuses are taken as given; the
// first active session per lane and per provider wins the index.
func (r *Registry) Restore(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Record, len(records))
	r.byLane = make(map[string]string)
	r.byProvider = make(map[string]string)
	for i := range records {
		rec := records[i]
		if !rec.Status.Valid() {
			rec.Status = StatusDetached
		}
		r.sessions[rec.ID] = &rec
		if !rec.Status.Active() {
			continue
		}
		if _, taken := r.byLane[rec.LaneID]; !taken && rec.LaneID != "" {
			r.byLane[rec.LaneID] = rec.ID
		}
		if rec.ProviderSessionID != "" {
			if _, taken := r.byProvider[rec.ProviderSessionID]; !taken {
				r.byProvider[rec.ProviderSessionID] = rec.ID
			}
		}
	}
}

func (r *Registry) releaseLocked(rec *Record) {
	if r.byLane[rec.LaneID] == rec.ID {
		delete(r.byLane, rec.LaneID)
	}
	if rec.ProviderSessionID != "" && r.byProvider[rec.ProviderSessionID] == rec.ID {
		delete(r.byProvider, rec.ProviderSessionID)
	}
}

func notFound(id string) *errcode.Error {
	return errcode.New(errcode.SessionNotFound, "session %s not found", id).WithDetail("session_id", id)
}
