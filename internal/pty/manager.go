// Package pty supervises PTY-backed processes: spawn and registration,
// signal delivery with history, resize, SIGTERM to SIGKILL escalation, output
// buffering with backpressure, health monitoring and orphan reconciliation.
package pty

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/proc"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

const (
	maxDimension = 10000
	pumpDrainMax = 100 * time.Millisecond
	readChunk    = 32 * 1024
)

// Exit reasons reported on pty.stopped.
const (
	ExitReasonExited     = "exited"
	ExitReasonTerminated = "terminated"
	ExitReasonEscalated  = "escalated"
	ExitReasonDead       = "dead"
)

// Emitter publishes best-effort events. *bus.Bus satisfies it.
type Emitter interface {
	Emit(topic envelope.Topic, ctx envelope.Context, payload map[string]any)
}

type discardEmitter struct{}

func (discardEmitter) Emit(envelope.Topic, envelope.Context, map[string]any) {}

// Options wires a Manager.
type Options struct {
	Config   Config
	Launcher proc.Launcher
	Signal   proc.Signaler
	Emitter  Emitter
	Table    ProcessTable
	IDs      idgen.Generator
	Now      func() time.Time
	// OnOutput receives drained ring output. It runs on the PTY's delivery
	// goroutine; a slow consumer lets the ring fill.
	OnOutput func(rec Record, data []byte)
	// OnStopped runs after a PTY has been removed from the registry.
	OnStopped func(rec Record, reason string)
}

type live struct {
	rec      *Record
	proc     proc.Process
	ring     *RingBuffer
	bp       *Backpressure
	overflow *rate.Sometimes

	lastOutput     time.Time
	lastHeartbeat  time.Time
	terminating    bool
	overflowEvents uint64

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	pumpDone  chan struct{}
}

// Manager owns the PTY registry and signal history. All mutation goes through
// its methods.
type Manager struct {
	cfg       Config
	launcher  proc.Launcher
	signal    proc.Signaler
	emitter   Emitter
	table     ProcessTable
	ids       idgen.Generator
	now       func() time.Time
	onOutput  func(Record, []byte)
	onStopped func(Record, string)

	mu      sync.Mutex
	reg     *registry
	live    map[string]*live
	signals map[string]*signalRing

	sf singleflight.Group
	wg sync.WaitGroup
}

// NewManager returns a manager with no processes.
func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:       opts.Config.withDefaults(),
		launcher:  opts.Launcher,
		signal:    opts.Signal,
		emitter:   opts.Emitter,
		table:     opts.Table,
		ids:       opts.IDs,
		now:       opts.Now,
		onOutput:  opts.OnOutput,
		onStopped: opts.OnStopped,
		live:      make(map[string]*live),
		signals:   make(map[string]*signalRing),
	}
	if m.launcher == nil {
		m.launcher = proc.PTYLauncher{}
	}
	if m.signal == nil {
		m.signal = proc.Kill
	}
	if m.emitter == nil {
		m.emitter = discardEmitter{}
	}
	if m.table == nil {
		m.table = SystemTable{}
	}
	if m.ids == nil {
		m.ids = idgen.UUID{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.reg = newRegistry(m.cfg.Capacity)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SpawnParams describes a PTY to start.
type SpawnParams struct {
	ID          string
	WorkspaceID string
	LaneID      string
	SessionID   string
	TerminalID  string
	// Command defaults to the configured shell.
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// Cols and Rows default to 80x24 when zero.
	Cols float64
	Rows float64
}

// Spawn starts a process in a new PTY and registers it. Capacity and
// duplicate ids are checked before anything is launched.
func (m *Manager) Spawn(ctx context.Context, p SpawnParams) (Record, error) {
	if p.ID == "" {
		p.ID = m.ids.NewID("pty")
	}
	if p.Cols == 0 {
		p.Cols = 80
	}
	if p.Rows == 0 {
		p.Rows = 24
	}
	if err := CheckDimensions(p.Cols, p.Rows); err != nil {
		return Record{}, err
	}
	if p.Command == "" {
		p.Command = m.cfg.Shell
	}

	m.mu.Lock()
	err := m.reg.admit(p.ID)
	m.mu.Unlock()
	if err != nil {
		return Record{}, err
	}

	started, err := m.launcher.Start(ctx, proc.Spec{
		Command: p.Command,
		Args:    p.Args,
		Dir:     p.Dir,
		Env:     envList(p.Env),
		Cols:    uint16(p.Cols),
		Rows:    uint16(p.Rows),
	})
	if err != nil {
		ptyLog.Warn("pty_spawn_failed", slog.String("pty_id", p.ID), slog.String("error", err.Error()))
		return Record{}, errcode.New(errcode.ProcessSpawnFailed, "spawn %s: %v", p.Command, err).
			WithDetail("pty_id", p.ID).
			WithDetail("command", p.Command)
	}

	now := m.now()
	rec := &Record{
		ID:          p.ID,
		WorkspaceID: p.WorkspaceID,
		LaneID:      p.LaneID,
		SessionID:   p.SessionID,
		TerminalID:  p.TerminalID,
		PID:         started.PID(),
		Command:     p.Command,
		State:       StateSpawning,
		Cols:        int(p.Cols),
		Rows:        int(p.Rows),
		Env:         p.Env,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l := &live{
		rec:           rec,
		proc:          started,
		ring:          NewRingBuffer(m.cfg.RingBytes),
		bp:            NewBackpressure(m.cfg.Threshold, m.cfg.Hysteresis),
		overflow:      &rate.Sometimes{Interval: m.cfg.OverflowWindow},
		lastOutput:    now,
		lastHeartbeat: now,
		notify:        make(chan struct{}, 1),
		closed:        make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}

	m.mu.Lock()
	if err := m.reg.add(rec); err != nil {
		// lost a race with a concurrent spawn of the same id or the last slot
		m.mu.Unlock()
		_ = started.Signal(syscall.SIGKILL)
		_ = started.Close()
		return Record{}, err
	}
	m.live[rec.ID] = l
	m.signals[rec.ID] = &signalRing{limit: m.cfg.SignalHistory}
	snap := rec.clone()
	m.mu.Unlock()

	ptyLog.Info("pty_spawned",
		slog.String("pty_id", snap.ID),
		slog.Int("pid", snap.PID),
		slog.String("terminal_id", snap.TerminalID),
		slog.String("command", snap.Command))
	m.emit(envelope.TopicPTYSpawned, snap, map[string]any{
		"pid":     snap.PID,
		"command": snap.Command,
		"cols":    snap.Cols,
		"rows":    snap.Rows,
	})

	m.wg.Add(3)
	go m.pump(l)
	go m.deliver(l)
	go m.watchExit(l)

	if out, err := m.setState(snap.ID, StateActive); err == nil {
		snap = out
	}
	return snap, nil
}

// Get returns a copy of the record.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.records[id]
	if !ok {
		return Record{}, ptyNotFound(id)
	}
	return rec.clone(), nil
}

// List returns every registered PTY ordered by id.
func (m *Manager) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.reg.records))
	for _, rec := range m.reg.records {
		out = append(out, rec.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of registered PTYs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reg.records)
}

// ByLane returns the lane's PTYs.
func (m *Manager) ByLane(laneID string) []Record {
	return m.indexed(func() []string { return m.reg.ids(m.reg.byLane, laneID) })
}

// BySession returns the session's PTYs.
func (m *Manager) BySession(sessionID string) []Record {
	return m.indexed(func() []string { return m.reg.ids(m.reg.bySession, sessionID) })
}

// ForTerminal returns the PTY bound to a terminal, if any.
func (m *Manager) ForTerminal(terminalID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.reg.records {
		if rec.TerminalID == terminalID {
			return rec.clone(), true
		}
	}
	return Record{}, false
}

func (m *Manager) indexed(ids func() []string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, id := range ids() {
		out = append(out, m.reg.records[id].clone())
	}
	return out
}

// Stats reports ring counters and backpressure for one PTY.
type Stats struct {
	RingStats
	Backpressure   bool      `json:"backpressure"`
	OverflowEvents uint64    `json:"overflow_events"`
	LastOutput     time.Time `json:"last_output"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Stats returns the PTY's buffer counters.
func (m *Manager) Stats(id string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live[id]
	if !ok {
		return Stats{}, ptyNotFound(id)
	}
	return Stats{
		RingStats:      l.ring.Stats(),
		Backpressure:   l.bp.On(),
		OverflowEvents: l.overflowEvents,
		LastOutput:     l.lastOutput,
		LastHeartbeat:  l.lastHeartbeat,
	}, nil
}

// Write sends input to the PTY and counts as a heartbeat.
func (m *Manager) Write(id string, data []byte) error {
	m.mu.Lock()
	l, ok := m.live[id]
	if ok {
		l.lastHeartbeat = m.now()
	}
	var state State
	if ok {
		state = l.rec.State
	}
	m.mu.Unlock()
	if !ok {
		return ptyNotFound(id)
	}
	if state == StateStopped || state == StateErrored {
		return invalidState(id, state, "write")
	}
	if _, err := l.proc.Input().Write(data); err != nil {
		ptyLog.Warn("pty_write_failed", slog.String("pty_id", id), slog.String("error", err.Error()))
		_, _ = m.setState(id, StateErrored)
		return errcode.New(errcode.PtyInvalidState, "write pty %s: %v", id, err).WithDetail("pty_id", id)
	}
	return nil
}

// Heartbeat refreshes the PTY's liveness clock.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live[id]
	if !ok {
		return ptyNotFound(id)
	}
	l.lastHeartbeat = m.now()
	return nil
}

// HeartbeatSession refreshes every PTY of the session and returns how many.
func (m *Manager) HeartbeatSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	ids := m.reg.ids(m.reg.bySession, sessionID)
	for _, id := range ids {
		m.live[id].lastHeartbeat = now
	}
	return len(ids)
}

// Resize validates and applies new dimensions, delivers SIGWINCH and emits
// pty.resized with the old and new sizes.
func (m *Manager) Resize(id string, cols, rows float64) (Record, error) {
	if err := CheckDimensions(cols, rows); err != nil {
		return Record{}, err.WithDetail("pty_id", id)
	}
	m.mu.Lock()
	l, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, ptyNotFound(id)
	}
	if s := l.rec.State; s == StateErrored || s == StateStopped {
		m.mu.Unlock()
		return Record{}, invalidState(id, s, "resize")
	}
	snap := l.rec.clone()
	m.mu.Unlock()

	if err := l.proc.Resize(uint16(cols), uint16(rows)); err != nil {
		return snap, errcode.New(errcode.PtyInvalidState, "resize pty %s: %v", id, err).WithDetail("pty_id", id)
	}
	m.sendSignal(snap, syscall.SIGWINCH, OutcomeDelivered)

	m.mu.Lock()
	oldCols, oldRows := l.rec.Cols, l.rec.Rows
	l.rec.Cols, l.rec.Rows = int(cols), int(rows)
	l.rec.UpdatedAt = m.now()
	snap = l.rec.clone()
	m.mu.Unlock()

	m.emit(envelope.TopicPTYResized, snap, map[string]any{
		"old_cols": oldCols,
		"old_rows": oldRows,
		"cols":     snap.Cols,
		"rows":     snap.Rows,
	})
	return snap, nil
}

// Signal delivers sig to the PTY's process. Delivery failures are recorded in
// the history with outcome failed; they are not returned.
func (m *Manager) Signal(id string, sig syscall.Signal) (SignalEnvelope, error) {
	rec, err := m.Get(id)
	if err != nil {
		return SignalEnvelope{}, err
	}
	return m.sendSignal(rec, sig, OutcomeDelivered), nil
}

// SignalHistory returns the retained signal envelopes for a PTY.
func (m *Manager) SignalHistory(id string) []SignalEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.signals[id]
	if !ok {
		return nil
	}
	return append([]SignalEnvelope(nil), ring.items...)
}

func (m *Manager) sendSignal(rec Record, sig syscall.Signal, success string) SignalEnvelope {
	env := SignalEnvelope{
		PtyID:   rec.ID,
		Signal:  proc.SignalName(sig),
		PID:     rec.PID,
		Outcome: success,
		At:      m.now(),
	}
	if err := m.signal(rec.PID, sig); err != nil {
		env.Outcome = OutcomeFailed
		env.Error = err.Error()
		ptyLog.Warn("pty_signal_failed",
			slog.String("pty_id", rec.ID),
			slog.Int("pid", rec.PID),
			slog.String("signal", env.Signal),
			slog.String("error", env.Error))
	}
	m.mu.Lock()
	if ring, ok := m.signals[rec.ID]; ok {
		ring.add(env)
	}
	m.mu.Unlock()

	payload := map[string]any{"pid": env.PID, "signal": env.Signal, "outcome": env.Outcome}
	if env.Error != "" {
		payload["error"] = env.Error
	}
	m.emit(envelope.TopicPTYSignal, rec, payload)
	return env
}

// setState applies a lifecycle transition and emits pty.state_changed.
func (m *Manager) setState(id string, to State) (Record, error) {
	m.mu.Lock()
	l, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, ptyNotFound(id)
	}
	from := l.rec.State
	if from == to {
		snap := l.rec.clone()
		m.mu.Unlock()
		return snap, nil
	}
	if err := checkTransition(id, from, to); err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	l.rec.State = to
	l.rec.UpdatedAt = m.now()
	snap := l.rec.clone()
	m.mu.Unlock()

	m.emit(envelope.TopicPTYStateChanged, snap, map[string]any{"from": string(from), "to": string(to)})
	return snap, nil
}

func (m *Manager) emit(topic envelope.Topic, rec Record, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["pty_id"] = rec.ID
	m.emitter.Emit(topic, envelope.Context{
		WorkspaceID: rec.WorkspaceID,
		LaneID:      rec.LaneID,
		SessionID:   rec.SessionID,
		TerminalID:  rec.TerminalID,
	}, payload)
}

// CheckDimensions validates a viewport size: both values must be integers in
// [1, 10000].
func CheckDimensions(cols, rows float64) *errcode.Error {
	valid := func(v float64) bool {
		return !math.IsNaN(v) && v == math.Trunc(v) && v >= 1 && v <= maxDimension
	}
	if valid(cols) && valid(rows) {
		return nil
	}
	return errcode.New(errcode.InvalidResizeDimensions,
		"cols and rows must be integers in [1, %d]", maxDimension).
		WithDetail("cols", cols).
		WithDetail("rows", rows)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func ptyNotFound(id string) *errcode.Error {
	return errcode.New(errcode.PtyNotFound, "pty %s not found", id).WithDetail("pty_id", id)
}

func invalidState(id string, s State, op string) *errcode.Error {
	return errcode.New(errcode.PtyInvalidState, "cannot %s pty %s in state %s", op, id, s).
		WithDetail("pty_id", id).
		WithDetail("state", string(s))
}
