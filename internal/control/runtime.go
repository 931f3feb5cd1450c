// Package control wires the registries and the PTY manager onto the bus. It
// owns one instance of each registry and registers a handler for every
// command method.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/bus"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/lane"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/proc"
	"github.com/asheshgoplani/lanedeck/internal/pty"
	"github.com/asheshgoplani/lanedeck/internal/recovery"
	"github.com/asheshgoplani/lanedeck/internal/session"
	"github.com/asheshgoplani/lanedeck/internal/terminal"
)

var ctlLog = logging.ForComponent(logging.CompControl)

// Options configures a Runtime.
type Options struct {
	Bus *bus.Bus
	IDs idgen.Generator
	Now func() time.Time
	// TaskLauncher starts lane.execute tasks.
	TaskLauncher proc.Launcher
	// PTY configures the PTY manager. Emitter, OnOutput and OnStopped are
	// set by the runtime.
	PTY pty.Options
	// TerminalBuffer is the per-terminal line buffer size in bytes.
	TerminalBuffer int
}

// Runtime is the control plane: lanes, sessions, terminals and PTYs behind
// one bus.
type Runtime struct {
	bus   *bus.Bus
	ids   idgen.Generator
	now   func() time.Time
	lanes *lane.Registry
	sess  *session.Registry
	terms *terminal.Registry
	ptys  *pty.Manager
}

// New builds a runtime and registers its handlers on opts.Bus.
func New(opts Options) (*Runtime, error) {
	if opts.Bus == nil {
		return nil, errors.New("control: bus is required")
	}
	if opts.IDs == nil {
		opts.IDs = idgen.UUID{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runtime{bus: opts.Bus, ids: opts.IDs, now: opts.Now}

	r.lanes = lane.NewRegistry(lane.Options{
		IDs:      opts.IDs,
		Now:      opts.Now,
		Launcher: opts.TaskLauncher,
		OnChange: r.laneChanged,
	})
	r.sess = session.NewRegistry(opts.IDs, opts.Now)
	r.terms = terminal.NewRegistry(opts.IDs, opts.Now, opts.TerminalBuffer)

	ptyOpts := opts.PTY
	ptyOpts.Emitter = opts.Bus
	ptyOpts.OnOutput = r.ptyOutput
	ptyOpts.OnStopped = r.ptyStopped
	if ptyOpts.IDs == nil {
		ptyOpts.IDs = opts.IDs
	}
	if ptyOpts.Now == nil {
		ptyOpts.Now = opts.Now
	}
	r.ptys = pty.NewManager(ptyOpts)

	r.register()
	return r, nil
}

func (r *Runtime) register() {
	h := map[envelope.Method]bus.Handler{
		envelope.MethodLaneCreate:       r.laneCreate,
		envelope.MethodLaneCleanup:      r.laneCleanup,
		envelope.MethodLaneExecute:      r.laneExecute,
		envelope.MethodLaneTransition:   r.laneTransition,
		envelope.MethodSessionAttach:    r.sessionAttach,
		envelope.MethodSessionDetach:    r.sessionDetach,
		envelope.MethodSessionTerminate: r.sessionTerminate,
		envelope.MethodSessionHeartbeat: r.sessionHeartbeat,
		envelope.MethodTerminalSpawn:    r.terminalSpawn,
		envelope.MethodTerminalInput:    r.terminalInput,
		envelope.MethodTerminalResize:   r.terminalResize,
		envelope.MethodTerminalClose:    r.terminalClose,
		envelope.MethodRuntimeSnapshot:  r.snapshot,
	}
	for m, fn := range h {
		r.bus.Handle(m, fn)
	}
}

// Bus returns the runtime's bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Lanes returns the lane registry.
func (r *Runtime) Lanes() *lane.Registry { return r.lanes }

// Sessions returns the session registry.
func (r *Runtime) Sessions() *session.Registry { return r.sess }

// Terminals returns the terminal registry.
func (r *Runtime) Terminals() *terminal.Registry { return r.terms }

// PTYs returns the PTY manager.
func (r *Runtime) PTYs() *pty.Manager { return r.ptys }

// State is the aggregate runtime view returned with lifecycle responses.
type State struct {
	Lanes        map[lane.State]int         `json:"lanes"`
	Sessions     map[session.Status]int     `json:"sessions"`
	Terminals    map[terminal.State]int     `json:"terminals"`
	PTYs         int                        `json:"ptys"`
	LastSequence uint64                     `json:"last_sequence"`
	InFlight     map[string]string          `json:"in_flight"`
	Latencies    map[string]bus.LatencyStat `json:"latencies"`
}

// State returns counts per state for every registry.
func (r *Runtime) State() State {
	return State{
		Lanes:        r.lanes.Counts(),
		Sessions:     r.sess.Counts(),
		Terminals:    r.terms.Counts(),
		PTYs:         r.ptys.Len(),
		LastSequence: r.bus.LastSequence(),
		InFlight:     r.bus.InFlight(),
		Latencies:    r.bus.Latencies(),
	}
}

// Checkpoint captures the registries for persistence.
func (r *Runtime) Checkpoint() recovery.Checkpoint {
	return recovery.Checkpoint{
		TakenAt:   r.now(),
		Lanes:     r.lanes.List(),
		Sessions:  r.sess.List(),
		Terminals: r.terms.List(),
	}
}

// Restore loads a checkpoint through the bootstrap plan and publishes
// recovery.bootstrapped. It must run before any command is served.
func (r *Runtime) Restore(cp recovery.Checkpoint) recovery.Plan {
	plan := recovery.Bootstrap(cp)
	r.lanes.Restore(plan.Lanes)
	r.sess.Restore(plan.Sessions)
	r.terms.Restore(plan.Terminals)

	findings := make([]any, 0, len(plan.Findings))
	for _, f := range plan.Findings {
		findings = append(findings, asMap(f))
	}
	r.bus.Emit(envelope.TopicRecoveryBootstrapped, envelope.Context{}, map[string]any{
		"lanes":      len(plan.Lanes),
		"sessions":   len(plan.Sessions),
		"terminals":  len(plan.Terminals),
		"recovered":  plan.Count(recovery.ActionRecovered),
		"reattach":   plan.Count(recovery.ActionReattach),
		"cleanup":    plan.Count(recovery.ActionCleanup),
		"findings":   findings,
		"checkpoint": envelope.Timestamp(cp.TakenAt),
	})
	return plan
}

// Shutdown terminates every PTY and waits for their goroutines.
func (r *Runtime) Shutdown(ctx context.Context) int {
	return r.ptys.Shutdown(ctx)
}

func (r *Runtime) laneChanged(c lane.Change) {
	r.bus.Emit(envelope.TopicLaneStateChanged,
		envelope.Context{WorkspaceID: c.WorkspaceID, LaneID: c.LaneID},
		map[string]any{
			"from":  string(c.From),
			"to":    string(c.To),
			"event": string(c.Event),
		})
}

func (r *Runtime) ptyOutput(rec pty.Record, data []byte) {
	if rec.TerminalID == "" {
		return
	}
	trec, res, err := r.terms.AppendOutput(rec.TerminalID, string(data))
	if err != nil {
		return
	}
	if res.Overflowed {
		logging.Aggregate(logging.CompTerminal, "terminal_buffer_evicted",
			slog.String("terminal_id", trec.ID),
			slog.Int("dropped", res.DroppedBytes))
	}
	r.bus.Emit(envelope.TopicTerminalOutput, terminalContext(trec, ""), map[string]any{
		"pty_id":   rec.ID,
		"sequence": trec.Sequence,
		"bytes":    len(data),
		"data":     string(data),
	})
}

func (r *Runtime) ptyStopped(rec pty.Record, reason string) {
	if rec.TerminalID == "" {
		return
	}
	trec, err := r.terms.Get(rec.TerminalID)
	if err != nil || trec.State == terminal.StateClosed {
		return
	}
	// the terminal was re-spawned onto a newer PTY
	if cur, ok := r.ptys.ForTerminal(rec.TerminalID); ok && cur.ID != rec.ID {
		return
	}
	if _, err := r.terms.Transition(trec.ID, terminal.StateClosed); err != nil {
		return
	}
	r.bus.Emit(envelope.TopicTerminalStateChanged, terminalContext(trec, ""), map[string]any{
		"from":   string(trec.State),
		"to":     string(terminal.StateClosed),
		"reason": reason,
		"pty_id": rec.ID,
	})
}

// begin publishes the start topic of a lifecycle. Unlike derived events its
// failure aborts the command: without a recorded start the terminal topic
// would be rejected or would close another command's lifecycle.
func (r *Runtime) begin(topic envelope.Topic, ctx envelope.Context, payload map[string]any) error {
	_, err := r.bus.Publish(r.bus.Factory().Event(topic, ctx, payload))
	return err
}

// fail publishes a lifecycle's failure topic and returns err for the
// response.
func (r *Runtime) fail(topic envelope.Topic, ctx envelope.Context, err error, extra map[string]any) error {
	ce := errcode.From(err)
	payload := map[string]any{
		"code":      string(ce.Code),
		"message":   ce.Message,
		"retryable": ce.Retryable,
	}
	for k, v := range extra {
		payload[k] = v
	}
	r.bus.Emit(topic, ctx, payload)
	return err
}

func terminalContext(rec terminal.Record, cid string) envelope.Context {
	return envelope.Context{
		WorkspaceID:   rec.WorkspaceID,
		LaneID:        rec.LaneID,
		SessionID:     rec.SessionID,
		TerminalID:    rec.ID,
		CorrelationID: cid,
	}
}

// asMap converts a record into the generic shape envelopes carry so results
// serialize and redact the same way as payloads.
func asMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
