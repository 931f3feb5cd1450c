package recovery

import (
	"log/slog"
	"sort"

	"github.com/asheshgoplani/lanedeck/internal/lane"
	"github.com/asheshgoplani/lanedeck/internal/session"
	"github.com/asheshgoplani/lanedeck/internal/terminal"
)

// Action is what a finding asks an operator or a later step to do.
type Action string

const (
	ActionRecovered Action = "recovered"
	ActionReattach  Action = "reattach"
	ActionReconcile Action = "reconcile"
	ActionCleanup   Action = "cleanup"
)

// Kind names the registry a finding refers to.
type Kind string

const (
	KindLane     Kind = "lane"
	KindSession  Kind = "session"
	KindTerminal Kind = "terminal"
)

// Finding is one record that needs (or received) attention.
type Finding struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Ref    string `json:"ref,omitempty"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

func (f Finding) fields() map[string]any {
	m := map[string]any{
		"kind":   string(f.Kind),
		"id":     f.ID,
		"action": string(f.Action),
		"reason": f.Reason,
	}
	if f.Ref != "" {
		m["ref"] = f.Ref
	}
	return m
}

// Plan is the registry content to restore plus the decision for each record
// that was changed on the way.
type Plan struct {
	Lanes     []lane.Record
	Sessions  []session.Record
	Terminals []terminal.Record
	Findings  []Finding
}

// Count returns how many findings carry action a.
func (p Plan) Count(a Action) int {
	return countAction(p.Findings, a)
}

// Bootstrap decides how a checkpoint comes back after a restart. Sessions
// without a provider session id cannot be resumed and are left out for
// cleanup. Sessions whose lane is gone come back detached awaiting reattach.
// Every other live session is restored as attached. Processes do not survive
// a restart, so running lanes fall back to ready and live terminals to idle.
func Bootstrap(cp Checkpoint) Plan {
	var plan Plan

	lanes := make(map[string]bool, len(cp.Lanes))
	for _, rec := range cp.Lanes {
		lanes[rec.ID] = true
		if rec.State == lane.StateRunning {
			rec.State = lane.StateReady
			rec.TaskPID = 0
			plan.Findings = append(plan.Findings, Finding{
				Kind: KindLane, ID: rec.ID, Action: ActionReconcile,
				Reason: "task did not survive restart",
			})
		}
		plan.Lanes = append(plan.Lanes, rec)
	}

	for _, rec := range cp.Sessions {
		if rec.Status == session.StatusTerminated {
			plan.Sessions = append(plan.Sessions, rec)
			continue
		}
		switch {
		case rec.ProviderSessionID == "":
			plan.Findings = append(plan.Findings, Finding{
				Kind: KindSession, ID: rec.ID, Ref: rec.LaneID, Action: ActionCleanup,
				Reason: "no provider session id",
			})
			continue
		case !lanes[rec.LaneID]:
			rec.Status = session.StatusDetached
			plan.Findings = append(plan.Findings, Finding{
				Kind: KindSession, ID: rec.ID, Ref: rec.LaneID, Action: ActionReattach,
				Reason: "lane missing",
			})
		default:
			rec.Status = session.StatusAttached
			plan.Findings = append(plan.Findings, Finding{
				Kind: KindSession, ID: rec.ID, Ref: rec.LaneID, Action: ActionRecovered,
				Reason: "restored",
			})
		}
		plan.Sessions = append(plan.Sessions, rec)
	}

	for _, rec := range cp.Terminals {
		if rec.State != terminal.StateClosed {
			rec.State = terminal.StateIdle
		}
		plan.Terminals = append(plan.Terminals, rec)
	}

	sortFindings(plan.Findings)
	recLog.Info("bootstrap_planned",
		slog.Int("lanes", len(plan.Lanes)),
		slog.Int("sessions", len(plan.Sessions)),
		slog.Int("terminals", len(plan.Terminals)),
		slog.Int("recovered", plan.Count(ActionRecovered)),
		slog.Int("reattach", plan.Count(ActionReattach)),
		slog.Int("cleanup", plan.Count(ActionCleanup)))
	return plan
}

// Scan inspects a checkpoint for cross-registry drift:
//   - lanes pointing at a session or terminal that is gone (reconcile)
//   - detached sessions that still have a provider session (reattach)
//   - sessions with neither a lane nor a provider session (cleanup)
//   - terminals whose session is gone (cleanup)
//
// Terminated sessions and closed lanes or terminals are not inspected.
func Scan(cp Checkpoint) []Finding {
	lanes := make(map[string]lane.Record, len(cp.Lanes))
	for _, rec := range cp.Lanes {
		lanes[rec.ID] = rec
	}
	sessions := make(map[string]session.Record, len(cp.Sessions))
	for _, rec := range cp.Sessions {
		sessions[rec.ID] = rec
	}
	terminals := make(map[string]terminal.Record, len(cp.Terminals))
	for _, rec := range cp.Terminals {
		terminals[rec.ID] = rec
	}
	liveSession := func(id string) bool {
		s, ok := sessions[id]
		return ok && s.Status != session.StatusTerminated
	}

	var out []Finding
	for _, rec := range cp.Lanes {
		if rec.State == lane.StateClosed {
			continue
		}
		if rec.ActiveSessionID != "" && !liveSession(rec.ActiveSessionID) {
			out = append(out, Finding{
				Kind: KindLane, ID: rec.ID, Ref: rec.ActiveSessionID, Action: ActionReconcile,
				Reason: "active session missing",
			})
		}
		for _, tid := range rec.TerminalIDs {
			if _, ok := terminals[tid]; !ok {
				out = append(out, Finding{
					Kind: KindLane, ID: rec.ID, Ref: tid, Action: ActionReconcile,
					Reason: "terminal missing",
				})
			}
		}
	}

	for _, rec := range cp.Sessions {
		if rec.Status == session.StatusTerminated {
			continue
		}
		_, hasLane := lanes[rec.LaneID]
		switch {
		case rec.Status == session.StatusDetached && rec.ProviderSessionID != "":
			out = append(out, Finding{
				Kind: KindSession, ID: rec.ID, Ref: rec.ProviderSessionID, Action: ActionReattach,
				Reason: "detached with provider session",
			})
		case !hasLane && rec.ProviderSessionID == "":
			out = append(out, Finding{
				Kind: KindSession, ID: rec.ID, Ref: rec.LaneID, Action: ActionCleanup,
				Reason: "no lane and no provider session",
			})
		}
	}

	for _, rec := range cp.Terminals {
		if rec.State == terminal.StateClosed {
			continue
		}
		if !liveSession(rec.SessionID) {
			out = append(out, Finding{
				Kind: KindTerminal, ID: rec.ID, Ref: rec.SessionID, Action: ActionCleanup,
				Reason: "session missing",
			})
		}
	}

	sortFindings(out)
	return out
}

func countAction(findings []Finding, a Action) int {
	n := 0
	for _, f := range findings {
		if f.Action == a {
			n++
		}
	}
	return n
}

var kindOrder = map[Kind]int{KindLane: 0, KindSession: 1, KindTerminal: 2}

func sortFindings(f []Finding) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].Kind != f[j].Kind {
			return kindOrder[f[i].Kind] < kindOrder[f[j].Kind]
		}
		if f[i].ID != f[j].ID {
			return f[i].ID < f[j].ID
		}
		return f[i].Ref < f[j].Ref
	})
}
