package pty

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/proc"
)

// TerminateResult describes a terminate call.
type TerminateResult struct {
	NoOp       bool      `json:"noop"`
	ExitReason string    `json:"exit_reason,omitempty"`
	Exit       proc.Exit `json:"exit"`
}

// Terminate stops the PTY: SIGTERM, a grace period, then SIGKILL if the
// process is still alive, then a bounded wait before the record is removed.
// Absent or stopped PTYs are a no-op that emits nothing. Concurrent calls for
// the same id share one escalation.
func (m *Manager) Terminate(ctx context.Context, id, cause string) (TerminateResult, error) {
	v, err, _ := m.sf.Do(id, func() (any, error) {
		return m.terminate(ctx, id, cause), nil
	})
	if err != nil {
		return TerminateResult{}, err
	}
	return v.(TerminateResult), nil
}

func (m *Manager) terminate(ctx context.Context, id, cause string) TerminateResult {
	m.mu.Lock()
	l, ok := m.live[id]
	if !ok || l.terminating || l.rec.State == StateStopped {
		m.mu.Unlock()
		return TerminateResult{NoOp: true}
	}
	l.terminating = true
	snap := l.rec.clone()
	m.mu.Unlock()

	ptyLog.Info("pty_terminating", slog.String("pty_id", id), slog.Int("pid", snap.PID), slog.String("cause", cause))
	m.emit(envelope.TopicPTYTerminating, snap, map[string]any{
		"pid":      snap.PID,
		"cause":    cause,
		"grace_ms": m.cfg.Grace.Milliseconds(),
	})
	m.sendSignal(snap, syscall.SIGTERM, OutcomeDelivered)

	reason := ExitReasonTerminated
	if !waitDone(ctx, l.proc, m.cfg.Grace) {
		m.sendSignal(snap, syscall.SIGKILL, OutcomeEscalated)
		ptyLog.Warn("pty_force_killed", slog.String("pty_id", id), slog.Int("pid", snap.PID))
		m.emit(envelope.TopicPTYForceKilled, snap, map[string]any{
			"pid":      snap.PID,
			"grace_ms": m.cfg.Grace.Milliseconds(),
		})
		reason = ExitReasonEscalated
		if !waitDone(context.Background(), l.proc, m.cfg.KillWait) {
			ptyLog.Error("pty_kill_unconfirmed", slog.String("pty_id", id), slog.Int("pid", snap.PID))
		}
	}
	res := TerminateResult{ExitReason: reason, Exit: exitOf(l.proc)}
	m.finalize(l, reason, res.Exit)
	return res
}

// TerminateSession terminates every PTY of the session concurrently.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, cause string) int {
	return m.terminateAll(ctx, m.BySession(sessionID), cause)
}

// TerminateLane terminates every PTY of the lane concurrently.
func (m *Manager) TerminateLane(ctx context.Context, laneID, cause string) int {
	return m.terminateAll(ctx, m.ByLane(laneID), cause)
}

// Shutdown terminates every PTY and waits for the supervision goroutines.
func (m *Manager) Shutdown(ctx context.Context) int {
	n := m.terminateAll(ctx, m.List(), "shutdown")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return n
}

func (m *Manager) terminateAll(ctx context.Context, recs []Record, cause string) int {
	var g errgroup.Group
	g.SetLimit(16)
	var mu sync.Mutex
	n := 0
	for _, rec := range recs {
		g.Go(func() error {
			res, err := m.Terminate(ctx, rec.ID, cause)
			if err == nil && !res.NoOp {
				mu.Lock()
				n++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return n
}

func (m *Manager) watchExit(l *live) {
	defer m.wg.Done()
	select {
	case <-l.proc.Done():
	case <-l.closed:
		return
	}
	if m.claim(l) {
		m.finalize(l, ExitReasonExited, l.proc.Exit())
	}
}

// finalize moves the PTY to stopped, removes it and its signal history and
// emits pty.stopped. Callers set l.terminating first so it runs once.
func (m *Manager) finalize(l *live, reason string, ex proc.Exit) {
	select {
	case <-l.pumpDone:
	case <-time.After(pumpDrainMax):
	}
	_ = l.proc.Close()
	l.closeOnce.Do(func() { close(l.closed) })

	m.mu.Lock()
	from := l.rec.State
	l.rec.State = StateStopped
	l.rec.UpdatedAt = m.now()
	m.reg.remove(l.rec.ID)
	delete(m.live, l.rec.ID)
	delete(m.signals, l.rec.ID)
	snap := l.rec.clone()
	m.mu.Unlock()

	if from != StateStopped {
		m.emit(envelope.TopicPTYStateChanged, snap, map[string]any{"from": string(from), "to": string(StateStopped)})
	}
	payload := map[string]any{
		"pid":         snap.PID,
		"exit_reason": reason,
		"exit_code":   ex.Code,
	}
	if ex.Signal != "" {
		payload["signal"] = ex.Signal
	}
	ptyLog.Info("pty_stopped", slog.String("pty_id", snap.ID), slog.Int("pid", snap.PID), slog.String("exit_reason", reason))
	m.emit(envelope.TopicPTYStopped, snap, payload)
	if m.onStopped != nil {
		m.onStopped(snap, reason)
	}
}

func waitDone(ctx context.Context, p proc.Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		select {
		case <-p.Done():
			return true
		default:
			return false
		}
	}
}

func exitOf(p proc.Process) proc.Exit {
	select {
	case <-p.Done():
		return p.Exit()
	default:
		return proc.Exit{Code: -1, Err: "exit not observed"}
	}
}
