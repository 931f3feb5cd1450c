package pty

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanedeck/internal/proc"
)

// HealthReport summarizes one health pass.
type HealthReport struct {
	Checked int      `json:"checked"`
	Dead    []string `json:"dead,omitempty"`
	Stale   []string `json:"stale,omitempty"`
	Idled   []string `json:"idled,omitempty"`
}

// CheckHealth checks every PTY once. A process that fails the signal 0 check
// is cleaned up immediately; a live process whose heartbeat is older than
// StaleAfter is terminated; an active PTY with no output for IdleAfter goes
// idle.
func (m *Manager) CheckHealth(ctx context.Context) HealthReport {
	type target struct {
		l             *live
		rec           Record
		lastHeartbeat time.Time
		lastOutput    time.Time
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.live))
	for _, l := range m.live {
		if l.terminating {
			continue
		}
		targets = append(targets, target{l: l, rec: l.rec.clone(), lastHeartbeat: l.lastHeartbeat, lastOutput: l.lastOutput})
	}
	m.mu.Unlock()

	now := m.now()
	var report HealthReport
	var stale []Record
	for _, p := range targets {
		report.Checked++
		switch {
		case !proc.Alive(m.signal, p.rec.PID):
			if m.claim(p.l) {
				report.Dead = append(report.Dead, p.rec.ID)
				ptyLog.Warn("pty_dead", slog.String("pty_id", p.rec.ID), slog.Int("pid", p.rec.PID))
				m.finalize(p.l, ExitReasonDead, exitOf(p.l.proc))
			}
		case now.Sub(p.lastHeartbeat) > m.cfg.StaleAfter:
			report.Stale = append(report.Stale, p.rec.ID)
			stale = append(stale, p.rec)
		case p.rec.State == StateActive && now.Sub(p.lastOutput) > m.cfg.IdleAfter:
			if _, err := m.setState(p.rec.ID, StateIdle); err == nil {
				report.Idled = append(report.Idled, p.rec.ID)
			}
		}
	}

	if len(stale) > 0 {
		var g errgroup.Group
		for _, rec := range stale {
			g.Go(func() error {
				ptyLog.Warn("pty_heartbeat_stale", slog.String("pty_id", rec.ID), slog.Int("pid", rec.PID))
				_, err := m.Terminate(ctx, rec.ID, "stale")
				return err
			})
		}
		_ = g.Wait()
	}
	return report
}

// Run checks health every HealthInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := m.CheckHealth(ctx)
			if len(r.Dead)+len(r.Stale) > 0 {
				ptyLog.Info("pty_health_pass",
					slog.Int("checked", r.Checked),
					slog.Int("dead", len(r.Dead)),
					slog.Int("stale", len(r.Stale)),
					slog.Int("idled", len(r.Idled)))
			}
		}
	}
}

// claim marks l as being torn down. It returns false if someone else already
// owns the teardown.
func (m *Manager) claim(l *live) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.terminating {
		return false
	}
	l.terminating = true
	return true
}
