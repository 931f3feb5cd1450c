package pty

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/proc"
)

// ProcInfo is one row of the OS process table.
type ProcInfo struct {
	PID  int
	PPID int
	Name string
}

// ProcessTable lists OS processes. Rows that could not be read are counted in
// failed rather than aborting the scan.
type ProcessTable interface {
	Processes(ctx context.Context) (procs []ProcInfo, failed int, err error)
}

// SystemTable reads the process table through gopsutil.
type SystemTable struct{}

// Processes implements ProcessTable.
func (SystemTable) Processes(ctx context.Context) ([]ProcInfo, int, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make([]ProcInfo, 0, len(ps))
	failed := 0
	for _, p := range ps {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			failed++
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			failed++
			continue
		}
		out = append(out, ProcInfo{PID: int(p.Pid), PPID: int(ppid), Name: name})
	}
	return out, failed, nil
}

var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "ksh": true, "mksh": true, "tcsh": true, "csh": true,
}

func (m *Manager) isShell(name string) bool {
	name = strings.TrimPrefix(filepath.Base(name), "-")
	return shellNames[name] || name == filepath.Base(m.cfg.Shell)
}

// OrphanSummary reports one reconciliation run.
type OrphanSummary struct {
	Found      int   `json:"found"`
	Reattached int   `json:"reattached"`
	Terminated int   `json:"terminated"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"duration_ms"`
}

// ReconcileOrphans scans the process table for shells parented by this process
// or by init. Shells already in the registry count as reattached; the rest are
// sent SIGTERM and, after the grace period, SIGKILL. Scan and signal errors
// are counted, never returned. Concurrent calls share one scan.
func (m *Manager) ReconcileOrphans(ctx context.Context) OrphanSummary {
	v, _, _ := m.sf.Do("\x00orphans", func() (any, error) {
		return m.reconcileOrphans(ctx), nil
	})
	return v.(OrphanSummary)
}

func (m *Manager) reconcileOrphans(ctx context.Context) OrphanSummary {
	start := time.Now()
	var sum OrphanSummary

	procs, failed, err := m.table.Processes(ctx)
	sum.Errors += failed
	if err != nil {
		sum.Errors++
		ptyLog.Warn("orphan_scan_failed", slog.String("error", err.Error()))
	}

	self := os.Getpid()
	var targets []ProcInfo
	m.mu.Lock()
	for _, p := range procs {
		if p.PID == self || (p.PPID != self && p.PPID != 1) || !m.isShell(p.Name) {
			continue
		}
		sum.Found++
		if m.reg.byPID(p.PID) != nil {
			sum.Reattached++
			continue
		}
		targets = append(targets, p)
	}
	m.mu.Unlock()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for _, p := range targets {
		g.Go(func() error {
			ok := m.killOrphan(ctx, p)
			mu.Lock()
			if ok {
				sum.Terminated++
			} else {
				sum.Errors++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sum.DurationMs = time.Since(start).Milliseconds()
	ptyLog.Info("orphans_reconciled",
		slog.Int("found", sum.Found),
		slog.Int("reattached", sum.Reattached),
		slog.Int("terminated", sum.Terminated),
		slog.Int("errors", sum.Errors),
		slog.Int64("duration_ms", sum.DurationMs))
	m.emitter.Emit(envelope.TopicPTYOrphansReconciled, envelope.Context{}, map[string]any{
		"found":       sum.Found,
		"reattached":  sum.Reattached,
		"terminated":  sum.Terminated,
		"errors":      sum.Errors,
		"duration_ms": sum.DurationMs,
	})
	return sum
}

// killOrphan sends SIGTERM, waits up to the grace period, then SIGKILL.
func (m *Manager) killOrphan(ctx context.Context, p ProcInfo) bool {
	if err := m.signal(p.PID, syscall.SIGTERM); err != nil {
		if !proc.Alive(m.signal, p.PID) {
			return true
		}
		ptyLog.Warn("orphan_sigterm_failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
		return false
	}
	if m.waitGone(ctx, p.PID, m.cfg.Grace) {
		return true
	}
	if err := m.signal(p.PID, syscall.SIGKILL); err != nil && proc.Alive(m.signal, p.PID) {
		ptyLog.Warn("orphan_sigkill_failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
		return false
	}
	return m.waitGone(context.Background(), p.PID, m.cfg.KillWait)
}

func (m *Manager) waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if !proc.Alive(m.signal, pid) {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return !proc.Alive(m.signal, pid)
		case <-ctx.Done():
			return false
		}
	}
}
