package lane

import (
	"context"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/proc"
)

const (
	defaultExecTimeout = 5 * time.Minute
	execOutputLimit    = 64 * 1024
	execKillWait       = time.Second
	execDrainWait      = 200 * time.Millisecond
)

// ExecParams describes a task to run in a lane.
type ExecParams struct {
	Command string
	Args    []string
	// Dir defaults to the lane worktree.
	Dir     string
	Timeout time.Duration
}

// ExecResult is the outcome of a completed task.
type ExecResult struct {
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Execute binds a task to a ready lane. The lane is reserved as running
// under the lane lock, the process is started outside it, and a second
// mutate binds the pid or rolls the reservation back. The lane returns to
// ready once the task exits or is killed on timeout.
func (r *Registry) Execute(ctx context.Context, id string, p ExecParams) (ExecResult, error) {
	if p.Timeout <= 0 {
		p.Timeout = defaultExecTimeout
	}
	dir := p.Dir
	_, err := r.mutate(id, func(t *txn) error {
		if t.rec.State != StateReady {
			return errcode.New(errcode.LaneNotReady, "lane %s is %s, not ready", id, t.rec.State).
				WithDetail("lane_id", id).
				WithDetail("state", string(t.rec.State))
		}
		if dir == "" {
			dir = t.rec.WorktreePath
		}
		return t.apply(EventRun)
	})
	if err != nil {
		return ExecResult{}, err
	}

	task, err := r.launcher.Start(ctx, proc.Spec{Command: p.Command, Args: p.Args, Dir: dir})
	if err != nil {
		r.releaseReservation(id)
		return ExecResult{}, errcode.New(errcode.ProcessSpawnFailed, "spawn %s: %v", p.Command, err).
			WithDetail("lane_id", id).
			WithDetail("command", p.Command)
	}
	if err := r.bindTask(id, task); err != nil {
		_ = task.Signal(syscall.SIGKILL)
		_ = task.Close()
		return ExecResult{}, err
	}

	start := r.now()
	pid := task.PID()
	laneLog.Info("lane_task_started", slog.String("lane_id", id), slog.Int("pid", pid), slog.String("command", p.Command))

	out := logging.NewRingBuffer(execOutputLimit)
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(out, task.Output())
		close(drained)
	}()

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-task.Done():
	case <-timer.C:
		waitErr = errcode.New(errcode.ExecutionTimeout, "task in lane %s exceeded %s", id, p.Timeout).
			WithDetail("lane_id", id).
			WithDetail("pid", pid).
			WithDetail("timeout_ms", p.Timeout.Milliseconds())
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	if waitErr != nil {
		_ = task.Signal(syscall.SIGKILL)
		select {
		case <-task.Done():
		case <-time.After(execKillWait):
			laneLog.Warn("lane_task_kill_unconfirmed", slog.String("lane_id", id), slog.Int("pid", pid))
		}
	}
	select {
	case <-drained:
	case <-time.After(execDrainWait):
	}
	_ = task.Close()
	r.finishTask(id, task)

	res := ExecResult{
		PID:        pid,
		Output:     string(out.Bytes()),
		Truncated:  out.Written() > execOutputLimit,
		DurationMs: r.now().Sub(start).Milliseconds(),
	}
	select {
	case <-task.Done():
		ex := task.Exit()
		res.ExitCode = ex.Code
		res.Signal = ex.Signal
	default:
	}
	if waitErr != nil {
		laneLog.Warn("lane_task_aborted", slog.String("lane_id", id), slog.Int("pid", pid), slog.String("error", waitErr.Error()))
		return res, waitErr
	}
	laneLog.Info("lane_task_exited", slog.String("lane_id", id), slog.Int("pid", pid), slog.Int("exit_code", res.ExitCode))
	return res, nil
}

// bindTask records the started task on its reserved lane. It fails when the
// lane left running while the process was starting.
func (r *Registry) bindTask(id string, task proc.Process) error {
	_, err := r.mutate(id, func(t *txn) error {
		if t.rec.State != StateRunning || t.rec.TaskPID != 0 {
			return errcode.New(errcode.LaneNotReady, "lane %s became %s while the task started", id, t.rec.State).
				WithDetail("lane_id", id).
				WithDetail("state", string(t.rec.State))
		}
		t.rec.TaskPID = task.PID()
		r.mu.Lock()
		r.tasks[id] = task
		r.mu.Unlock()
		return nil
	})
	return err
}

// releaseReservation returns a lane reserved by Execute to ready after a
// failed spawn. A lane that moved on keeps its state.
func (r *Registry) releaseReservation(id string) {
	_, err := r.mutate(id, func(t *txn) error {
		if t.rec.State != StateRunning || t.rec.TaskPID != 0 {
			return nil
		}
		return t.apply(EventComplete)
	})
	if err != nil {
		laneLog.Warn("lane_reservation_release_failed", slog.String("lane_id", id), slog.String("error", err.Error()))
	}
}

// finishTask returns a running lane to ready and clears the pid. A lane that
// was cleaned up or failed while the task ran keeps its state.
func (r *Registry) finishTask(id string, task proc.Process) {
	_, err := r.mutate(id, func(t *txn) error {
		r.mu.Lock()
		if r.tasks[id] == task {
			delete(r.tasks, id)
		}
		r.mu.Unlock()
		if t.rec.TaskPID == task.PID() {
			t.rec.TaskPID = 0
		}
		if t.rec.State == StateRunning {
			return t.apply(EventComplete)
		}
		return nil
	})
	if err != nil {
		laneLog.Warn("lane_task_finish_failed", slog.String("lane_id", id), slog.String("error", err.Error()))
	}
}

// killTask kills the task bound to the lane, if any. Callers hold the lane lock.
func (r *Registry) killTask(id string) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := task.Signal(syscall.SIGKILL); err != nil {
		laneLog.Debug("lane_task_kill_failed", slog.String("lane_id", id), slog.Int("pid", task.PID()), slog.String("error", err.Error()))
	}
}
