package lane

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
	"github.com/asheshgoplani/lanedeck/internal/proc"
	"github.com/asheshgoplani/lanedeck/internal/proc/proctest"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) record(ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) list() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.changes...)
}

func newTestRegistry(t *testing.T) (*Registry, *proctest.Launcher, *changeLog) {
	t.Helper()
	launcher := proctest.NewLauncher()
	log := &changeLog{}
	r := NewRegistry(Options{
		IDs:      idgen.NewSequence(),
		Launcher: launcher,
		OnChange: log.record,
	})
	return r, launcher, log
}

func readyLane(t *testing.T, r *Registry, agents ...string) Record {
	t.Helper()
	rec, err := r.Create(CreateParams{WorkspaceID: "ws-1", WorktreePath: "/tmp/wt", Agents: agents})
	require.NoError(t, err)
	_, err = r.Transition(rec.ID, EventProvision)
	require.NoError(t, err)
	rec, err = r.Transition(rec.ID, EventReady)
	require.NoError(t, err)
	require.Equal(t, StateReady, rec.State)
	return rec
}

func TestNextFollowsTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateNew, EventProvision, StateProvisioning},
		{StateProvisioning, EventReady, StateReady},
		{StateReady, EventRun, StateRunning},
		{StateRunning, EventComplete, StateReady},
		{StateReady, EventShare, StateShared},
		{StateShared, EventUnshare, StateReady},
		{StateBlocked, EventUnblock, StateReady},
		{StateFailed, EventRetry, StateProvisioning},
		{StateCleaning, EventClose, StateClosed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRejectsUnknownPairs(t *testing.T) {
	for _, tt := range []struct {
		from State
		ev   Event
	}{
		{StateNew, EventRun},
		{StateClosed, EventRetry},
		{StateClosed, EventCleanup},
		{StateCleaning, EventReady},
		{State("bogus"), EventProvision},
		{StateReady, Event("teleport")},
	} {
		got, err := Next(tt.from, tt.ev)
		require.Error(t, err)
		assert.True(t, errcode.HasCode(err, errcode.LaneTransitionInvalid))
		assert.Equal(t, tt.from, got)
	}
}

func TestCreateDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Create(CreateParams{ID: "lane-a", WorkspaceID: "ws"})
	require.NoError(t, err)
	_, err = r.Create(CreateParams{ID: "lane-a", WorkspaceID: "ws"})
	assert.True(t, errcode.HasCode(err, errcode.DuplicateID))
	assert.Len(t, r.List(), 1)
}

func TestCreateGeneratesID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec, err := r.Create(CreateParams{WorkspaceID: "ws", Agents: []string{"a", "a", ""}})
	require.NoError(t, err)
	assert.Equal(t, "lane-1", rec.ID)
	assert.Equal(t, StateNew, rec.State)
	assert.Equal(t, []string{"a"}, rec.Agents)
}

func TestGetMissing(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Get("nope")
	assert.True(t, errcode.HasCode(err, errcode.LaneNotFound))
	_, err = r.Transition("nope", EventProvision)
	assert.True(t, errcode.HasCode(err, errcode.LaneNotFound))
}

func TestInvalidTransitionLeavesLaneUnchanged(t *testing.T) {
	r, _, log := newTestRegistry(t)
	rec, err := r.Create(CreateParams{WorkspaceID: "ws"})
	require.NoError(t, err)

	_, err = r.Transition(rec.ID, EventComplete)
	require.Error(t, err)
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateNew, got.State)
	assert.Empty(t, log.list())
}

func TestCleanupIdempotent(t *testing.T) {
	r, _, log := newTestRegistry(t)
	rec := readyLane(t, r)
	before := len(log.list())

	got, changed, err := r.Cleanup(rec.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateClosed, got.State)
	afterFirst := log.list()
	require.Len(t, afterFirst, before+2)
	assert.Equal(t, StateCleaning, afterFirst[before].To)
	assert.Equal(t, StateClosed, afterFirst[before+1].To)

	got, changed, err = r.Cleanup(rec.ID, false)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateClosed, got.State)
	assert.Len(t, log.list(), len(afterFirst), "second cleanup must not transition")
}

func TestCleanupFinishesCleaningLane(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec := readyLane(t, r)
	_, err := r.Transition(rec.ID, EventCleanup)
	require.NoError(t, err)

	got, changed, err := r.Cleanup(rec.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateClosed, got.State)
}

func TestCleanupWithAgents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec := readyLane(t, r, "agent-1", "agent-2")
	_, err := r.Transition(rec.ID, EventShare)
	require.NoError(t, err)

	_, _, err = r.Cleanup(rec.ID, false)
	require.True(t, errcode.HasCode(err, errcode.LaneHasAttachedAgents))
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateShared, got.State)
	assert.Len(t, got.Agents, 2)

	got, changed, err := r.Cleanup(rec.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateClosed, got.State)
	assert.Empty(t, got.Agents)
}

func TestAgentsAndRefs(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	_, err := r.AttachAgent(rec.ID, "a1")
	require.NoError(t, err)
	got, err := r.AttachAgent(rec.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, got.Agents)
	got, err = r.DetachAgent(rec.ID, "a1")
	require.NoError(t, err)
	assert.Empty(t, got.Agents)

	require.NoError(t, r.SetActiveSession(rec.ID, "sess-1"))
	require.NoError(t, r.AddTerminal(rec.ID, "term-1"))
	require.NoError(t, r.AddTerminal(rec.ID, "term-1"))
	got, err = r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ActiveSessionID)
	assert.Equal(t, []string{"term-1"}, got.TerminalIDs)

	require.NoError(t, r.RemoveTerminal(rec.ID, "term-1"))
	got, _ = r.Get(rec.ID)
	assert.Empty(t, got.TerminalIDs)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec := readyLane(t, r, "a1")
	rec.Agents[0] = "mutated"
	got, _ := r.Get(rec.ID)
	assert.Equal(t, []string{"a1"}, got.Agents)
}

func TestSameLaneSerializedAcrossOperations(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	var wg sync.WaitGroup
	var succeeded, failed int
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, _, err = r.Cleanup(rec.ID, false)
			} else {
				_, err = r.Transition(rec.ID, EventBlock)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				failed++
			}
		}(i)
	}
	wg.Wait()

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, 50, succeeded+failed)
}

func TestRestoreReplacesContents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	readyLane(t, r)
	r.Restore([]Record{
		{ID: "lane-x", WorkspaceID: "ws", State: StateRunning, TaskPID: 4242},
		{ID: "lane-y", WorkspaceID: "ws", State: "weird"},
	})
	list := r.List()
	require.Len(t, list, 2)
	x, _ := r.Get("lane-x")
	assert.Equal(t, 0, x.TaskPID)
	y, _ := r.Get("lane-y")
	assert.Equal(t, StateFailed, y.State)
	assert.Equal(t, 1, r.Counts()[StateRunning])
}

func TestExecuteRequiresReady(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	rec, err := r.Create(CreateParams{WorkspaceID: "ws"})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), rec.ID, ExecParams{Command: "true"})
	assert.True(t, errcode.HasCode(err, errcode.LaneNotReady))
}

func TestExecuteBindsAndReleasesPID(t *testing.T) {
	r, launcher, log := newTestRegistry(t)
	rec := readyLane(t, r)

	launcher.OnStart(func(p *proctest.Process) {
		go func() {
			_ = p.Emit([]byte("hello\n"))
			p.Finish(proc.Exit{Code: 3})
		}()
	})

	res, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "build", Args: []string{"-v"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, "/tmp/wt", launcher.Last().Spec.Dir)

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State)
	assert.Zero(t, got.TaskPID)

	changes := log.list()
	require.GreaterOrEqual(t, len(changes), 2)
	assert.Equal(t, EventRun, changes[len(changes)-2].Event)
	assert.Equal(t, EventComplete, changes[len(changes)-1].Event)
}

func TestExecuteSpawnFailure(t *testing.T) {
	r, launcher, _ := newTestRegistry(t)
	rec := readyLane(t, r)
	launcher.FailWith(errors.New("no such file"))

	_, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "missing"})
	assert.True(t, errcode.HasCode(err, errcode.ProcessSpawnFailed))
	got, _ := r.Get(rec.ID)
	assert.Equal(t, StateReady, got.State)
	assert.Zero(t, got.TaskPID)
}

func TestExecuteStartsOutsideLaneLock(t *testing.T) {
	r, launcher, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	// The lane is shared by another caller while the process is starting.
	shared := make(chan error, 1)
	launcher.OnStart(func(*proctest.Process) {
		res := make(chan error, 1)
		go func() {
			_, err := r.Transition(rec.ID, EventShare)
			res <- err
		}()
		select {
		case err := <-res:
			shared <- err
		case <-time.After(2 * time.Second):
			shared <- errors.New("lane lock held across launcher start")
		}
	})

	_, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "build"})
	require.NoError(t, <-shared)
	assert.True(t, errcode.HasCode(err, errcode.LaneNotReady))

	p := launcher.Last()
	assert.Contains(t, p.Signals(), syscall.SIGKILL)
	got, _ := r.Get(rec.ID)
	assert.Equal(t, StateShared, got.State)
	assert.Zero(t, got.TaskPID)
}

func TestExecuteReservationVisibleDuringStart(t *testing.T) {
	r, launcher, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	var during Record
	launcher.OnStart(func(p *proctest.Process) {
		during, _ = r.Get(rec.ID)
		go p.Finish(proc.Exit{})
	})

	_, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "build"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, during.State)
	assert.Zero(t, during.TaskPID)

	_, err = r.Execute(context.Background(), rec.ID, ExecParams{Command: "build"})
	require.NoError(t, err)
}

func TestExecuteTimeoutKills(t *testing.T) {
	r, launcher, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	_, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "sleep", Timeout: 20 * time.Millisecond})
	require.True(t, errcode.HasCode(err, errcode.ExecutionTimeout))

	p := launcher.Last()
	assert.Contains(t, p.Signals(), syscall.SIGKILL)
	got, _ := r.Get(rec.ID)
	assert.Equal(t, StateReady, got.State)
	assert.Zero(t, got.TaskPID)
}

func TestCleanupKillsRunningTask(t *testing.T) {
	r, launcher, _ := newTestRegistry(t)
	rec := readyLane(t, r)

	started := make(chan *proctest.Process, 1)
	launcher.OnStart(func(p *proctest.Process) { started <- p })

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), rec.ID, ExecParams{Command: "serve", Timeout: time.Minute})
		done <- err
	}()
	p := <-started
	require.Eventually(t, func() bool {
		got, _ := r.Get(rec.ID)
		return got.State == StateRunning && got.TaskPID == p.PID()
	}, time.Second, 5*time.Millisecond)

	_, changed, err := r.Cleanup(rec.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, <-done)
	assert.Contains(t, p.Signals(), syscall.SIGKILL)

	got, _ := r.Get(rec.ID)
	assert.Equal(t, StateClosed, got.State)
}
