package pty

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
)

type fakeTable struct {
	procs  []ProcInfo
	failed int
	err    error
	calls  int
	mu     sync.Mutex
}

func (f *fakeTable) Processes(context.Context) ([]ProcInfo, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.procs, f.failed, f.err
}

// osSim answers signals for pids outside the fake launcher.
type osSim struct {
	mu         sync.Mutex
	alive      map[int]bool
	ignoreTerm map[int]bool
	sent       map[int][]syscall.Signal
}

func newOSSim() *osSim {
	return &osSim{alive: map[int]bool{}, ignoreTerm: map[int]bool{}, sent: map[int][]syscall.Signal{}}
}

func (s *osSim) kill(pid int, sig syscall.Signal) (handled bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive, known := s.alive[pid]
	if !known {
		return false, nil
	}
	if !alive {
		return true, syscall.ESRCH
	}
	if sig == 0 {
		return true, nil
	}
	s.sent[pid] = append(s.sent[pid], sig)
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !s.ignoreTerm[pid]) {
		s.alive[pid] = false
	}
	return true, nil
}

func (s *osSim) signals(pid int) []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[pid]
}

func TestReconcileOrphans(t *testing.T) {
	sim := newOSSim()
	table := &fakeTable{failed: 2}
	var h *harness
	h = newHarness(t, Config{Grace: 40 * time.Millisecond}, func(o *Options) {
		o.Table = table
		o.Signal = func(pid int, sig syscall.Signal) error {
			if handled, err := sim.kill(pid, sig); handled {
				return err
			}
			return h.launcher.Kill(pid, sig)
		}
	})
	tracked := h.spawn(t, "p1")
	self := os.Getpid()

	sim.alive[50001] = true
	sim.alive[50002] = true
	sim.ignoreTerm[50002] = true
	sim.alive[50003] = true
	sim.alive[50004] = true
	table.procs = []ProcInfo{
		{PID: tracked.PID, PPID: self, Name: "bash"},
		{PID: 50001, PPID: 1, Name: "zsh"},
		{PID: 50002, PPID: self, Name: "-bash"},
		{PID: 50003, PPID: 1, Name: "python3"},
		{PID: 50004, PPID: 4242, Name: "bash"},
	}

	sum := h.m.ReconcileOrphans(context.Background())
	assert.Equal(t, 3, sum.Found)
	assert.Equal(t, 1, sum.Reattached)
	assert.Equal(t, 2, sum.Terminated)
	assert.Equal(t, 2, sum.Errors)
	assert.GreaterOrEqual(t, sum.DurationMs, int64(0))

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, sim.signals(50001))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, sim.signals(50002))
	assert.Empty(t, sim.signals(50003))
	assert.Empty(t, sim.signals(50004))
	assert.Empty(t, h.launcher.Last().Signals(), "tracked shells are left alone")

	ev, ok := h.events.find(envelope.TopicPTYOrphansReconciled)
	require.True(t, ok)
	assert.Equal(t, 2, ev.payload["terminated"])
}

func TestReconcileOrphansScanErrorCounted(t *testing.T) {
	table := &fakeTable{err: errors.New("permission denied")}
	h := newHarness(t, Config{}, func(o *Options) { o.Table = table })

	sum := h.m.ReconcileOrphans(context.Background())
	assert.Equal(t, 1, sum.Errors)
	assert.Zero(t, sum.Found)
}

func TestReconcileOrphansSignalErrorCounted(t *testing.T) {
	table := &fakeTable{procs: []ProcInfo{{PID: 60001, PPID: 1, Name: "sh"}}}
	h := newHarness(t, Config{}, func(o *Options) {
		o.Table = table
		o.Signal = func(pid int, sig syscall.Signal) error { return syscall.EPERM }
	})

	sum := h.m.ReconcileOrphans(context.Background())
	assert.Equal(t, 1, sum.Found)
	assert.Zero(t, sum.Terminated)
	assert.Equal(t, 1, sum.Errors)
}
