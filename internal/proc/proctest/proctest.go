// Package proctest provides in-memory launchers and processes for tests of
// code built on proc.Launcher.
package proctest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/asheshgoplani/lanedeck/internal/proc"
)

// Process is a fake child. It exits on SIGKILL, and on SIGTERM unless
// IgnoreTerm is set.
type Process struct {
	pid  int
	Spec proc.Spec

	outR *io.PipeReader
	outW *io.PipeWriter

	mu         sync.Mutex
	input      bytes.Buffer
	signals    []syscall.Signal
	resizes    [][2]uint16
	ignoreTerm bool
	exit       proc.Exit
	done       chan struct{}
	closed     bool
}

// NewProcess returns a running fake process.
func NewProcess(pid int, spec proc.Spec) *Process {
	r, w := io.Pipe()
	return &Process{pid: pid, Spec: spec, outR: r, outW: w, done: make(chan struct{})}
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Output() io.Reader     { return p.outR }
func (p *Process) Input() io.Writer      { return writerFunc(p.writeInput) }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exit() proc.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// IgnoreTerm makes the process survive SIGTERM.
func (p *Process) IgnoreTerm(v bool) {
	p.mu.Lock()
	p.ignoreTerm = v
	p.mu.Unlock()
}

// Signal records sig and applies its default effect.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return syscall.ESRCH
	}
	p.mu.Lock()
	if sig != 0 {
		p.signals = append(p.signals, sig)
	}
	ignore := p.ignoreTerm
	p.mu.Unlock()

	switch {
	case sig == syscall.SIGKILL, sig == syscall.SIGTERM && !ignore:
		p.Finish(proc.Exit{Code: -1, Signal: proc.SignalName(sig)})
	}
	return nil
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.outR.Close()
	return nil
}

// Emit writes b to the process output. It blocks until a reader consumes it.
func (p *Process) Emit(b []byte) error {
	_, err := p.outW.Write(b)
	return err
}

// Finish marks the process exited. Later calls are ignored.
func (p *Process) Finish(ex proc.Exit) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.exit = ex
	close(p.done)
	p.mu.Unlock()
	_ = p.outW.Close()
}

// Exited reports whether Finish has run.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Signals returns every signal received except signal 0.
func (p *Process) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Resizes returns every resize received.
func (p *Process) Resizes() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}

// Written returns everything written to the process input.
func (p *Process) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Closed reports whether Close was called.
func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Process) writeInput(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

// Launcher starts fake processes with pids from 1000 upward.
type Launcher struct {
	mu      sync.Mutex
	err     error
	next    int
	procs   []*Process
	byPID   map[int]*Process
	onStart func(*Process)
}

// NewLauncher returns an empty launcher.
func NewLauncher() *Launcher {
	return &Launcher{next: 1000, byPID: make(map[int]*Process)}
}

// FailWith makes every later Start return err. nil restores success.
func (l *Launcher) FailWith(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// OnStart runs fn for every process started after the call.
func (l *Launcher) OnStart(fn func(*Process)) {
	l.mu.Lock()
	l.onStart = fn
	l.mu.Unlock()
}

// Start implements proc.Launcher.
func (l *Launcher) Start(_ context.Context, spec proc.Spec) (proc.Process, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	if spec.Command == "" {
		l.mu.Unlock()
		return nil, errors.New("command is required")
	}
	l.next++
	p := NewProcess(l.next, spec)
	l.procs = append(l.procs, p)
	l.byPID[p.pid] = p
	hook := l.onStart
	l.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return p, nil
}

// Started returns every process launched so far.
func (l *Launcher) Started() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Last returns the most recent process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Kill is a proc.Signaler routed to the fake processes by pid.
func (l *Launcher) Kill(pid int, sig syscall.Signal) error {
	l.mu.Lock()
	p, ok := l.byPID[pid]
	l.mu.Unlock()
	if !ok {
		return syscall.ESRCH
	}
	return p.Signal(sig)
}
