// Package proc starts and signals child processes. PTY terminals and lane
// tasks share the same Launcher contract so the managers above it can be
// tested with fakes.
package proc

import (
	"context"
	"io"
	"os"
	"syscall"
)

// Spec describes a process to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Cols    uint16
	Rows    uint16
}

// Exit is the observed end of a process.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Process is a started child.
type Process interface {
	PID() int
	// Output streams combined stdout and stderr until the process exits.
	Output() io.Reader
	// Input writes to the child's stdin or PTY.
	Input() io.Writer
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Exit is valid after Done is closed.
	Exit() Exit
	Signal(sig syscall.Signal) error
	Resize(cols, rows uint16) error
	// Close releases the PTY or pipes. It does not signal the process.
	Close() error
}

// Launcher starts processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, spec Spec) (Process, error)

// Start implements Launcher.
func (f LauncherFunc) Start(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}

func exitFrom(err error, state *os.ProcessState) Exit {
	var ex Exit
	if state != nil {
		ex.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signal = SignalName(ws.Signal())
		}
	}
	if err != nil && ex.Code == 0 && ex.Signal == "" {
		ex.Err = err.Error()
	}
	return ex
}
