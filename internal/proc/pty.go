package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// PTYLauncher starts processes attached to a new pseudo-terminal.
type PTYLauncher struct{}

// Start implements Launcher.
func (PTYLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	ws := &pty.Winsize{Cols: spec.Cols, Rows: spec.Rows}
	if ws.Cols == 0 {
		ws.Cols = 80
	}
	if ws.Rows == 0 {
		ws.Rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done      chan struct{}
	exit      Exit
	closeOnce sync.Once
}

func (p *ptyProcess) wait() {
	err := p.cmd.Wait()
	p.exit = exitFrom(err, p.cmd.ProcessState)
	close(p.done)
}

func (p *ptyProcess) PID() int              { return p.cmd.Process.Pid }
func (p *ptyProcess) Output() io.Reader     { return p.ptmx }
func (p *ptyProcess) Input() io.Writer      { return p.ptmx }
func (p *ptyProcess) Done() <-chan struct{} { return p.done }
func (p *ptyProcess) Exit() Exit            { return p.exit }

func (p *ptyProcess) Signal(s syscall.Signal) error {
	return p.cmd.Process.Signal(s)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.ptmx.Close() })
	return err
}
