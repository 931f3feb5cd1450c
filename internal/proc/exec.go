package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ExecLauncher starts processes with plain pipes. Lane tasks use it; they
// need no terminal.
type ExecLauncher struct{}

// Start implements Launcher.
func (ExecLauncher) Start(_ context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &execProcess{cmd: cmd, out: pr, outW: pw, in: stdin, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	out  *io.PipeReader
	outW *io.PipeWriter
	in   io.WriteCloser

	done      chan struct{}
	exit      Exit
	closeOnce sync.Once
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.exit = exitFrom(err, p.cmd.ProcessState)
	_ = p.outW.Close()
	close(p.done)
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Output() io.Reader     { return p.out }
func (p *execProcess) Input() io.Writer      { return p.in }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Exit() Exit            { return p.exit }

// Signal delivers to the whole process group so shell children go too.
func (p *execProcess) Signal(s syscall.Signal) error {
	if err := syscall.Kill(-p.cmd.Process.Pid, s); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(s)
}

func (p *execProcess) Resize(uint16, uint16) error { return nil }

func (p *execProcess) Close() error {
	p.closeOnce.Do(func() {
		_ = p.in.Close()
		_ = p.out.Close()
	})
	return nil
}
