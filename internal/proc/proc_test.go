package proc

import (
	"context"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, p Process) Exit {
	t.Helper()
	select {
	case <-p.Done():
		return p.Exit()
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
		return Exit{}
	}
}

func TestExecLauncherOutputAndExit(t *testing.T) {
	p, err := ExecLauncher{}.Start(context.Background(), Spec{Command: "/bin/sh", Args: []string{"-c", "echo hello; exit 3"}})
	require.NoError(t, err)
	defer p.Close()
	assert.Greater(t, p.PID(), 0)

	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	ex := waitDone(t, p)
	assert.Equal(t, 3, ex.Code)
}

func TestExecLauncherSignal(t *testing.T) {
	p, err := ExecLauncher{}.Start(context.Background(), Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	defer p.Close()
	go func() { _, _ = io.Copy(io.Discard, p.Output()) }()

	require.NoError(t, p.Signal(syscall.SIGKILL))
	ex := waitDone(t, p)
	assert.Equal(t, "SIGKILL", ex.Signal)
}

func TestExecLauncherRejectsEmptyCommand(t *testing.T) {
	_, err := ExecLauncher{}.Start(context.Background(), Spec{})
	assert.Error(t, err)
	_, err = PTYLauncher{}.Start(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestPTYLauncherEchoAndResize(t *testing.T) {
	p, err := PTYLauncher{}.Start(context.Background(), Spec{Command: "/bin/sh", Args: []string{"-c", "echo from-pty"}, Cols: 100, Rows: 30})
	require.NoError(t, err)
	defer p.Close()

	buf := make([]byte, 256)
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(got.String(), "from-pty") {
		n, err := p.Output().Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), "from-pty")
	waitDone(t, p)
}

func TestAliveSignalZero(t *testing.T) {
	assert.True(t, Alive(Kill, syscall.Getpid()))
	assert.False(t, Alive(Kill, 0))
	assert.False(t, Alive(func(int, syscall.Signal) error { return syscall.ESRCH }, 1234))
	assert.True(t, Alive(func(int, syscall.Signal) error { return syscall.EPERM }, 1234))
}

func TestSignalNames(t *testing.T) {
	assert.Equal(t, "SIGTERM", SignalName(syscall.SIGTERM))
	assert.Equal(t, "SIGWINCH", SignalName(syscall.SIGWINCH))

	s, ok := ParseSignal("SIGKILL")
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, s)

	s, ok = ParseSignal("HUP")
	require.True(t, ok)
	assert.Equal(t, syscall.SIGHUP, s)

	_, ok = ParseSignal("SIGNOPE")
	assert.False(t, ok)
}
