package proc

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signaler delivers a signal to a pid. Signal 0 checks liveness.
type Signaler func(pid int, sig syscall.Signal) error

// Kill is the default Signaler.
func Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// Alive reports whether pid exists, using signal 0. EPERM means
// the process exists but belongs to someone else.
func Alive(signal Signaler, pid int) bool {
	if pid <= 0 {
		return false
	}
	err := signal(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SignalName returns the conventional name ("SIGTERM") of sig.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// ParseSignal maps "SIGTERM" or "TERM" to its number.
func ParseSignal(name string) (syscall.Signal, bool) {
	if s := unix.SignalNum(name); s != 0 {
		return s, true
	}
	if s := unix.SignalNum("SIG" + name); s != 0 {
		return s, true
	}
	return 0, false
}
