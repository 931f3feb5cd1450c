package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the most recent log output in memory so it can be dumped
// on SIGUSR1 or after a crash. Old bytes are overwritten once the buffer is
// full; snapshots are trimmed to start on a line boundary.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	head    int
	wrapped bool
	total   uint64
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails and never blocks on I/O.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	rb.total += uint64(n)
	size := len(rb.buf)
	if n >= size {
		copy(rb.buf, p[n-size:])
		rb.head = 0
		rb.wrapped = true
		return n, nil
	}

	c := copy(rb.buf[rb.head:], p)
	if c < n {
		copy(rb.buf, p[c:])
		rb.wrapped = true
	}
	rb.head = (rb.head + n) % size
	if rb.head == 0 && n > 0 {
		rb.wrapped = true
	}
	return n, nil
}

// Bytes returns the buffered output in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.snapshotLocked()
}

func (rb *RingBuffer) snapshotLocked() []byte {
	if !rb.wrapped {
		return bytes.Clone(rb.buf[:rb.head])
	}
	out := make([]byte, 0, len(rb.buf))
	out = append(out, rb.buf[rb.head:]...)
	return append(out, rb.buf[:rb.head]...)
}

// Lines returns the last n complete lines. A partial leading line left over
// from wrap-around is dropped. n <= 0 returns every complete line.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.Lock()
	data := rb.snapshotLocked()
	wrapped := rb.wrapped
	rb.mu.Unlock()

	if wrapped {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			return nil
		}
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{'\n'})
	if n > 0 && len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// Written returns the number of bytes ever written, including overwritten ones.
func (rb *RingBuffer) Written() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.total
}

// DumpToFile writes the ring buffer contents to a file in write order.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
