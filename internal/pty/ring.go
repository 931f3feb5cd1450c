package pty

import "sync"

// WriteResult reports how much of one write was kept.
type WriteResult struct {
	Written int `json:"written"`
	Dropped int `json:"dropped"`
}

// RingBuffer is a fixed-capacity byte queue. Bytes that do not fit are
// dropped, not overwritten; readers drain from the front.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []byte
	head     int
	size     int
	written  uint64
	dropped  uint64
	overflow uint64
}

// NewRingBuffer returns a ring holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write stores as much of p as fits. Written+Dropped always equals len(p).
func (r *RingBuffer) Write(p []byte) WriteResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := len(r.buf) - r.size
	n := len(p)
	if n > free {
		n = free
	}
	tail := (r.head + r.size) % len(r.buf)
	c := copy(r.buf[tail:], p[:n])
	copy(r.buf, p[c:n])
	r.size += n

	res := WriteResult{Written: n, Dropped: len(p) - n}
	r.written += uint64(res.Written)
	r.dropped += uint64(res.Dropped)
	if res.Dropped > 0 {
		r.overflow++
	}
	return res
}

// Read drains up to len(p) bytes into p.
func (r *RingBuffer) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n > r.size {
		n = r.size
	}
	c := copy(p[:n], r.buf[r.head:min(r.head+n, len(r.buf))])
	copy(p[c:n], r.buf)
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return n
}

// Drain removes and returns everything buffered.
func (r *RingBuffer) Drain() []byte {
	r.mu.Lock()
	n := r.size
	r.mu.Unlock()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	return out[:r.Read(out)]
}

// Capacity is the fixed size of the ring.
func (r *RingBuffer) Capacity() int { return len(r.buf) }

// Len is the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Available is the free space; never more than Capacity.
func (r *RingBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.size
}

// Utilization is Len/Capacity in [0, 1].
func (r *RingBuffer) Utilization() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.size) / float64(len(r.buf))
}

// RingStats are cumulative counters. They are exact regardless of event
// debouncing.
type RingStats struct {
	Capacity     int     `json:"capacity"`
	Buffered     int     `json:"buffered"`
	Utilization  float64 `json:"utilization"`
	TotalWritten uint64  `json:"total_written"`
	TotalDropped uint64  `json:"total_dropped"`
	Overflows    uint64  `json:"overflows"`
}

// Stats returns the cumulative counters.
func (r *RingBuffer) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Capacity:     len(r.buf),
		Buffered:     r.size,
		Utilization:  float64(r.size) / float64(len(r.buf)),
		TotalWritten: r.written,
		TotalDropped: r.dropped,
		Overflows:    r.overflow,
	}
}

// Backpressure turns on when utilization reaches the threshold and off only
// once it falls below threshold-hysteresis.
type Backpressure struct {
	threshold  float64
	hysteresis float64
	on         bool
}

// NewBackpressure returns a detector in the off state.
func NewBackpressure(threshold, hysteresis float64) *Backpressure {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.75
	}
	if hysteresis < 0 || hysteresis >= threshold {
		hysteresis = 0.1
	}
	return &Backpressure{threshold: threshold, hysteresis: hysteresis}
}

// Observe feeds a utilization sample. changed is true only on a crossing.
func (b *Backpressure) Observe(util float64) (on, changed bool) {
	switch {
	case !b.on && util >= b.threshold:
		b.on = true
		return true, true
	case b.on && util < b.threshold-b.hysteresis:
		b.on = false
		return false, true
	}
	return b.on, false
}

// On reports the current state.
func (b *Backpressure) On() bool { return b.on }
