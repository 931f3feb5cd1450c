package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferDropsOverflow(t *testing.T) {
	r := NewRingBuffer(10)

	assert.Equal(t, WriteResult{Written: 8, Dropped: 0}, r.Write([]byte("12345678")))
	res := r.Write([]byte("abcde"))
	assert.Equal(t, WriteResult{Written: 2, Dropped: 3}, res)

	st := r.Stats()
	assert.Equal(t, uint64(3), st.TotalDropped)
	assert.Equal(t, uint64(10), st.TotalWritten)
	assert.Equal(t, uint64(1), st.Overflows)
	assert.Equal(t, 0, r.Available())
	assert.Equal(t, "12345678ab", string(r.Drain()))
	assert.Equal(t, 10, r.Available())
}

func TestRingBufferWrapsAround(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("abcdef"))
	buf := make([]byte, 4)
	require.Equal(t, 4, r.Read(buf))
	assert.Equal(t, "abcd", string(buf))

	res := r.Write([]byte("ghijkl"))
	assert.Equal(t, WriteResult{Written: 6, Dropped: 0}, res)
	assert.Equal(t, 8, r.Len())
	assert.Equal(t, "efghijkl", string(r.Drain()))
	assert.Nil(t, r.Drain())
}

func TestRingBufferAccountingInvariant(t *testing.T) {
	r := NewRingBuffer(16)
	for i, n := range []int{5, 9, 3, 20, 1, 0, 7} {
		in := make([]byte, n)
		res := r.Write(in)
		assert.Equal(t, n, res.Written+res.Dropped, "write %d", i)
		assert.LessOrEqual(t, r.Available(), r.Capacity())
		assert.GreaterOrEqual(t, r.Available(), 0)
		if i%2 == 1 {
			r.Read(make([]byte, 6))
		}
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	b := NewBackpressure(0.75, 0.1)
	steps := []struct {
		util    float64
		on      bool
		changed bool
	}{
		{0.5, false, false},
		{0.8, true, true},
		{0.9, true, false},
		{0.8, true, false},
		{0.7, true, false},
		{0.66, true, false},
		{0.6, false, true},
		{0.7, false, false},
		{0.75, true, true},
	}
	for i, s := range steps {
		on, changed := b.Observe(s.util)
		assert.Equal(t, s.on, on, "step %d", i)
		assert.Equal(t, s.changed, changed, "step %d", i)
	}
}
