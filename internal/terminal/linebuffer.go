package terminal

// PushResult reports what one push evicted.
type PushResult struct {
	Overflowed   bool `json:"overflowed"`
	DroppedBytes int  `json:"dropped_bytes"`
}

// LineBuffer holds output entries up to a byte cap. Pushing past the cap
// evicts the oldest entries. An entry larger than the whole cap keeps only its
// tail. Not safe for concurrent use; the registry guards it.
type LineBuffer struct {
	limit   int
	entries []string
	size    int
	dropped uint64
}

// NewLineBuffer returns a buffer capped at limit bytes.
func NewLineBuffer(limit int) *LineBuffer {
	if limit <= 0 {
		limit = 256 * 1024
	}
	return &LineBuffer{limit: limit}
}

// Push appends entry, evicting as needed.
func (b *LineBuffer) Push(entry string) PushResult {
	var res PushResult
	if len(entry) > b.limit {
		cut := len(entry) - b.limit
		res.DroppedBytes += cut
		entry = entry[cut:]
	}
	for b.size+len(entry) > b.limit && len(b.entries) > 0 {
		res.DroppedBytes += len(b.entries[0])
		b.size -= len(b.entries[0])
		b.entries[0] = ""
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)
	b.size += len(entry)
	res.Overflowed = res.DroppedBytes > 0
	b.dropped += uint64(res.DroppedBytes)
	return res
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *LineBuffer) Entries() []string {
	return append([]string(nil), b.entries...)
}

// Size is the number of buffered bytes.
func (b *LineBuffer) Size() int { return b.size }

// Limit is the byte cap.
func (b *LineBuffer) Limit() int { return b.limit }

// Dropped is the running total of evicted bytes.
func (b *LineBuffer) Dropped() uint64 { return b.dropped }

// Reset empties the buffer and the dropped counter.
func (b *LineBuffer) Reset() {
	b.entries = nil
	b.size = 0
	b.dropped = 0
}
