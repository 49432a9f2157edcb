package logtail

import "sync"

// DefaultCapacity is the number of lines retained per process when no
// explicit capacity is configured.
const DefaultCapacity = 500

// Buffer is a fixed-capacity FIFO ring of text lines. When full, appending
// evicts the oldest line. It is safe for one writer and many readers.
type Buffer struct {
	mu    sync.RWMutex
	lines []string
	start int // index of the oldest line
	n     int
}

// NewBuffer returns a Buffer holding at most capacity lines.
// A non-positive capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Append adds line at the tail, evicting the head when at capacity.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	c := len(b.lines)
	if b.n < c {
		b.lines[(b.start+b.n)%c] = line
		b.n++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % c
	}
	b.mu.Unlock()
}

// Snapshot returns a copy of the retained lines, oldest first.
func (b *Buffer) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, b.n)
	c := len(b.lines)
	for i := 0; i < b.n; i++ {
		out[i] = b.lines[(b.start+i)%c]
	}
	return out
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return len(b.lines) }

// Reset discards all retained lines.
func (b *Buffer) Reset() {
	b.mu.Lock()
	for i := range b.lines {
		b.lines[i] = ""
	}
	b.start, b.n = 0, 0
	b.mu.Unlock()
}
