package session

import (
	"sync"
)

// defaultBufferSize is the terminal buffer capacity when none is configured (256 KB).
const defaultBufferSize = 256 * 1024

// TerminalBuffer is a fixed-capacity ring of recent substantial output. Once
// full, each write overwrites the oldest bytes. It is read by consumers
// outside the live stream, such as the buffer REST endpoint.
type TerminalBuffer struct {
	mu    sync.Mutex
	ring  []byte
	start int // index of the oldest byte
	size  int // bytes currently held
	total uint64
}

// NewTerminalBuffer creates a buffer holding at most capacity bytes.
// If capacity <= 0, defaultBufferSize is used.
func NewTerminalBuffer(capacity int) *TerminalBuffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &TerminalBuffer{ring: make([]byte, capacity)}
}

// Write appends p, evicting the oldest data when the ring is full.
func (b *TerminalBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += uint64(len(p))

	capacity := len(b.ring)
	if len(p) >= capacity {
		copy(b.ring, p[len(p)-capacity:])
		b.start = 0
		b.size = capacity
		return
	}
	end := (b.start + b.size) % capacity
	n := copy(b.ring[end:], p)
	copy(b.ring, p[n:])

	b.size += len(p)
	if b.size > capacity {
		b.start = (b.start + b.size - capacity) % capacity
		b.size = capacity
	}
}

// Snapshot returns a copy of the buffered bytes, oldest first.
func (b *TerminalBuffer) Snapshot() []byte {
	return b.Tail(0)
}

// Tail returns a copy of the newest n bytes, or everything when n <= 0.
func (b *TerminalBuffer) Tail(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]byte, n)
	capacity := len(b.ring)
	from := (b.start + b.size - n) % capacity
	k := copy(out, b.ring[from:min(from+n, capacity)])
	copy(out[k:], b.ring[:n-k])
	return out
}

// Len returns the number of bytes currently held.
func (b *TerminalBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Total returns the number of bytes ever written, including evicted ones.
func (b *TerminalBuffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
