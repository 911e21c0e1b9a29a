package supervisor

import (
	"strings"
	"sync"
)

// Tail is a fixed-capacity circular buffer of the most recent output lines
// of an agent process, kept so spawn failures can report what the agent said.
type Tail struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewTail creates a tail buffer with the given capacity.
func NewTail(capacity int) *Tail {
	return &Tail{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Write adds a line to the buffer.
func (t *Tail) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[t.pos] = line
	t.pos = (t.pos + 1) % t.capacity
	if t.pos == 0 {
		t.full = true
	}
}

// Lines returns the buffered lines in chronological order.
func (t *Tail) Lines() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		result := make([]string, t.pos)
		copy(result, t.buf[:t.pos])
		return result
	}

	result := make([]string, t.capacity)
	copy(result, t.buf[t.pos:])
	copy(result[t.capacity-t.pos:], t.buf[:t.pos])
	return result
}

// String joins the buffered lines with newlines.
func (t *Tail) String() string {
	return strings.Join(t.Lines(), "\n")
}
