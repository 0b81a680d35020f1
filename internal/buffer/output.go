// Package buffer accumulates the output of the run in flight.
package buffer

import (
	"strings"
	"sync"
)

// DefaultCapacity bounds an OutputBuffer created with a non-positive capacity.
const DefaultCapacity = 1 << 20

// OutputBuffer is a thread-safe, bounded list of output fragments. When the
// total size passes capacity the oldest fragments are discarded.
//
// Fragments carry no run identifier, so callers Reset the buffer before
// submitting a new run.
type OutputBuffer struct {
	fragments []string
	size      int
	capacity  int
	dropped   int
	mu        sync.RWMutex
}

// NewOutputBuffer creates an OutputBuffer holding up to capacity bytes.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &OutputBuffer{capacity: capacity}
}

// Append adds one fragment, discarding the oldest ones if needed.
func (b *OutputBuffer) Append(fragment string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A fragment larger than the whole buffer keeps only its tail.
	if len(fragment) >= b.capacity {
		b.dropped += len(b.fragments)
		if len(fragment) > b.capacity {
			b.dropped++
		}
		b.fragments = []string{fragment[len(fragment)-b.capacity:]}
		b.size = b.capacity
		return
	}

	b.fragments = append(b.fragments, fragment)
	b.size += len(fragment)

	n := 0
	for b.size > b.capacity {
		b.size -= len(b.fragments[n])
		n++
	}
	if n > 0 {
		b.dropped += n
		b.fragments = append([]string(nil), b.fragments[n:]...)
	}
}

// Write implements io.Writer; each call is one fragment.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.Append(string(p))
	return len(p), nil
}

// Fragments returns a copy of the buffered fragments in arrival order.
func (b *OutputBuffer) Fragments() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.fragments) == 0 {
		return nil
	}
	return append([]string(nil), b.fragments...)
}

// String joins the buffered fragments.
func (b *OutputBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.fragments, "")
}

// Reset discards everything, ready for the next run.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fragments = nil
	b.size = 0
	b.dropped = 0
}

// Len returns the buffered size in bytes.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Dropped returns how many fragments were discarded since the last Reset.
func (b *OutputBuffer) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Cap returns the capacity in bytes.
func (b *OutputBuffer) Cap() int {
	return b.capacity
}
