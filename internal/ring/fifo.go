package ring

import (
	"fmt"
	"sync"

	"code.hybscloud.com/iox"
)

// ErrFifoFull reports a full post-processing FIFO. It wraps iox.ErrWouldBlock.
var ErrFifoFull = fmt.Errorf("ring: fifo full: %w", iox.ErrWouldBlock)

// Fifo is a bounded FIFO shared by the submission and recycle sides.
type Fifo[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
}

// NewFifo creates a FIFO holding at most capacity entries.
func NewFifo[T any](capacity int) *Fifo[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Fifo[T]{buf: make([]T, capacity)}
}

// Push appends v, or returns ErrFifoFull.
func (f *Fifo[T]) Push(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == len(f.buf) {
		return ErrFifoFull
	}
	f.buf[(f.head+f.count)%len(f.buf)] = v
	f.count++
	return nil
}

// Pop removes the oldest entry.
func (f *Fifo[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.count == 0 {
		return zero, false
	}
	v := f.buf[f.head]
	f.buf[f.head] = zero
	f.head = (f.head + 1) % len(f.buf)
	f.count--
	return v, true
}

// Peek returns the oldest entry without removing it.
func (f *Fifo[T]) Peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == 0 {
		var zero T
		return zero, false
	}
	return f.buf[f.head], true
}

// PopBack removes the newest entry, undoing the last Push.
func (f *Fifo[T]) PopBack() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.count == 0 {
		return zero, false
	}
	i := (f.head + f.count - 1) % len(f.buf)
	v := f.buf[i]
	f.buf[i] = zero
	f.count--
	return v, true
}

// Len returns the number of queued entries.
func (f *Fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Cap returns the FIFO capacity.
func (f *Fifo[T]) Cap() int {
	return len(f.buf)
}
