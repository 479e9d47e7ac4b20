// Package queue provides the bounded hand-off buffer between broker I/O
// goroutines and the host's update loop.
package queue

import "sync"

// Ring is a bounded FIFO that never blocks the producer. When full,
// Enqueue evicts the oldest entry to make room for the new one.
//
// Ring is safe for concurrent use. It is built for one producer and one
// consumer but tolerates more of either.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int

	enqueued uint64
	dropped  uint64
}

// NewRing returns a ring holding at most capacity entries.
// A capacity below one is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Enqueue appends v. If the ring was full, the oldest entry is removed and
// returned with dropped set.
func (r *Ring[T]) Enqueue(v T) (evicted T, dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enqueued++
	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return evicted, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return evicted, false
}

// DrainAll removes and returns every queued entry in FIFO order.
// It returns nil when the ring is empty.
func (r *Ring[T]) DrainAll() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	var zero T
	for i := range out {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = zero
	}
	r.head = 0
	r.count = 0
	return out
}

// Len returns the number of queued entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many entries were evicted by overflow.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Enqueued returns how many entries were ever enqueued, dropped or not.
func (r *Ring[T]) Enqueued() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueued
}
