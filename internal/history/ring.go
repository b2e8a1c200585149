// Package history provides the bounded, insertion-ordered stores backing
// query, pattern, and alert history. Each store is capped at a fixed
// maximum with FIFO eviction of the oldest entry when full.
package history

import "sync"

// Ring is a bounded FIFO collection. Appending to a full ring evicts the
// oldest entry and reports it to the eviction callback, if set.
//
// All methods are safe for concurrent use. Readers get copies: a snapshot
// taken under the read lock is immutable afterwards, so long computations
// (analytics passes) never hold the lock.
type Ring[T any] struct {
	mu      sync.RWMutex
	buf     []T
	head    int // index of the oldest entry
	size    int
	onEvict func(T)
}

// NewRing creates a ring with the given capacity. Capacity must be
// positive; zero or negative falls back to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// OnEvict registers a callback invoked with each evicted entry. The
// callback runs while the ring lock is held and must not call back into
// the ring.
func (r *Ring[T]) OnEvict(fn func(T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Append adds an entry, evicting the oldest one first if the ring is full.
func (r *Ring[T]) Append(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.buf) {
		evicted := r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		if r.onEvict != nil {
			r.onEvict(evicted)
		}
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
}

// Snapshot returns a copy of all entries in insertion order (oldest first).
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns up to n entries, most recent first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return []T{}
	}
	if n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+r.size-1-i)%len(r.buf)]
	}
	return out
}

// Len returns the current number of entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the configured capacity.
func (r *Ring[T]) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
