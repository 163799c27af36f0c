// Package ring provides a bounded FIFO used for the driver's host-side
// transmit overflow and receive queues.
//
// A Ring is not synchronized. Callers provide mutual exclusion, which lets the
// driver share one lock between the SPI bus and the queues it feeds.
package ring

// Ring is a fixed-capacity first-in first-out queue.
type Ring[T any] struct {
	buf   []T
	read  int
	count int
}

// New returns a ring holding at most size elements.
func New[T any](size int) *Ring[T] {
	r := &Ring[T]{}
	r.Init(size)
	return r
}

// Init discards the contents and resizes the ring.
func (r *Ring[T]) Init(size int) {
	if size < 0 {
		size = 0
	}
	r.buf = make([]T, size)
	r.read = 0
	r.count = 0
}

// Append adds v at the tail. It returns false when the ring is full.
func (r *Ring[T]) Append(v T) bool {
	if r.count >= len(r.buf) {
		return false
	}
	w := r.read + r.count
	if w >= len(r.buf) {
		w -= len(r.buf)
	}
	r.buf[w] = v
	r.count++
	return true
}

// Remove pops the head into out. It returns false when the ring is empty and
// leaves out untouched.
func (r *Ring[T]) Remove(out *T) bool {
	if r.count == 0 {
		return false
	}
	var zero T
	*out = r.buf[r.read]
	r.buf[r.read] = zero
	r.read++
	if r.read == len(r.buf) {
		r.read = 0
	}
	r.count--
	return true
}

// Count returns the number of queued elements.
func (r *Ring[T]) Count() int { return r.count }

// Size returns the capacity.
func (r *Ring[T]) Size() int { return len(r.buf) }

// Full reports whether Append would fail.
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }

// Reset empties the ring without changing its capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.read = 0
	r.count = 0
}
