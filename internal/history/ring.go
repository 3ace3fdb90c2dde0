// Package history provides the bounded in-memory series the analyzers own.
package history

// Ring keeps the most recent values up to a fixed capacity, evicting the
// oldest first. A capacity <= 0 means unbounded. Ring is not safe for
// concurrent use; owners guard it with their own lock.
type Ring[T any] struct {
	items    []T
	start    int
	size     int
	capacity int
}

// NewRing constructs a ring holding at most capacity values.
func NewRing[T any](capacity int) *Ring[T] {
	r := &Ring[T]{capacity: capacity}
	if capacity > 0 {
		r.items = make([]T, capacity)
	}
	return r
}

// Push appends v, evicting the oldest value when full.
func (r *Ring[T]) Push(v T) {
	if r.capacity <= 0 {
		r.items = append(r.items, v)
		r.size++
		return
	}
	if r.size < r.capacity {
		r.items[(r.start+r.size)%r.capacity] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % r.capacity
}

// Len returns the number of retained values.
func (r *Ring[T]) Len() int {
	return r.size
}

// Last returns up to n most recent values, oldest first. n <= 0 returns all.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// Newest returns the most recent value.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.at(r.size - 1), true
}

func (r *Ring[T]) at(i int) T {
	if r.capacity <= 0 {
		return r.items[i]
	}
	return r.items[(r.start+i)%r.capacity]
}
