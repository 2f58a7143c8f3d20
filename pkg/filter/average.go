package filter

import "golang.org/x/exp/constraints"

// Number is any sample type an Average can hold.
type Number interface {
	constraints.Integer | constraints.Float
}

// Average is a fixed-capacity FIFO of samples with a lazily computed mean.
// The oldest sample is evicted when a push would exceed the capacity.
//
// The mean is recomputed from the full sum of the held samples, at most once
// per push, no matter how many times Mean is called in between.
type Average[S Number, M constraints.Float] struct {
	buf   []S // ring storage, len(buf) == capacity
	head  int // index of the oldest sample
	size  int
	mean  M
	dirty bool
}

// NewAverage creates an Average holding at most capacity samples.
// A capacity below 1 is treated as 1.
func NewAverage[S Number, M constraints.Float](capacity int) *Average[S, M] {
	if capacity < 1 {
		capacity = 1
	}
	return &Average[S, M]{buf: make([]S, capacity)}
}

// Cap returns the capacity.
func (a *Average[S, M]) Cap() int { return len(a.buf) }

// Len returns the number of samples held.
func (a *Average[S, M]) Len() int { return a.size }

// Full reports whether Len has reached Cap.
func (a *Average[S, M]) Full() bool { return a.size == len(a.buf) }

// Push appends a sample, evicting the oldest one when full.
func (a *Average[S, M]) Push(s S) {
	if a.size == len(a.buf) {
		a.buf[a.head] = s
		a.head = (a.head + 1) % len(a.buf)
	} else {
		a.buf[(a.head+a.size)%len(a.buf)] = s
		a.size++
	}
	a.dirty = true
}

// Front returns the oldest sample, or the zero value when empty.
func (a *Average[S, M]) Front() S {
	if a.size == 0 {
		var zero S
		return zero
	}
	return a.buf[a.head]
}

// Mean returns the arithmetic mean of the held samples (0 when empty).
func (a *Average[S, M]) Mean() M {
	if a.dirty {
		var sum M
		for i := 0; i < a.size; i++ {
			sum += M(a.buf[(a.head+i)%len(a.buf)])
		}
		a.mean = sum / M(a.size)
		a.dirty = false
	}
	return a.mean
}

// Each calls fn for every held sample, oldest first.
func (a *Average[S, M]) Each(fn func(S) bool) {
	for i := 0; i < a.size; i++ {
		if !fn(a.buf[(a.head+i)%len(a.buf)]) {
			return
		}
	}
}

// Samples returns a copy of the held samples, oldest first.
func (a *Average[S, M]) Samples() []S {
	out := make([]S, 0, a.size)
	a.Each(func(s S) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Reset drops all samples.
func (a *Average[S, M]) Reset() {
	a.head = 0
	a.size = 0
	a.mean = 0
	a.dirty = false
}
