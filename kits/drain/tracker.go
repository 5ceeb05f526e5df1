package drain

import "sync/atomic"

// Tracker counts admitted requests that have not finished yet.
// It is safe for concurrent use.
type Tracker struct {
	n atomic.Int64
}

// Increment records a newly admitted request and returns the new count.
func (t *Tracker) Increment() int64 {
	return t.n.Add(1)
}

// Decrement records a finished request and returns the new count.
//
// Decrementing an empty tracker means a request was released without being
// admitted; it panics with ErrCounterUnderflow and leaves the count at zero.
func (t *Tracker) Decrement() int64 {
	for {
		cur := t.n.Load()
		if cur <= 0 {
			panic(ErrCounterUnderflow)
		}
		if t.n.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Current returns the number of in-flight requests.
func (t *Tracker) Current() int64 {
	return t.n.Load()
}
