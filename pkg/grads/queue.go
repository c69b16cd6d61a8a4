package grads

// Queue is a FIFO deferred-callback queue drained at the end of a
// backward pass. Callbacks may defer further callbacks while the queue
// is draining; those run after everything already enqueued, which is
// what lets a consumer schedule work behind a gradient-synchronization
// callback it does not own.
type Queue struct {
	pending []func()
}

// Defer appends fn to the queue.
func (q *Queue) Defer(fn func()) {
	q.pending = append(q.pending, fn)
}

// Drain runs queued callbacks in FIFO order until the queue is empty,
// including callbacks deferred during the drain.
func (q *Queue) Drain() {
	for len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending = q.pending[1:]
		fn()
	}
}

// Len returns the number of callbacks currently queued.
func (q *Queue) Len() int { return len(q.pending) }
