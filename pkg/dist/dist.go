package dist

// Handle is a pending collective operation.
type Handle interface {
	// Wait blocks until the operation has completed and its result is
	// available in the buffer that was passed in.
	Wait()
}

// Backend issues collective operations across training workers.
//
// Collective calls are cooperative: every worker must issue the same
// sequence of calls with equally sized buffers. A worker that skips a
// call leaves the others blocked in Wait forever; there is no timeout.
type Backend interface {
	// WorldSize returns the number of parallel workers.
	WorldSize() int

	// Rank returns this worker's index in [0, WorldSize).
	Rank() int

	// AllReduceSumAsync starts a non-blocking sum-reduction of buf across
	// all workers. The result replaces the contents of buf once the
	// returned handle's Wait has returned. The caller may do unrelated
	// CPU work between issuing the call and waiting on it.
	AllReduceSumAsync(buf []float64) Handle
}

// Local is the single-process Backend. Reductions are a no-op and
// complete immediately.
type Local struct{}

func (Local) WorldSize() int { return 1 }
func (Local) Rank() int      { return 0 }

func (Local) AllReduceSumAsync(buf []float64) Handle { return doneHandle{} }

type doneHandle struct{}

func (doneHandle) Wait() {}
