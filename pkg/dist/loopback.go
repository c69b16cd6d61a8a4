package dist

import (
	"fmt"
	"sync"
)

// LoopbackGroup connects n in-process workers, one goroutine each, so
// that their collective calls reduce against each other without any
// network. It is used by tests and the simulator; a real deployment
// would substitute an RDMA/NCCL-style Backend.
type LoopbackGroup struct {
	n      int
	mu     sync.Mutex
	rounds map[uint64]*loopbackRound
}

type loopbackRound struct {
	sum     []float64
	bufs    [][]float64
	arrived int
	done    chan struct{}
}

// NewLoopbackGroup creates a group for n workers.
func NewLoopbackGroup(n int) *LoopbackGroup {
	if n < 1 {
		panic("dist: loopback group needs at least one worker")
	}
	return &LoopbackGroup{n: n, rounds: make(map[uint64]*loopbackRound)}
}

// Worker returns the Backend for the worker with the given rank. Each
// returned worker must be used from a single goroutine.
func (g *LoopbackGroup) Worker(rank int) *LoopbackWorker {
	if rank < 0 || rank >= g.n {
		panic(fmt.Sprintf("dist: rank %d out of range [0,%d)", rank, g.n))
	}
	return &LoopbackWorker{group: g, rank: rank}
}

// contribute matches the seq-th collective call of one worker with the
// seq-th call of every other worker. The round completes when all n
// workers have contributed; the element-wise sum is then copied back
// into every contributed buffer.
func (g *LoopbackGroup) contribute(seq uint64, buf []float64) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rounds[seq]
	if !ok {
		r = &loopbackRound{
			sum:  make([]float64, len(buf)),
			done: make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	if len(buf) != len(r.sum) {
		panic(fmt.Sprintf("dist: all-reduce buffer length mismatch: %d vs %d", len(buf), len(r.sum)))
	}
	for i, x := range buf {
		r.sum[i] += x
	}
	r.bufs = append(r.bufs, buf)
	r.arrived++
	if r.arrived == g.n {
		for _, b := range r.bufs {
			copy(b, r.sum)
		}
		close(r.done)
		delete(g.rounds, seq)
	}
	return chanHandle{done: r.done}
}

// LoopbackWorker is one worker's view of a LoopbackGroup.
type LoopbackWorker struct {
	group *LoopbackGroup
	rank  int
	seq   uint64
}

func (w *LoopbackWorker) WorldSize() int { return w.group.n }
func (w *LoopbackWorker) Rank() int      { return w.rank }

func (w *LoopbackWorker) AllReduceSumAsync(buf []float64) Handle {
	seq := w.seq
	w.seq++
	return w.group.contribute(seq, buf)
}

type chanHandle struct {
	done <-chan struct{}
}

func (h chanHandle) Wait() { <-h.done }
