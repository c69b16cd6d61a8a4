package grads

import (
	"github.com/joelsearcy/adascale-go/pkg/dist"
	"github.com/joelsearcy/adascale-go/pkg/optim"
)

// Hook observes one parameter's gradient contribution during a backward
// pass. It receives the per-pass gradient, before any accumulation or
// cross-worker synchronization.
type Hook func(groupIdx, paramIdx int, grad []float64)

// GradFunc supplies the per-pass gradient for a parameter, or nil if the
// parameter produced no gradient this pass.
type GradFunc func(groupIdx, paramIdx int) []float64

// Engine drives backward passes for an optimizer's parameters: it
// accumulates gradients, fires registered hooks exactly once per
// parameter per pass, performs data-parallel gradient averaging through
// the distributed backend, and drains the deferred-callback queue.
//
// The queue contract mirrors the completion queue of an autograd engine:
// the synchronization callback is enqueued after all hooks have fired,
// so a hook that wants to run after synchronization must re-enqueue
// itself through QueueCallback during the drain.
type Engine struct {
	opt     optim.Optimizer
	backend dist.Backend
	queue   Queue

	hooks  []hookEntry
	nextID int
}

type hookEntry struct {
	id int
	fn Hook
}

// NewEngine creates an engine over the optimizer's parameters. A nil
// backend means single-process training.
func NewEngine(opt optim.Optimizer, backend dist.Backend) *Engine {
	if backend == nil {
		backend = dist.Local{}
	}
	return &Engine{opt: opt, backend: backend}
}

// Backend returns the distributed backend the engine synchronizes through.
func (e *Engine) Backend() dist.Backend { return e.backend }

// RegisterHook adds a gradient hook and returns a function that removes it.
func (e *Engine) RegisterHook(fn func(groupIdx, paramIdx int, grad []float64)) func() {
	id := e.nextID
	e.nextID++
	e.hooks = append(e.hooks, hookEntry{id: id, fn: fn})
	return func() {
		for i, h := range e.hooks {
			if h.id == id {
				e.hooks = append(e.hooks[:i], e.hooks[i+1:]...)
				return
			}
		}
	}
}

// QueueCallback defers fn onto the engine's completion queue. The queue
// is drained at the end of the current (or next) backward pass.
func (e *Engine) QueueCallback(fn func()) {
	e.queue.Defer(fn)
}

// Backward performs one backward pass. For every parameter whose
// GradFunc result is non-nil, the gradient is accumulated into the
// parameter and all hooks fire with the per-pass contribution. When
// syncGrads is set and the backend spans more than one worker, a
// gradient-averaging callback is enqueued behind the hooks' deferred
// work, then the queue is drained. Under gradient accumulation the
// caller passes syncGrads only on the final micro-pass.
func (e *Engine) Backward(gradOf GradFunc, syncGrads bool) {
	for gi, g := range e.opt.Groups() {
		for pi, p := range g.Params {
			grad := gradOf(gi, pi)
			if grad == nil {
				continue
			}
			p.AccumGrad(grad)
			for _, h := range e.hooks {
				h.fn(gi, pi, grad)
			}
		}
	}
	if syncGrads && e.backend.WorldSize() > 1 {
		e.queue.Defer(e.syncGradients)
	}
	e.queue.Drain()
}

// syncGradients all-reduces every live gradient and averages it across
// workers. Reductions are issued for all parameters before any wait so
// the backend can overlap them.
func (e *Engine) syncGradients() {
	var handles []dist.Handle
	var synced []*optim.Param
	for _, g := range e.opt.Groups() {
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			handles = append(handles, e.backend.AllReduceSumAsync(p.Grad))
			synced = append(synced, p)
		}
	}
	for _, h := range handles {
		h.Wait()
	}
	inv := 1.0 / float64(e.backend.WorldSize())
	for _, p := range synced {
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
	}
}
