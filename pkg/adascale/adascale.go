// Package adascale implements the AdaScale algorithm for scaling the
// learning rate in distributed and large-batch training. It wraps a
// base optimizer, estimates the true gradient's squared norm and
// variance trace from per-worker gradient statistics, and converts them
// into a learning-rate gain, a gradient-noise-scale prediction, and a
// scale-invariant step counter.
package adascale

import (
	"io"
	"log"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/joelsearcy/adascale-go/pkg/dist"
	"github.com/joelsearcy/adascale-go/pkg/optim"
)

// Series names tracked per run.
const (
	statGradSqr = "grad_sqr_avg"
	statGradVar = "grad_var_avg"
	statGNS     = "gns_avg"
)

// gnsSmoothing is the fixed EMA factor for the GNS series.
const gnsSmoothing = 0.9

// AllGroups selects the sum over all parameter groups where a group
// index is expected.
const AllGroups = -1

// GradSource delivers per-parameter gradients during backward passes
// and exposes the completion queue those passes drain.
type GradSource interface {
	// RegisterHook subscribes to per-parameter gradient contributions.
	// The hook fires exactly once per parameter per backward pass,
	// before cross-worker synchronization, unless the parameter produced
	// no gradient. The returned function removes the hook.
	RegisterHook(fn func(groupIdx, paramIdx int, grad []float64)) func()

	// QueueCallback defers fn onto the backward pass's FIFO completion
	// queue, behind everything already queued for the pass (including
	// any gradient-synchronization callback).
	QueueCallback(fn func())
}

// LossScaler is the mixed-precision collaborator. Optional.
type LossScaler interface {
	Scale() float64
	Unscale(opt optim.Optimizer)
	Step(opt optim.Optimizer) (bool, error)
}

// AdaScale wraps a base optimizer and rescales its learning rate each
// step by the estimated gain ratio.
//
// Per backward pass the controller moves through four phases: gradient
// hooks populate the accumulation window (ACCUMULATING); once the
// accumulation span is satisfied the deferred finalize callback issues
// the cross-worker reduction and runs the variance estimator (REDUCING);
// the moving averages absorb or reject the sample (FINALIZED); and the
// window closes, returning to IDLE. Step, checkpointing, and group
// changes are only legal while IDLE.
//
// All workers must construct the controller with identical
// configuration and drive it through identical call sequences; the
// invalid-gain decision is a pure function of globally reduced
// quantities, so each worker derives the same flag without extra
// communication.
type AdaScale struct {
	opt     optim.Optimizer
	cfg     Config
	d       derived
	backend dist.Backend
	source  GradSource
	scaler  LossScaler
	precond optim.Preconditioner
	sink    Sink
	logger  *log.Logger

	tracker *Tracker
	window  window
	est     estimator
	state   runState

	realIterations int
	gainInvalid    bool
	finalQueued    bool
	lossScaleSq    float64
	removeHook     func()

	scaleOneBeta1 float64
	adjustedBeta1 float64

	// Latest per-step observables, kept for telemetry.
	lastGain         float64
	lastGNS          float64
	nonsmoothVar     float64
	nonsmoothSqr     float64
	effectiveLR      float64
	clipNorm         float64
	temperature      float64
	temperatureRatio float64
	instabilityCount int
}

// runState is the portion of controller state that survives restarts.
type runState struct {
	ScaleInvariantSteps float64
	Scale               float64
}

// Option configures optional collaborators.
type Option func(*AdaScale)

// WithScaler attaches a mixed-precision loss scaler.
func WithScaler(s LossScaler) Option { return func(a *AdaScale) { a.scaler = s } }

// WithSink attaches a telemetry sink.
func WithSink(s Sink) Option { return func(a *AdaScale) { a.sink = s } }

// WithLogger overrides the logger used for recoverable numerical events.
func WithLogger(l *log.Logger) Option { return func(a *AdaScale) { a.logger = l } }

// New creates an AdaScale controller wrapping opt. The gradient source
// delivers backward-pass gradients; backend performs cross-worker
// reductions (nil means single process).
func New(opt optim.Optimizer, source GradSource, backend dist.Backend, cfg Config, opts ...Option) (*AdaScale, error) {
	if backend == nil {
		backend = dist.Local{}
	}
	d, err := cfg.derive(backend.WorldSize())
	if err != nil {
		return nil, err
	}

	a := &AdaScale{
		opt:         opt,
		cfg:         cfg,
		d:           d,
		backend:     backend,
		source:      source,
		logger:      log.New(io.Discard, "", 0),
		tracker:     NewTracker(),
		temperature: 1,
		gainInvalid: true, // no estimate exists until the first window finalizes
	}
	a.est = estimator{scale: d.scale, numGradSamples: d.numGradSamples}
	a.state = runState{Scale: d.scale}
	for _, o := range opts {
		o(a)
	}

	n := len(opt.Groups())
	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
	}
	a.tracker.Init(statGradSqr, ones)
	a.tracker.Init(statGradVar, mat.NewVecDense(n, nil))

	if cfg.IsAdaptive {
		a.scaleOneBeta1 = opt.Groups()[0].Beta1
		a.adjustedBeta1 = a.scaleOneBeta1
	}
	if cfg.PreconditionGradients {
		a.precond, _ = opt.(optim.Preconditioner)
	}

	a.hook()
	return a, nil
}

// Scale returns the batch-size scale factor relative to the scale-one
// configuration.
func (a *AdaScale) Scale() float64 { return a.d.scale }

// Smoothing returns the EMA factor in use for the gradient statistics.
func (a *AdaScale) Smoothing() float64 { return a.d.smoothing }

// RealIterations returns the number of valid optimizer iterations
// counted so far.
func (a *AdaScale) RealIterations() int { return a.realIterations }

// GainInvalid reports whether the most recent sample was numerically
// unusable, in which case Gain returns 1.
func (a *AdaScale) GainInvalid() bool { return a.gainInvalid }

// InstabilityCount returns how many samples have been discarded for
// numerical instability since construction.
func (a *AdaScale) InstabilityCount() int { return a.instabilityCount }

// EffectiveLR returns group 0's gain-multiplied learning rate from the
// latest Step.
func (a *AdaScale) EffectiveLR() float64 { return a.effectiveLR }

// Temperature returns the ratio of the current LR-per-batch-size to its
// initial value.
func (a *AdaScale) Temperature() float64 { return a.temperature }

func (a *AdaScale) hook() {
	if a.removeHook != nil {
		panic("adascale: hooks already registered")
	}
	a.removeHook = a.source.RegisterHook(a.onGrad)
}

// Unhook unregisters the gradient hook. Call before discarding the
// controller while keeping the gradient source alive.
func (a *AdaScale) Unhook() {
	if a.removeHook != nil {
		a.removeHook()
		a.removeHook = nil
	}
}

func (a *AdaScale) assertIdle(op string) {
	if a.window.isOpen() {
		panic("adascale: cannot " + op + " while a backward window is open")
	}
}

// onGrad is the per-parameter gradient hook. The first call of a pass
// opens the window and pins the loss scale for the span.
func (a *AdaScale) onGrad(groupIdx, paramIdx int, grad []float64) {
	if !a.window.isOpen() {
		a.window.open(len(a.opt.Groups()))
		s := 1.0
		if a.scaler != nil {
			s = a.scaler.Scale()
		}
		a.lossScaleSq = s * s
	}
	a.window.record(groupIdx, a.normSquared(groupIdx, paramIdx, grad))

	// Re-enqueue through the completion queue so finalize lands behind
	// any gradient-synchronization callback queued for this pass.
	a.finalQueued = false
	a.source.QueueCallback(a.queueFinalize)
}

// queueFinalize enqueues finalize exactly once per backward pass, from
// inside the queue drain, guaranteeing it runs after every entry that
// was already queued when the hooks fired.
func (a *AdaScale) queueFinalize() {
	if a.finalQueued {
		return
	}
	a.finalQueued = true
	a.source.QueueCallback(a.finalize)
}

// normSquared computes one parameter's squared-norm contribution,
// unscaling for mixed precision and optionally preconditioning.
func (a *AdaScale) normSquared(groupIdx, paramIdx int, grad []float64) float64 {
	sum := 0.0
	if p := a.preconditioner(groupIdx, paramIdx); p != nil {
		for i, g := range grad {
			r := g / p[i]
			sum += r * r
		}
	} else {
		for _, g := range grad {
			sum += g * g
		}
	}
	return sum / a.lossScaleSq
}

func (a *AdaScale) preconditioner(groupIdx, paramIdx int) []float64 {
	// Second-moment averages are not informative for roughly 1/(1-beta2)
	// initial batches; skip preconditioning until estimates settle.
	if a.precond == nil || a.realIterations < MinSteps {
		return nil
	}
	return a.precond.Preconditioner(groupIdx, paramIdx)
}

// totalGradSqr computes the per-group squared norm of the fully
// combined gradient from the parameters' synchronized gradients.
// Parameters with missing or NaN gradients are excluded.
func (a *AdaScale) totalGradSqr() *mat.VecDense {
	groups := a.opt.Groups()
	total := mat.NewVecDense(len(groups), nil)
	for gi, g := range groups {
		sum := 0.0
		for pi, p := range g.Params {
			if p.Grad == nil || floats.HasNaN(p.Grad) {
				continue
			}
			sum += a.normSquared(gi, pi, p.Grad)
		}
		total.SetVec(gi, sum)
	}
	return total
}

// finalize runs at the end of each backward pass, after gradient
// synchronization. On intermediate accumulation passes it only counts
// the pass; on the final pass it reduces the local statistics, runs the
// estimator, and folds the sample into the moving averages.
func (a *AdaScale) finalize() {
	a.finalQueued = false
	if !a.window.tryFinalize(a.cfg.GradsToAccumulate) {
		return
	}
	local := a.window.take()

	foundOutlier := a.est.outlier(local, a.realIterations)
	if foundOutlier {
		a.logger.Printf("adascale: outlier local gradient norm, skipping moving-average update")
	}

	var pending dist.Handle
	if a.d.worldSize > 1 {
		pending = a.backend.AllReduceSumAsync(local.RawVector().Data)
	}

	// Overlap the reduction with the total-norm computation.
	total := a.totalGradSqr()
	accum := float64(a.cfg.GradsToAccumulate)
	if a.cfg.GradsToAccumulate > 1 && a.cfg.AdjustGradsForAccumulation {
		total.ScaleVec(1/(accum*accum), total)
	}
	if pending != nil {
		pending.Wait()
	}
	if a.cfg.GradsToAccumulate > 1 && !a.cfg.AdjustGradsForAccumulation {
		// The accumulation divisor lives in the combined gradient only;
		// rescale the local sums to match the estimator's convention.
		local.ScaleVec(accum*accum, local)
	}

	a.gainInvalid = false
	gradVar, gradSqr, invalid := a.est.estimate(local, total, foundOutlier, a.GradVarAvg(0), a.GradSqrAvg(0))
	a.nonsmoothVar = gradVar.AtVec(0)
	a.nonsmoothSqr = gradSqr.AtVec(0)

	if invalid {
		// The decision derives from globally reduced quantities, so
		// every worker lands here together and skips the update.
		a.gainInvalid = true
		a.instabilityCount++
		a.logger.Printf("adascale: unusable gradient statistics, gain falls back to 1.0")
		return
	}
	a.tracker.Update(statGradSqr, gradSqr, a.d.smoothing)
	a.tracker.Update(statGradVar, gradVar, a.d.smoothing)
}

// Step runs one optimizer step with each group's learning rate
// transiently multiplied by its gain, then restores the original rates.
// It reports whether the wrapped step was applied (a loss scaler may
// skip on overflow).
func (a *AdaScale) Step() (bool, error) {
	a.assertIdle("step")
	groups := a.opt.Groups()
	originalLR := make([]float64, len(groups))
	for i, g := range groups {
		originalLR[i] = g.LR
		g.LR = a.Gain(i) * g.LR
	}
	a.effectiveLR = groups[0].LR
	a.updateTemperature(originalLR[0])

	a.clipNorm = 0
	var stepped bool
	var err error
	if a.scaler != nil {
		if a.cfg.MaxGradNorm > 0 {
			a.scaler.Unscale(a.opt)
			a.clipNorm = optim.ClipGradNorm(groups, a.cfg.MaxGradNorm)
		}
		stepped, err = a.scaler.Step(a.opt)
	} else {
		if a.cfg.MaxGradNorm > 0 {
			a.clipNorm = optim.ClipGradNorm(groups, a.cfg.MaxGradNorm)
		}
		stepped, err = true, a.opt.Step()
	}
	for i, g := range groups {
		g.LR = originalLR[i]
	}
	return stepped, err
}

// updateTemperature tracks how the LR-to-batch-size ratio drifts from
// its initial value, which calibrates GNS predictions across LR decay.
func (a *AdaScale) updateTemperature(baseLR float64) {
	ratio := baseLR / float64(a.d.currentBatchSize)
	if a.temperatureRatio == 0 {
		a.temperatureRatio = ratio
		return
	}
	a.temperature *= ratio / a.temperatureRatio
	a.temperatureRatio = ratio
}

// ZeroGrad clears the wrapped optimizer's gradients.
func (a *AdaScale) ZeroGrad() {
	a.assertIdle("zero gradients")
	a.opt.ZeroGrad()
}

// AddParamGroup appends a parameter group to the wrapped optimizer,
// re-registers the gradient hooks, and extends every per-group
// statistic with its neutral seed (1 for squared-norm series, 0 for
// variance series) without disturbing existing entries.
func (a *AdaScale) AddParamGroup(g *optim.Group) {
	a.assertIdle("add a parameter group")
	a.opt.AddGroup(g)
	a.Unhook()
	a.hook()
	a.tracker.Extend(statGradSqr, 1)
	a.tracker.Extend(statGradVar, 0)
}
