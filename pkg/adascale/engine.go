package adascale

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GradSqrAvg returns the smoothed estimate of the true gradient's
// squared l2-norm (mu squared in the AdaScale paper) for one parameter
// group, or the sum over groups for AllGroups.
func (a *AdaScale) GradSqrAvg(groupIdx int) float64 {
	return a.statAt(statGradSqr, groupIdx)
}

// GradVarAvg returns the smoothed estimate of the trace of the true
// gradient's covariance (sigma squared in the AdaScale paper) for one
// parameter group, or the sum over groups for AllGroups.
func (a *AdaScale) GradVarAvg(groupIdx int) float64 {
	return a.statAt(statGradVar, groupIdx)
}

func (a *AdaScale) statAt(name string, groupIdx int) float64 {
	avg := a.tracker.Average(name)
	if groupIdx == AllGroups {
		return floats.Sum(avg.RawVector().Data)
	}
	return avg.AtVec(groupIdx)
}

// Gain returns the current estimate of the AdaScale gain ratio (r_t in
// the paper) with the default adaptive exponent of 0.5. It is exactly 1
// whenever the latest sample was invalid.
func (a *AdaScale) Gain(groupIdx int) float64 {
	return a.GainWithAlpha(groupIdx, 0.5)
}

// GainWithAlpha is Gain with an explicit adaptive exponent.
func (a *AdaScale) GainWithAlpha(groupIdx int, alpha float64) float64 {
	if a.gainInvalid {
		a.lastGain = 1.0
		return 1.0
	}
	v := a.GradVarAvg(groupIdx)
	s := a.GradSqrAvg(groupIdx)
	maxScale := a.d.scale
	if a.cfg.IsAdaptive {
		maxScale = math.Pow(maxScale, alpha)
	}
	gain := (v + s) / (v/maxScale + s)
	a.lastGain = gain
	return gain
}

// scaleInvariantGain is the per-step scheduler advance: the gain without
// the adaptive exponent, or its aggressive-schedule variant.
func (a *AdaScale) scaleInvariantGain() float64 {
	if a.gainInvalid {
		return 1.0
	}
	v := a.GradVarAvg(AllGroups)
	s := a.GradSqrAvg(AllGroups)
	gain := (v + s) / (v/a.d.scale + s)
	if a.cfg.AggressiveSchedule {
		// Larger scheduler advances keep an aggressive decay aggressive.
		return math.Cbrt(a.d.scale * a.d.scale * gain)
	}
	return gain
}

// StepIncrement advances the scale-invariant step counter by the
// current gain and returns the whole-step delta the external scheduler
// should move by. Invalid samples advance by exactly one step and do
// not count as a real iteration.
func (a *AdaScale) StepIncrement() int {
	a.assertIdle("advance the step counter")
	if a.gainInvalid {
		return 1
	}
	prev := math.Floor(a.state.ScaleInvariantSteps)
	a.state.ScaleInvariantSteps += a.scaleInvariantGain()
	a.state.Scale = a.d.scale
	inc := math.Floor(a.state.ScaleInvariantSteps - prev)
	a.realIterations++
	return int(inc)
}

// ScaleInvariantSteps returns the running real-valued step counter.
func (a *AdaScale) ScaleInvariantSteps() float64 {
	return a.state.ScaleInvariantSteps
}

// GNS predicts the gradient noise scale (B_simple from the "empirical
// model of large-batch training" paper): the batch size beyond which
// scaling up stops helping. During warm-up it returns the scale-one
// batch size while seeding its own moving average; on invalid steps it
// falls back to the smoothed prediction. Otherwise it computes
// scaleOneBatchSize * var / sqr, clamps it to the configured upper
// limit, folds it into the moving average, and returns the smoothed
// value. In adaptive mode a confident prediction also rewrites the
// wrapped optimizer's momentum.
func (a *AdaScale) GNS(groupIdx int) float64 {
	if a.realIterations < MinSteps {
		a.lastGNS = float64(a.cfg.ScaleOneBatchSize)
		a.updateGNSAvg(a.lastGNS)
		return a.lastGNS
	}
	if a.gainInvalid {
		a.lastGNS = a.tracker.At(statGNS, 0)
		return a.lastGNS
	}
	v := a.GradVarAvg(groupIdx)
	s := a.GradSqrAvg(groupIdx)
	gns := float64(a.cfg.ScaleOneBatchSize) * v / s
	if gns > float64(a.cfg.BatchSizeUpperLimit) {
		gns = float64(a.cfg.BatchSizeUpperLimit)
	}
	a.lastGNS = gns
	a.updateGNSAvg(gns)

	avg := a.tracker.At(statGNS, 0)
	predictedScale := math.Ceil(avg/float64(a.cfg.ScaleOneBatchSize)) - 1
	if a.cfg.AdjustMomentum && predictedScale > 1 {
		a.setMomentum(predictedScale)
	}
	return avg
}

func (a *AdaScale) updateGNSAvg(gns float64) {
	a.tracker.Update(statGNS, mat.NewVecDense(1, []float64{gns}), gnsSmoothing)
}

// setMomentum rewrites each group's first-moment decay so the effective
// momentum horizon matches the predicted scale:
// beta1 = 1 - (1 - beta1_scaleOne) / predictedScale.
func (a *AdaScale) setMomentum(predictedScale float64) {
	if !a.cfg.IsAdaptive {
		return
	}
	adjusted := 1 - (1-a.scaleOneBeta1)/predictedScale
	for _, g := range a.opt.Groups() {
		g.SetBetas(adjusted, g.Beta2)
	}
	a.adjustedBeta1 = adjusted
}

// AdjustedBeta1 returns the momentum coefficient most recently applied
// to the wrapped optimizer (the scale-one value until GNS adjusts it).
func (a *AdaScale) AdjustedBeta1() float64 { return a.adjustedBeta1 }
