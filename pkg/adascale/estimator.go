package adascale

import (
	"gonum.org/v1/gonum/mat"

	"github.com/joelsearcy/adascale-go/pkg/linalg"
)

const (
	// MinSteps is the number of real iterations that must elapse before
	// outlier rejection and GNS prediction activate; the moving averages
	// need time to stabilize first.
	MinSteps = 50

	// SafeUpdateRatio is the largest step-over-step growth of the local
	// squared-norm sample (group 0) accepted as legitimate; anything
	// larger is rejected as an outlier.
	SafeUpdateRatio = 10.0
)

// estimator turns a pre-reduction local squared-norm vector and the
// globally reduced squared norm into unbiased estimates of the true
// gradient's variance trace and squared norm.
type estimator struct {
	scale          float64
	numGradSamples int

	prevLocal *mat.VecDense // previous pre-reduction sample, outlier reference
}

// outlier compares the newest pre-reduction sample against the previous
// one and reports whether the jump exceeds SafeUpdateRatio. The sample
// becomes the new reference either way. Must be called before the
// in-place reduction mutates local.
func (e *estimator) outlier(local *mat.VecDense, realIterations int) bool {
	found := false
	if e.prevLocal != nil && realIterations > MinSteps &&
		e.prevLocal.AtVec(0) > 0 &&
		local.AtVec(0)/e.prevLocal.AtVec(0) > SafeUpdateRatio {
		found = true
	}
	e.prevLocal = mat.VecDenseCopyOf(local)
	return found
}

// estimate computes per-group (gradVar, gradSqr). The local vector must
// already hold the cross-worker sum and any accumulation adjustment;
// total must hold the squared norm of the fully combined gradient.
//
// With cN gradient samples combined per step, variance = E[x²] − (E[x])²
// gives two algebraic forms: when the scale-one reference itself
// aggregates cN samples (S == 1) the cN factors shift onto the total
// term. gradSqr is clamped at zero as an underflow guard; gradVar is
// left unclamped because flooring it would bias the moving average.
//
// invalid is set when the inputs are non-finite, the sample was an
// outlier, or the derived statistics are unusable; in the non-finite
// case the returned vectors broadcast the supplied fallback values so
// downstream math stays defined for the step.
func (e *estimator) estimate(local, total *mat.VecDense, foundOutlier bool, fallbackVar, fallbackSqr float64) (gradVar, gradSqr *mat.VecDense, invalid bool) {
	n := local.Len()
	gradVar = mat.NewVecDense(n, nil)
	gradSqr = mat.NewVecDense(n, nil)

	if !linalg.AllFinite(local) || !linalg.AllFinite(total) {
		linalg.Fill(gradVar, fallbackVar)
		linalg.Fill(gradSqr, fallbackSqr)
		return gradVar, gradSqr, true
	}

	S := e.scale
	cN := float64(e.numGradSamples)
	if S > 1 {
		gradVar.ScaleVec(S/cN/(cN-1), local)
		gradVar.AddScaledVec(gradVar, -S/(cN-1), total)
		gradSqr.AddScaledVec(total, -1/S, gradVar)
	} else {
		gradVar.ScaleVec(1/(cN-1), local)
		gradVar.AddScaledVec(gradVar, -cN/(cN-1), total)
		gradSqr.AddScaledVec(total, -1/cN, gradVar)
	}
	for i := 0; i < n; i++ {
		if gradSqr.AtVec(i) < 0 {
			gradSqr.SetVec(i, 0)
		}
	}

	invalid = foundOutlier
	for i := 0; i < n && !invalid; i++ {
		if gradVar.AtVec(i) <= 0 || gradSqr.AtVec(i) < 0 {
			invalid = true
		}
	}
	if !invalid && (!linalg.AllFinite(gradVar) || !linalg.AllFinite(gradSqr)) {
		invalid = true
	}
	return gradVar, gradSqr, invalid
}
