package adascale

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// window accumulates local squared-gradient norms per parameter group
// over one or more backward passes. It is open exactly while a backward
// pass (or an accumulation span of passes) is in flight; every operation
// that mutates run state asserts the window is closed.
type window struct {
	localGradSqr  *mat.VecDense // non-nil iff the window is open
	backwardCalls int
	lastFinalized int
}

func (w *window) isOpen() bool { return w.localGradSqr != nil }

// open lazily allocates the accumulator for numGroups parameter groups.
func (w *window) open(numGroups int) {
	if w.isOpen() {
		panic("adascale: opening an already open accumulation window")
	}
	w.localGradSqr = mat.NewVecDense(numGroups, nil)
}

// record adds a squared-norm contribution for one parameter group.
func (w *window) record(groupIdx int, sqrNorm float64) {
	if !w.isOpen() {
		panic("adascale: recording a gradient outside a backward window")
	}
	w.localGradSqr.SetVec(groupIdx, w.localGradSqr.AtVec(groupIdx)+sqrNorm)
}

// tryFinalize counts one completed backward pass and reports whether the
// accumulation span is satisfied. The window stays open across
// intermediate accumulation passes.
func (w *window) tryFinalize(gradsToAccumulate int) bool {
	if !w.isOpen() {
		panic("adascale: finalizing a closed accumulation window")
	}
	w.backwardCalls++
	span := w.backwardCalls - w.lastFinalized
	if span > gradsToAccumulate {
		panic(fmt.Sprintf("adascale: %d backward calls since last finalize exceeds accumulation count %d",
			span, gradsToAccumulate))
	}
	return span%gradsToAccumulate == 0
}

// take transfers ownership of the accumulated vector to the caller and
// resets the window to closed, ready for the next span.
func (w *window) take() *mat.VecDense {
	if !w.isOpen() {
		panic("adascale: taking from a closed accumulation window")
	}
	v := w.localGradSqr
	w.localGradSqr = nil
	w.backwardCalls = 0
	w.lastFinalized = 0
	return v
}
