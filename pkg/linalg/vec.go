package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ExtendVecDense returns a vector of length n whose leading elements are
// those of v and whose new trailing elements are fill. A nil v is treated
// as length zero. Panics if n is smaller than the current length.
func ExtendVecDense(v *mat.VecDense, n int, fill float64) *mat.VecDense {
	old := 0
	if v != nil {
		old = v.Len()
	}
	if n < old {
		panic("linalg: cannot shrink vector")
	}
	out := mat.NewVecDense(n, nil)
	for i := 0; i < old; i++ {
		out.SetVec(i, v.AtVec(i))
	}
	for i := old; i < n; i++ {
		out.SetVec(i, fill)
	}
	return out
}

// AllFinite reports whether every element of v is neither NaN nor Inf.
func AllFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Fill sets every element of v to x.
func Fill(v *mat.VecDense, x float64) {
	for i := 0; i < v.Len(); i++ {
		v.SetVec(i, x)
	}
}
