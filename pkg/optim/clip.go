package optim

import "math"

// ClipGradNorm rescales all gradients in the given groups so that their
// combined 2-norm does not exceed maxNorm. It returns the norm measured
// before clipping. A maxNorm <= 0 disables clipping.
func ClipGradNorm(groups []*Group, maxNorm float64) float64 {
	if maxNorm <= 0 {
		return 0
	}
	total := 0.0
	for _, g := range groups {
		for _, p := range g.Params {
			for _, x := range p.Grad {
				total += x * x
			}
		}
	}
	norm := math.Sqrt(total)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, g := range groups {
			for _, p := range g.Params {
				for j := range p.Grad {
					p.Grad[j] *= scale
				}
			}
		}
	}
	return norm
}
