package amp

import (
	"math"

	"github.com/joelsearcy/adascale-go/pkg/optim"
)

// Default scaling schedule, matching the usual dynamic-loss-scaling
// recipe: halve on overflow, double after a run of clean steps.
const (
	DefaultInitScale      = 1024.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// GradScaler implements dynamic loss scaling for mixed-precision
// training. The caller multiplies its loss by Scale before the backward
// pass; the scaler unscales gradients, skips optimizer steps whose
// gradients overflowed, and adapts the scale factor over time.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int

	goodSteps int
	unscaled  bool
	foundInf  bool
	skipped   bool
}

// NewGradScaler creates a scaler with the default schedule.
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          DefaultInitScale,
		growthFactor:   DefaultGrowthFactor,
		backoffFactor:  DefaultBackoffFactor,
		growthInterval: DefaultGrowthInterval,
	}
}

// Scale returns the current loss-scale factor.
func (s *GradScaler) Scale() float64 { return s.scale }

// ScaleLoss multiplies a loss value by the current scale factor.
func (s *GradScaler) ScaleLoss(loss float64) float64 { return loss * s.scale }

// Unscale divides every gradient held by the optimizer by the scale
// factor, recording whether any gradient is NaN or Inf. It is a no-op
// if gradients were already unscaled this step.
func (s *GradScaler) Unscale(opt optim.Optimizer) {
	if s.unscaled {
		return
	}
	s.unscaled = true
	inv := 1.0 / s.scale
	for _, g := range opt.Groups() {
		for _, p := range g.Params {
			for i, x := range p.Grad {
				x *= inv
				p.Grad[i] = x
				if math.IsNaN(x) || math.IsInf(x, 0) {
					s.foundInf = true
				}
			}
		}
	}
}

// Step unscales gradients if needed, then applies the optimizer step
// unless an overflow was detected. It reports whether the step was
// applied.
func (s *GradScaler) Step(opt optim.Optimizer) (bool, error) {
	if !s.unscaled {
		s.Unscale(opt)
	}
	if s.foundInf {
		s.skipped = true
		return false, nil
	}
	return true, opt.Step()
}

// Update adapts the scale factor after a step: backoff on overflow,
// growth after growthInterval consecutive clean steps.
func (s *GradScaler) Update() {
	if s.skipped {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
	} else {
		s.goodSteps++
		if s.goodSteps >= s.growthInterval {
			s.scale *= s.growthFactor
			s.goodSteps = 0
		}
	}
	s.unscaled = false
	s.foundInf = false
	s.skipped = false
}
