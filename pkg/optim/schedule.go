package optim

import "math"

// WarmupCosine is a learning-rate schedule with linear warmup followed
// by cosine decay to MinLR. It is advanced in whole steps, so a caller
// driving it from AdaScale feeds it the scale-invariant step increment
// and the schedule stays comparable across batch-size changes.
type WarmupCosine struct {
	BaseLR      float64
	MinLR       float64
	WarmupSteps int
	DecaySteps  int // total schedule length, including warmup

	step int
}

// Advance moves the schedule forward by n steps.
func (s *WarmupCosine) Advance(n int) {
	if n > 0 {
		s.step += n
	}
}

// Step returns the current schedule position.
func (s *WarmupCosine) Step() int { return s.step }

// LR returns the learning rate at the current position.
func (s *WarmupCosine) LR() float64 {
	if s.WarmupSteps > 0 && s.step < s.WarmupSteps {
		return s.BaseLR * float64(s.step+1) / float64(s.WarmupSteps)
	}
	span := s.DecaySteps - s.WarmupSteps
	if span <= 0 {
		return s.MinLR
	}
	t := float64(s.step-s.WarmupSteps) / float64(span)
	if t > 1 {
		t = 1
	}
	return s.MinLR + 0.5*(s.BaseLR-s.MinLR)*(1+math.Cos(math.Pi*t))
}

// Apply writes the current learning rate into every group.
func (s *WarmupCosine) Apply(groups []*Group) {
	lr := s.LR()
	for _, g := range groups {
		g.LR = lr
	}
}
