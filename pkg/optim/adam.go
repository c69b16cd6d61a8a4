package optim

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Adam implements the Adam optimization algorithm over parameter groups.
// Each group carries its own learning rate and decay coefficients; the
// per-parameter preconditioner from the latest step is cached so that
// gradient-preconditioning consumers do not recompute it.
type Adam struct {
	groups []*Group

	// Per group, per parameter, per element.
	m     [][][]float64 // first moment estimates
	v     [][][]float64 // second moment estimates
	denom [][][]float64 // cached sqrt(vHat)+eps from the latest step
	steps []int         // per-group timestep counters
}

// NewAdam creates an Adam optimizer for the given parameter groups.
func NewAdam(groups []*Group) (*Adam, error) {
	if len(groups) == 0 {
		return nil, errors.New("optim: adam needs at least one parameter group")
	}
	a := &Adam{}
	for _, g := range groups {
		if err := validateAdamGroup(g); err != nil {
			return nil, err
		}
		a.appendGroup(g)
	}
	return a, nil
}

func validateAdamGroup(g *Group) error {
	if g.LR <= 0 {
		return errors.Errorf("optim: learning rate must be positive, got %g", g.LR)
	}
	if g.Beta1 < 0 || g.Beta1 >= 1 || g.Beta2 < 0 || g.Beta2 >= 1 {
		return errors.Errorf("optim: betas must be in [0, 1), got (%g, %g)", g.Beta1, g.Beta2)
	}
	if g.Eps <= 0 {
		return errors.Errorf("optim: epsilon must be positive, got %g", g.Eps)
	}
	return nil
}

func (a *Adam) appendGroup(g *Group) {
	n := len(g.Params)
	m := make([][]float64, n)
	v := make([][]float64, n)
	d := make([][]float64, n)
	for i, p := range g.Params {
		m[i] = make([]float64, len(p.Data))
		v[i] = make([]float64, len(p.Data))
	}
	a.groups = append(a.groups, g)
	a.m = append(a.m, m)
	a.v = append(a.v, v)
	a.denom = append(a.denom, d)
	a.steps = append(a.steps, 0)
}

// Groups returns the live parameter groups.
func (a *Adam) Groups() []*Group { return a.groups }

// AddGroup appends a parameter group with fresh moment buffers.
func (a *Adam) AddGroup(g *Group) { a.appendGroup(g) }

// Step performs one Adam update for every parameter that has a gradient.
func (a *Adam) Step() error {
	for gi, g := range a.groups {
		a.steps[gi]++
		t := float64(a.steps[gi])
		bc1 := 1 - math.Pow(g.Beta1, t)
		bc2 := 1 - math.Pow(g.Beta2, t)

		for pi, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			m := a.m[gi][pi]
			v := a.v[gi][pi]
			if a.denom[gi][pi] == nil {
				a.denom[gi][pi] = make([]float64, len(p.Data))
			}
			d := a.denom[gi][pi]
			for j, grad := range p.Grad {
				m[j] = g.Beta1*m[j] + (1-g.Beta1)*grad
				v[j] = g.Beta2*v[j] + (1-g.Beta2)*grad*grad
				mHat := m[j] / bc1
				vHat := v[j] / bc2
				d[j] = math.Sqrt(vHat) + g.Eps
				upd := g.LR * mHat / d[j]
				if g.WeightDecay > 0 {
					upd += g.LR * g.WeightDecay * p.Data[j]
				}
				p.Data[j] -= upd
			}
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Preconditioner returns the cached sqrt(vHat)+eps vector for a
// parameter, or nil before the first step has touched it.
func (a *Adam) Preconditioner(groupIdx, paramIdx int) []float64 {
	if groupIdx < 0 || groupIdx >= len(a.denom) {
		return nil
	}
	d := a.denom[groupIdx]
	if paramIdx < 0 || paramIdx >= len(d) {
		return nil
	}
	return d[paramIdx]
}

// State returns a serializable snapshot of the optimizer.
func (a *Adam) State() (*State, error) {
	st := &State{Algorithm: "adam", Extra: map[string]json.RawMessage{}}
	for gi, g := range a.groups {
		st.Groups = append(st.Groups, GroupState{
			LR:          g.LR,
			Beta1:       g.Beta1,
			Beta2:       g.Beta2,
			Eps:         g.Eps,
			WeightDecay: g.WeightDecay,
			Step:        a.steps[gi],
			M:           deepCopy(a.m[gi]),
			V:           deepCopy(a.v[gi]),
		})
	}
	return st, nil
}

// LoadState restores a snapshot produced by State.
func (a *Adam) LoadState(s *State) error {
	if s.Algorithm != "adam" {
		return errors.Errorf("optim: cannot load %q state into adam", s.Algorithm)
	}
	if len(s.Groups) != len(a.groups) {
		return errors.Errorf("optim: state has %d groups, optimizer has %d", len(s.Groups), len(a.groups))
	}
	for gi, gs := range s.Groups {
		g := a.groups[gi]
		if len(gs.M) != len(g.Params) || len(gs.V) != len(g.Params) {
			return errors.Errorf("optim: group %d state has %d/%d moment buffers, want %d",
				gi, len(gs.M), len(gs.V), len(g.Params))
		}
		for pi, p := range g.Params {
			if len(gs.M[pi]) != len(p.Data) || len(gs.V[pi]) != len(p.Data) {
				return errors.Errorf("optim: group %d param %d moment length mismatch", gi, pi)
			}
		}
		g.LR = gs.LR
		g.Beta1 = gs.Beta1
		g.Beta2 = gs.Beta2
		g.Eps = gs.Eps
		g.WeightDecay = gs.WeightDecay
		a.steps[gi] = gs.Step
		a.m[gi] = deepCopy(gs.M)
		a.v[gi] = deepCopy(gs.V)
	}
	return nil
}

func deepCopy(src [][]float64) [][]float64 {
	out := make([][]float64, len(src))
	for i, s := range src {
		out[i] = append([]float64(nil), s...)
	}
	return out
}
