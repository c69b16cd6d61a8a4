package optim

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// SGD implements stochastic gradient descent with optional momentum over
// parameter groups.
type SGD struct {
	groups []*Group
	vel    [][][]float64 // momentum buffers, per group per parameter
}

// NewSGD creates an SGD optimizer for the given parameter groups.
func NewSGD(groups []*Group) (*SGD, error) {
	if len(groups) == 0 {
		return nil, errors.New("optim: sgd needs at least one parameter group")
	}
	s := &SGD{}
	for _, g := range groups {
		if g.LR <= 0 {
			return nil, errors.Errorf("optim: learning rate must be positive, got %g", g.LR)
		}
		if g.Momentum < 0 || g.Momentum >= 1 {
			return nil, errors.Errorf("optim: momentum must be in [0, 1), got %g", g.Momentum)
		}
		s.appendGroup(g)
	}
	return s, nil
}

func (s *SGD) appendGroup(g *Group) {
	vel := make([][]float64, len(g.Params))
	for i, p := range g.Params {
		vel[i] = make([]float64, len(p.Data))
	}
	s.groups = append(s.groups, g)
	s.vel = append(s.vel, vel)
}

// Groups returns the live parameter groups.
func (s *SGD) Groups() []*Group { return s.groups }

// AddGroup appends a parameter group with fresh momentum buffers.
func (s *SGD) AddGroup(g *Group) { s.appendGroup(g) }

// Step applies one SGD update: v = momentum*v + grad; p -= lr*v.
func (s *SGD) Step() error {
	for gi, g := range s.groups {
		for pi, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			vel := s.vel[gi][pi]
			for j, grad := range p.Grad {
				if g.WeightDecay > 0 {
					grad += g.WeightDecay * p.Data[j]
				}
				vel[j] = g.Momentum*vel[j] + grad
				p.Data[j] -= g.LR * vel[j]
			}
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (s *SGD) ZeroGrad() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// State returns a serializable snapshot of the optimizer.
func (s *SGD) State() (*State, error) {
	st := &State{Algorithm: "sgd", Extra: map[string]json.RawMessage{}}
	for gi, g := range s.groups {
		st.Groups = append(st.Groups, GroupState{
			LR:          g.LR,
			WeightDecay: g.WeightDecay,
			Momentum:    g.Momentum,
			M:           deepCopy(s.vel[gi]),
		})
	}
	return st, nil
}

// LoadState restores a snapshot produced by State.
func (s *SGD) LoadState(st *State) error {
	if st.Algorithm != "sgd" {
		return errors.Errorf("optim: cannot load %q state into sgd", st.Algorithm)
	}
	if len(st.Groups) != len(s.groups) {
		return errors.Errorf("optim: state has %d groups, optimizer has %d", len(st.Groups), len(s.groups))
	}
	for gi, gs := range st.Groups {
		g := s.groups[gi]
		if len(gs.M) != len(g.Params) {
			return errors.Errorf("optim: group %d state has %d momentum buffers, want %d",
				gi, len(gs.M), len(g.Params))
		}
		g.LR = gs.LR
		g.WeightDecay = gs.WeightDecay
		g.Momentum = gs.Momentum
		s.vel[gi] = deepCopy(gs.M)
	}
	return nil
}
