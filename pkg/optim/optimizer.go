package optim

import "encoding/json"

// Optimizer is the contract a gradient-descent optimizer exposes to
// wrappers such as AdaScale and to checkpointing.
type Optimizer interface {
	// Groups returns the live parameter groups. Callers may mutate group
	// hyperparameters (learning rate, betas) between steps.
	Groups() []*Group

	// AddGroup appends a parameter group, extending optimizer state.
	AddGroup(g *Group)

	// Step applies one update using the gradients currently held by the
	// parameters.
	Step() error

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// State returns a serializable snapshot of the optimizer.
	State() (*State, error)

	// LoadState restores a snapshot produced by State. Parameters are
	// identified by (group index, parameter index).
	LoadState(s *State) error
}

// Preconditioner is implemented by optimizers that expose a diagonal
// preconditioner for each parameter (Adam's sqrt(v̂)+eps denominator).
type Preconditioner interface {
	// Preconditioner returns the cached per-element preconditioner for a
	// parameter, or nil if none is available yet.
	Preconditioner(groupIdx, paramIdx int) []float64
}

// State is a serializable optimizer state container. Extra carries
// reserved namespaces for wrappers (AdaScale stores its run state under
// the "adascale" key) so wrapper state rides along with optimizer
// checkpoints.
type State struct {
	Algorithm string                     `json:"algorithm"`
	Groups    []GroupState               `json:"groups"`
	Extra     map[string]json.RawMessage `json:"extra,omitempty"`
}

// GroupState is the persisted form of one parameter group.
type GroupState struct {
	LR          float64 `json:"lr"`
	Beta1       float64 `json:"beta1,omitempty"`
	Beta2       float64 `json:"beta2,omitempty"`
	Eps         float64 `json:"eps,omitempty"`
	WeightDecay float64 `json:"weight_decay,omitempty"`
	Momentum    float64 `json:"momentum,omitempty"`
	Step        int     `json:"step,omitempty"`

	// Per-parameter moment buffers, indexed like Group.Params.
	M [][]float64 `json:"m,omitempty"`
	V [][]float64 `json:"v,omitempty"`
}
