package adascale

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/joelsearcy/adascale-go/pkg/optim"
)

// StateKey is the reserved namespace under which AdaScale state rides
// inside the wrapped optimizer's checkpoint container.
const StateKey = "adascale"

// snapshot is the persisted form of the controller's run state.
type snapshot struct {
	ScaleInvariantSteps float64              `json:"scale_invariant_steps"`
	Scale               float64              `json:"scale"`
	Stats               map[string][]float64 `json:"stats"`
}

// StateDict returns the wrapped optimizer's state with the AdaScale run
// state embedded under StateKey. Checkpointing mid-accumulation would
// lose the open window, so it is forbidden.
func (a *AdaScale) StateDict() (*optim.State, error) {
	a.assertIdle("checkpoint")
	st, err := a.opt.State()
	if err != nil {
		return nil, err
	}
	snap := snapshot{
		ScaleInvariantSteps: a.state.ScaleInvariantSteps,
		Scale:               a.state.Scale,
		Stats:               a.tracker.snapshot(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "adascale: encoding run state")
	}
	if st.Extra == nil {
		st.Extra = map[string]json.RawMessage{}
	}
	st.Extra[StateKey] = raw
	return st, nil
}

// LoadStateDict restores a checkpoint produced by StateDict. If the
// checkpoint was saved at a different scale, the variance averages are
// rescaled by prevScale/currScale so they stay comparable; with
// ResetStateOnRestart the gradient statistics are discarded instead
// (the scale-invariant step counter always survives). When statistics
// are reset, the base optimizer's state is deliberately left fresh too.
func (a *AdaScale) LoadStateDict(st *optim.State) error {
	a.assertIdle("load a checkpoint")
	raw, ok := st.Extra[StateKey]
	if !ok {
		return errors.Errorf("adascale: checkpoint has no %q state", StateKey)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return errors.Wrap(err, "adascale: decoding run state")
	}

	prevScale := snap.Scale
	scaleChanged := prevScale != a.d.scale
	resetStats := a.cfg.ResetStateOnRestart && scaleChanged

	stats := snap.Stats
	if resetStats {
		filtered := make(map[string][]float64, len(stats))
		for k, v := range stats {
			if isGradStatKey(k) {
				continue
			}
			filtered[k] = v
		}
		stats = filtered
	}
	a.tracker.restore(stats)
	a.state.ScaleInvariantSteps = snap.ScaleInvariantSteps
	a.state.Scale = a.d.scale

	if scaleChanged && !resetStats {
		a.tracker.Rescale(statGradVar, prevScale/a.d.scale)
	}
	if resetStats {
		return nil
	}
	return a.opt.LoadState(st)
}

// isGradStatKey reports whether a snapshot key belongs to the smoothed
// gradient statistics (including their hidden accumulators).
func isGradStatKey(key string) bool {
	return strings.HasPrefix(key, statGradSqr) || strings.HasPrefix(key, statGradVar)
}
