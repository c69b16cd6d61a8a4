package adascale

import "github.com/pkg/errors"

// Config is the immutable per-run configuration of the AdaScale wrapper.
// Changing the scale of a running controller is not supported; construct
// a new one (restoring its checkpoint) instead.
type Config struct {
	// WorldSize overrides the number of parallel workers. Zero means
	// take it from the distributed backend.
	WorldSize int

	// GradsToAccumulate is the number of backward passes combined into
	// one optimizer step. Must be at least 1.
	GradsToAccumulate int

	// Smoothing is the EMA decay for the gradient statistics. A value
	// <= 0 derives it from the sample count: max(1 - numGradSamples/1000, 0).
	Smoothing float64

	// ScaleOneBatchSize is the total batch size of the scale-one
	// reference configuration.
	ScaleOneBatchSize int

	// ScaleOneWorldSize is the number of gradient samples (workers times
	// accumulation steps) of the scale-one reference configuration.
	ScaleOneWorldSize int

	// BatchSizeUpperLimit caps GNS predictions and the configured batch
	// size itself.
	BatchSizeUpperLimit int

	// MaxGradNorm enables gradient-norm clipping before the wrapped
	// step when positive.
	MaxGradNorm float64

	// IsAdaptive enables the adaptive gain exponent and momentum
	// adjustments.
	IsAdaptive bool

	// AggressiveSchedule switches the scale-invariant step increment to
	// the (scale^2 * gain)^(1/3) form used with aggressive LR decay.
	AggressiveSchedule bool

	// PreconditionGradients divides captured gradients by the wrapped
	// optimizer's diagonal preconditioner before norm computation.
	PreconditionGradients bool

	// AdjustGradsForAccumulation indicates the training loop already
	// divides the loss by the accumulation count, so the reduced total
	// carries the divisor and the local sums do not.
	AdjustGradsForAccumulation bool

	// ResetStateOnRestart discards the smoothed gradient statistics when
	// a checkpoint saved at a different scale is restored.
	ResetStateOnRestart bool

	// AdjustMomentum rewrites each group's first-moment decay from the
	// GNS-predicted scale (adaptive mode only).
	AdjustMomentum bool
}

// derived holds quantities computed once from Config and the backend.
type derived struct {
	worldSize        int
	numGradSamples   int
	scale            float64
	smoothing        float64
	currentBatchSize int
}

func (c Config) derive(backendWorldSize int) (derived, error) {
	var d derived
	d.worldSize = c.WorldSize
	if d.worldSize == 0 {
		d.worldSize = backendWorldSize
	}
	if d.worldSize < 1 {
		return d, errors.Errorf("adascale: world size must be at least 1, got %d", d.worldSize)
	}
	if c.GradsToAccumulate < 1 {
		return d, errors.Errorf("adascale: grads to accumulate must be at least 1, got %d", c.GradsToAccumulate)
	}
	if c.ScaleOneBatchSize < 1 {
		return d, errors.Errorf("adascale: scale-one batch size must be at least 1, got %d", c.ScaleOneBatchSize)
	}
	if c.ScaleOneWorldSize < 1 {
		return d, errors.Errorf("adascale: scale-one world size must be at least 1, got %d", c.ScaleOneWorldSize)
	}

	d.numGradSamples = d.worldSize * c.GradsToAccumulate
	if d.numGradSamples <= 1 {
		return d, errors.New("adascale: needs data parallelism or gradient accumulation (numGradSamples > 1)")
	}
	d.scale = float64(d.numGradSamples / c.ScaleOneWorldSize)
	if d.scale < 1 {
		return d, errors.Errorf("adascale: scale must be at least 1, got %g (numGradSamples=%d, scaleOneWorldSize=%d)",
			d.scale, d.numGradSamples, c.ScaleOneWorldSize)
	}

	d.smoothing = c.Smoothing
	if d.smoothing <= 0 {
		d.smoothing = 1 - float64(d.numGradSamples)/1000
		if d.smoothing < 0 {
			d.smoothing = 0
		}
	}

	d.currentBatchSize = c.ScaleOneBatchSize * int(d.scale)
	if c.BatchSizeUpperLimit < 1 {
		return d, errors.Errorf("adascale: batch size upper limit must be at least 1, got %d", c.BatchSizeUpperLimit)
	}
	if d.currentBatchSize > c.BatchSizeUpperLimit {
		return d, errors.Errorf("adascale: current batch size %d exceeds upper limit %d",
			d.currentBatchSize, c.BatchSizeUpperLimit)
	}
	return d, nil
}
