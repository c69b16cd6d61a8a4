package adascale

import (
	"fmt"
	"io"
	"time"
)

// Sink receives named scalar series keyed by the scale-invariant step
// counter. The controller only produces labeled values; formatting and
// transport belong to the consumer.
type Sink interface {
	Scalar(name string, step, value float64)
}

// NopSink discards all telemetry.
type NopSink struct{}

func (NopSink) Scalar(string, float64, float64) {}

// PublishStats pushes the latest per-step observables to the attached
// sink. Call it from the training loop after StepIncrement and Step.
func (a *AdaScale) PublishStats() {
	if a.sink == nil {
		return
	}
	si := a.state.ScaleInvariantSteps
	a.sink.Scalar("real_iterations", si, float64(a.realIterations))
	a.sink.Scalar("gain", si, a.lastGain)
	a.sink.Scalar("gns", si, a.lastGNS)
	a.sink.Scalar("var_curr", si, a.nonsmoothVar)
	a.sink.Scalar("sqr_curr", si, a.nonsmoothSqr)
	a.sink.Scalar("var_si", si, a.GradVarAvg(AllGroups))
	a.sink.Scalar("sqr_si", si, a.GradSqrAvg(AllGroups))
	a.sink.Scalar("scale", si, a.d.scale)
	a.sink.Scalar("effective_lr", si, a.effectiveLR)
	a.sink.Scalar("temperature", si, a.temperature)
	a.sink.Scalar("clip_norm", si, a.clipNorm)
	a.sink.Scalar("adjusted_beta1", si, a.adjustedBeta1)
}

// AppendGNSHistory writes one CSV record of the current cluster state
// and averaged GNS prediction. External tooling tails this history to
// decide cluster resizes; a checkpoint should be saved before acting on
// it.
func (a *AdaScale) AppendGNSHistory(w io.Writer) error {
	avgGNS := float64(a.cfg.ScaleOneBatchSize)
	if v := a.tracker.Average(statGNS); v != nil {
		avgGNS = v.AtVec(0)
	}
	_, err := fmt.Fprintf(w, "%d,%d,%d,%d,%.1f,%d\n",
		a.d.currentBatchSize, a.d.worldSize, a.cfg.GradsToAccumulate,
		a.cfg.ScaleOneBatchSize, avgGNS, time.Now().Unix())
	return err
}
