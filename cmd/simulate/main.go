// Command simulate drives AdaScale through a synthetic multi-worker
// training run. Every worker draws gradients with a known true mean and
// per-worker noise, so the smoothed squared-norm and variance estimates
// (and therefore gain and GNS) have closed-form targets to converge to.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/joelsearcy/adascale-go/pkg/adascale"
	"github.com/joelsearcy/adascale-go/pkg/amp"
	"github.com/joelsearcy/adascale-go/pkg/dist"
	"github.com/joelsearcy/adascale-go/pkg/grads"
	"github.com/joelsearcy/adascale-go/pkg/optim"
)

const seed = 42

var (
	workers    = flag.Int("workers", 4, "number of simulated data-parallel workers")
	accum      = flag.Int("accum", 1, "gradient accumulation steps per optimizer step")
	steps      = flag.Int("steps", 300, "optimizer steps to run")
	dim        = flag.Int("dim", 16, "elements per parameter")
	noise      = flag.Float64("noise", 1.0, "per-worker gradient noise stddev")
	lr         = flag.Float64("lr", 0.01, "base learning rate")
	batchSize  = flag.Int("bs", 32, "scale-one batch size")
	adaptive   = flag.Bool("adaptive", false, "enable adaptive gain and momentum adjustment")
	mixed      = flag.Bool("amp", false, "simulate mixed precision with a dynamic loss scaler")
	statsPath  = flag.String("stats", "", "optional CSV file for per-step telemetry (rank 0)")
	historyLog = flag.String("gns-history", "", "optional GNS history file (rank 0)")
)

type report struct {
	gain, gns, sqr, grVar float64
	instability           int
}

func main() {
	flag.Parse()

	group := dist.NewLoopbackGroup(*workers)
	results := make([]report, *workers)

	var wg sync.WaitGroup
	for rank := 0; rank < *workers; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			r, err := runWorker(rank, group.Worker(rank))
			if err != nil {
				fmt.Fprintf(os.Stderr, "worker %d: %v\n", rank, err)
				os.Exit(1)
			}
			results[rank] = r
		}(rank)
	}
	wg.Wait()

	r := results[0]
	scale := float64(*workers * *accum)
	d := float64(*dim)
	trueSqr := 3.0 // three unit-norm mean gradients across the two groups
	trueVar := 3 * d * *noise * *noise
	fmt.Printf("\nconverged estimates (rank 0):\n")
	fmt.Printf("  grad_sqr_avg  %8.4f   (true %8.4f)\n", r.sqr, trueSqr)
	fmt.Printf("  grad_var_avg  %8.4f   (true %8.4f)\n", r.grVar, trueVar)
	fmt.Printf("  gain          %8.4f   (true %8.4f)\n", r.gain,
		(trueVar+trueSqr)/(trueVar/scale+trueSqr))
	fmt.Printf("  gns           %8.1f\n", r.gns)
	fmt.Printf("  discarded samples: %d\n", r.instability)
}

func runWorker(rank int, backend dist.Backend) (report, error) {
	rng := rand.New(rand.NewPCG(seed, uint64(rank)))
	d := *dim

	// Two parameter groups: two weight-like params and one bias-like
	// param, so per-group statistics are exercised.
	newParam := func() *optim.Param { return optim.NewParam(make([]float64, d)) }
	groups := []*optim.Group{
		{Params: []*optim.Param{newParam(), newParam()}, LR: *lr, Beta1: 0.9, Beta2: 0.99, Eps: 1e-8},
		{Params: []*optim.Param{newParam()}, LR: *lr, Beta1: 0.9, Beta2: 0.99, Eps: 1e-8},
	}
	opt, err := optim.NewAdam(groups)
	if err != nil {
		return report{}, err
	}
	engine := grads.NewEngine(opt, backend)

	cfg := adascale.Config{
		GradsToAccumulate:   *accum,
		ScaleOneBatchSize:   *batchSize,
		ScaleOneWorldSize:   1,
		BatchSizeUpperLimit: 1 << 20,
		Smoothing:           0.95,
		IsAdaptive:          *adaptive,
		AdjustMomentum:      *adaptive,
	}
	var opts []adascale.Option
	var scaler *amp.GradScaler
	if *mixed {
		scaler = amp.NewGradScaler()
		opts = append(opts, adascale.WithScaler(scaler))
	}
	var statsFile *os.File
	if rank == 0 && *statsPath != "" {
		statsFile, err = os.Create(*statsPath)
		if err != nil {
			return report{}, err
		}
		defer statsFile.Close()
		opts = append(opts, adascale.WithSink(csvSink{w: statsFile}))
	}

	ctrl, err := adascale.New(opt, engine, backend, cfg, opts...)
	if err != nil {
		return report{}, err
	}

	sched := &optim.WarmupCosine{BaseLR: *lr, MinLR: *lr / 10, WarmupSteps: 20, DecaySteps: 10 * *steps}

	// True per-element gradient mean: unit-norm vector per parameter.
	mean := 1.0 / math.Sqrt(float64(d))
	gradOf := func(gi, pi int) []float64 {
		g := make([]float64, d)
		lossScale := 1.0
		if scaler != nil {
			lossScale = scaler.Scale()
		}
		for j := range g {
			g[j] = (mean + *noise*rng.NormFloat64()) * lossScale
		}
		return g
	}

	var gns float64
	for step := 0; step < *steps; step++ {
		for pass := 0; pass < *accum; pass++ {
			engine.Backward(gradOf, pass == *accum-1)
		}
		inc := ctrl.StepIncrement()
		sched.Advance(inc)
		sched.Apply(opt.Groups())
		if _, err := ctrl.Step(); err != nil {
			return report{}, err
		}
		if scaler != nil {
			scaler.Update()
		}
		gns = ctrl.GNS(adascale.AllGroups)
		ctrl.ZeroGrad()

		if rank == 0 {
			ctrl.PublishStats()
			if step%50 == 0 || step == *steps-1 {
				fmt.Printf("step %4d | gain %6.3f | gns %8.1f | si-steps %8.1f\n",
					step, ctrl.Gain(adascale.AllGroups), gns, ctrl.ScaleInvariantSteps())
			}
		}
	}

	if rank == 0 && *historyLog != "" {
		f, err := os.OpenFile(*historyLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return report{}, err
		}
		defer f.Close()
		if err := ctrl.AppendGNSHistory(f); err != nil {
			return report{}, err
		}
	}

	return report{
		gain:        ctrl.Gain(adascale.AllGroups),
		gns:         gns,
		sqr:         ctrl.GradSqrAvg(adascale.AllGroups),
		grVar:       ctrl.GradVarAvg(adascale.AllGroups),
		instability: ctrl.InstabilityCount(),
	}, nil
}

// csvSink appends "name,step,value" records.
type csvSink struct {
	w *os.File
}

func (s csvSink) Scalar(name string, step, value float64) {
	fmt.Fprintf(s.w, "%s,%.2f,%g\n", name, step, value)
}
