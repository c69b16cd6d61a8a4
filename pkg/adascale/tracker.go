package adascale

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/joelsearcy/adascale-go/pkg/linalg"
)

// Tracker maintains bias-corrected exponential moving averages of named
// statistic vectors. For each series it keeps a biased accumulator and
// an unbias-correction accumulator; the exposed average is their
// element-wise quotient, which removes the zero-initialization
// transient.
type Tracker struct {
	biased map[string]*mat.VecDense
	unbias map[string]*mat.VecDense
	avg    map[string]*mat.VecDense
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		biased: make(map[string]*mat.VecDense),
		unbias: make(map[string]*mat.VecDense),
		avg:    make(map[string]*mat.VecDense),
	}
}

// Init seeds a series' exposed average without touching the EMA
// accumulators. The first Update replaces the seed entirely.
func (t *Tracker) Init(name string, initial *mat.VecDense) {
	t.avg[name] = mat.VecDenseCopyOf(initial)
}

// Update folds value into the series' moving average with the given
// smoothing factor: biased <- f*biased + (1-f)*value, with matching
// unbias correction.
func (t *Tracker) Update(name string, value *mat.VecDense, factor float64) {
	n := value.Len()
	b, ok := t.biased[name]
	if !ok {
		b = mat.NewVecDense(n, nil)
		t.biased[name] = b
	}
	u, ok := t.unbias[name]
	if !ok {
		u = mat.NewVecDense(n, nil)
		t.unbias[name] = u
	}
	b.ScaleVec(factor, b)
	b.AddScaledVec(b, 1-factor, value)
	for i := 0; i < n; i++ {
		u.SetVec(i, factor*u.AtVec(i)+(1-factor))
	}
	a := mat.NewVecDense(n, nil)
	a.DivElemVec(b, u)
	t.avg[name] = a
}

// Average returns the series' current average, or nil if the series was
// never initialized or updated. Callers must not mutate the result.
func (t *Tracker) Average(name string) *mat.VecDense { return t.avg[name] }

// At returns one element of the series' average.
func (t *Tracker) At(name string, i int) float64 {
	return t.avg[name].AtVec(i)
}

// Extend widens a series by one element: the average gets the neutral
// seed, the accumulators get zero, so existing entries are undisturbed
// and the new entry behaves like a fresh series.
func (t *Tracker) Extend(name string, seed float64) {
	a := t.avg[name]
	if a == nil {
		panic("adascale: cannot extend unknown series " + name)
	}
	n := a.Len() + 1
	t.avg[name] = linalg.ExtendVecDense(a, n, seed)
	if b := t.biased[name]; b != nil {
		t.biased[name] = linalg.ExtendVecDense(b, n, 0)
	}
	if u := t.unbias[name]; u != nil {
		t.unbias[name] = linalg.ExtendVecDense(u, n, 0)
	}
}

// Rescale multiplies the series' biased accumulator and exposed average
// by f. The unbias accumulator is a pure counting term and stays as is.
func (t *Tracker) Rescale(name string, f float64) {
	if b := t.biased[name]; b != nil {
		b.ScaleVec(f, b)
	}
	if a := t.avg[name]; a != nil {
		a.ScaleVec(f, a)
	}
}

// snapshot flattens all series into plain slices for serialization.
func (t *Tracker) snapshot() map[string][]float64 {
	out := make(map[string][]float64)
	put := (func(m map[string]*mat.VecDense, suffix string) {
		for name, v := range m {
			out[name+suffix] = append([]float64(nil), v.RawVector().Data...)
		}
	})
	put(t.avg, "")
	put(t.biased, "_biased")
	put(t.unbias, "_unbias")
	return out
}

// restore overwrites series from a snapshot. Series absent from the
// snapshot keep their current values.
func (t *Tracker) restore(snap map[string][]float64) {
	for key, vals := range snap {
		v := mat.NewVecDense(len(vals), append([]float64(nil), vals...))
		switch {
		case strings.HasSuffix(key, "_biased"):
			t.biased[strings.TrimSuffix(key, "_biased")] = v
		case strings.HasSuffix(key, "_unbias"):
			t.unbias[strings.TrimSuffix(key, "_unbias")] = v
		default:
			t.avg[key] = v
		}
	}
}
