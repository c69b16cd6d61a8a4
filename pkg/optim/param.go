package optim

// Param is one trainable tensor, stored flattened.
type Param struct {
	Data []float64
	Grad []float64 // nil until a backward pass produces a gradient
}

// NewParam wraps data as a trainable parameter.
func NewParam(data []float64) *Param {
	return &Param{Data: data}
}

// AccumGrad adds g into the parameter's gradient, allocating it on first use.
func (p *Param) AccumGrad(g []float64) {
	if len(g) != len(p.Data) {
		panic("optim: gradient length does not match parameter length")
	}
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
	}
	for i, x := range g {
		p.Grad[i] += x
	}
}

// ZeroGrad clears the gradient. The buffer is kept so accumulation does
// not reallocate every step.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Group is a set of parameters sharing hyperparameters. Fields are
// mutated in place by schedulers and by AdaScale's momentum adjustment.
type Group struct {
	Params []*Param

	LR          float64
	Beta1       float64 // first-moment decay (Adam) — see SetBetas
	Beta2       float64 // second-moment decay (Adam)
	Eps         float64
	WeightDecay float64
	Momentum    float64 // SGD momentum coefficient
}

// SetBetas updates the Adam decay coefficients for this group.
func (g *Group) SetBetas(beta1, beta2 float64) {
	g.Beta1 = beta1
	g.Beta2 = beta2
}
