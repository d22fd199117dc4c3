// Package optim implements the AdamW optimizer and the reduce-on-plateau
// learning-rate schedule used by the trainer.
package optim

import (
	"math"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
)

// AdamW defaults.
const (
	DefaultBeta1   = 0.9
	DefaultBeta2   = 0.999
	DefaultEpsilon = 1e-8
)

// AdamW is Adam with decoupled weight decay. Decay is applied to every
// parameter, biases included.
type AdamW struct {
	LR          float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64

	params []*nn.Param
	m, v   [][]float64
	step   int
}

// NewAdamW returns an optimizer over params.
func NewAdamW(params []*nn.Param, lr, weightDecay float64) *AdamW {
	o := &AdamW{
		LR:          lr,
		WeightDecay: weightDecay,
		Beta1:       DefaultBeta1,
		Beta2:       DefaultBeta2,
		Epsilon:     DefaultEpsilon,
		params:      params,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		n := len(p.Value.RawMatrix().Data)
		o.m[i] = make([]float64, n)
		o.v[i] = make([]float64, n)
	}
	return o
}

// Step applies one update from the current gradients.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for i, p := range o.params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m, v := o.m[i], o.v[i]
		for j := range w {
			w[j] -= o.LR * o.WeightDecay * w[j]
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g[j]
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g[j]*g[j]
			denom := math.Sqrt(v[j])/math.Sqrt(bc2) + o.Epsilon
			w[j] -= o.LR / bc1 * m[j] / denom
		}
	}
}

// Steps returns how many updates have been applied.
func (o *AdamW) Steps() int {
	return o.step
}
