// Package nn provides the fixed feed-forward regressor trained by clockbench,
// the loss it is trained with, and conversion of its parameters to and from
// plain tensors for checkpointing.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable parameter and the gradient from the last Backward.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Model is a differentiable regressor with a single output per row.
type Model interface {
	// Forward returns one prediction per row of x. With train set, dropout
	// is active and activations are cached for Backward.
	Forward(x *mat.Dense, train bool) []float64
	// Backward takes dLoss/dPrediction for the last training Forward and
	// overwrites every parameter gradient.
	Backward(dOut []float64) error
	Params() []*Param
}

// Arch describes an MLP so a fresh instance can be built for evaluation.
type Arch struct {
	Inputs  int     `json:"inputs"`
	Hidden  []int   `json:"hidden"`
	Dropout float64 `json:"dropout"`
}

type linear struct {
	w, b *Param
}

// MLP is Linear -> ReLU -> Dropout for each hidden width, followed by a
// Linear layer with one output.
type MLP struct {
	arch   Arch
	layers []linear
	rng    *rand.Rand

	// Caches from the last training Forward.
	inputs []*mat.Dense
	pre    []*mat.Dense
	masks  []*mat.Dense
}

// NewMLP builds an MLP with weights and biases drawn uniformly from
// [-1/sqrt(fan_in), 1/sqrt(fan_in)]. seed also drives the dropout masks.
func NewMLP(arch Arch, seed uint64) (*MLP, error) {
	if arch.Inputs <= 0 {
		return nil, fmt.Errorf("mlp needs at least one input, got %d", arch.Inputs)
	}
	if arch.Dropout < 0 || arch.Dropout >= 1 {
		return nil, fmt.Errorf("dropout must be in [0, 1), got %g", arch.Dropout)
	}

	rng := rand.New(rand.NewPCG(seed, 3))
	widths := append([]int{arch.Inputs}, arch.Hidden...)
	widths = append(widths, 1)

	m := &MLP{arch: arch, rng: rng}
	for l := 0; l+1 < len(widths); l++ {
		in, out := widths[l], widths[l+1]
		if out <= 0 {
			return nil, fmt.Errorf("layer %d has width %d", l, out)
		}
		bound := 1 / math.Sqrt(float64(in))
		w := mat.NewDense(in, out, nil)
		b := mat.NewDense(1, out, nil)
		fill := func(d *mat.Dense) {
			raw := d.RawMatrix().Data
			for i := range raw {
				raw[i] = (rng.Float64()*2 - 1) * bound
			}
		}
		fill(w)
		fill(b)
		m.layers = append(m.layers, linear{
			w: &Param{Name: fmt.Sprintf("layers.%d.weight", l), Value: w, Grad: mat.NewDense(in, out, nil)},
			b: &Param{Name: fmt.Sprintf("layers.%d.bias", l), Value: b, Grad: mat.NewDense(1, out, nil)},
		})
	}
	return m, nil
}

// Arch returns the architecture the model was built with.
func (m *MLP) Arch() Arch {
	return m.arch
}

// Params returns weights and biases in layer order.
func (m *MLP) Params() []*Param {
	out := make([]*Param, 0, 2*len(m.layers))
	for _, l := range m.layers {
		out = append(out, l.w, l.b)
	}
	return out
}

// Forward implements Model.
func (m *MLP) Forward(x *mat.Dense, train bool) []float64 {
	if train {
		m.inputs = m.inputs[:0]
		m.pre = m.pre[:0]
		m.masks = m.masks[:0]
	}

	a := x
	last := len(m.layers) - 1
	for li, l := range m.layers {
		rows, _ := a.Dims()
		_, out := l.w.Value.Dims()
		z := mat.NewDense(rows, out, nil)
		z.Mul(a, l.w.Value)
		addBias(z, l.b.Value)

		if train {
			m.inputs = append(m.inputs, a)
		}
		if li == last {
			return mat.Col(nil, 0, z)
		}

		h := mat.NewDense(rows, out, nil)
		h.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, z)
		if train {
			m.pre = append(m.pre, z)
			mask := m.dropoutMask(rows, out)
			if mask != nil {
				h.MulElem(h, mask)
			}
			m.masks = append(m.masks, mask)
		}
		a = h
	}
	panic("unreachable")
}

// dropoutMask returns an inverted-dropout mask (kept units scaled by
// 1/(1-p)), or nil when dropout is disabled.
func (m *MLP) dropoutMask(rows, cols int) *mat.Dense {
	p := m.arch.Dropout
	if p == 0 {
		return nil
	}
	keep := 1 / (1 - p)
	mask := mat.NewDense(rows, cols, nil)
	raw := mask.RawMatrix().Data
	for i := range raw {
		if m.rng.Float64() >= p {
			raw[i] = keep
		}
	}
	return mask
}

// Backward implements Model.
func (m *MLP) Backward(dOut []float64) error {
	if len(m.inputs) != len(m.layers) {
		return fmt.Errorf("backward called without a training forward pass")
	}
	rows, _ := m.inputs[0].Dims()
	if len(dOut) != rows {
		return fmt.Errorf("got %d output gradients for a batch of %d", len(dOut), rows)
	}

	g := mat.NewDense(rows, 1, append([]float64(nil), dOut...))
	for li := len(m.layers) - 1; li >= 0; li-- {
		l := m.layers[li]
		l.w.Grad.Mul(m.inputs[li].T(), g)
		sumRows(l.b.Grad, g)
		if li == 0 {
			break
		}

		in, _ := l.w.Value.Dims()
		ga := mat.NewDense(rows, in, nil)
		ga.Mul(g, l.w.Value.T())
		if mask := m.masks[li-1]; mask != nil {
			ga.MulElem(ga, mask)
		}
		pre := m.pre[li-1]
		ga.Apply(func(i, j int, v float64) float64 {
			if pre.At(i, j) > 0 {
				return v
			}
			return 0
		}, ga)
		g = ga
	}

	m.inputs = m.inputs[:0]
	return nil
}

func addBias(z, b *mat.Dense) {
	rows, cols := z.Dims()
	bias := b.RawMatrix().Data
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] += bias[j]
		}
	}
}

func sumRows(dst, g *mat.Dense) {
	rows, cols := g.Dims()
	out := dst.RawMatrix().Data
	for j := range out[:cols] {
		out[j] = 0
	}
	for i := 0; i < rows; i++ {
		row := g.RawRowView(i)
		for j := 0; j < cols; j++ {
			out[j] += row[j]
		}
	}
}
