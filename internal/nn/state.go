package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a named, shaped copy of a parameter value.
type Tensor struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Snapshot copies every parameter of m.
func Snapshot(m Model) []Tensor {
	params := m.Params()
	out := make([]Tensor, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for row := 0; row < r; row++ {
			data = append(data, p.Value.RawRowView(row)...)
		}
		out[i] = Tensor{Name: p.Name, Rows: r, Cols: c, Data: data}
	}
	return out
}

// Restore copies tensors into the parameters of m. Names and shapes must
// match one to one.
func Restore(m Model, tensors []Tensor) error {
	params := m.Params()
	if len(params) != len(tensors) {
		return fmt.Errorf("model has %d parameters, state has %d", len(params), len(tensors))
	}
	byName := make(map[string]Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("state has no parameter %q", p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return fmt.Errorf("parameter %q is %dx%d, state has %dx%d (%d values)",
				p.Name, r, c, t.Rows, t.Cols, len(t.Data))
		}
		p.Value.Copy(mat.NewDense(r, c, t.Data))
	}
	return nil
}
