package evaluate

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/batch"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClamp(t *testing.T) {
	in := []float64{-3, 0, 2.5, -0.001}
	out := Clamp(in)
	want := []float64{0, 0, 2.5, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("Clamp[%d] = %g, want %g", i, out[i], want[i])
		}
	}
	if in[0] != -3 {
		t.Error("Clamp should not modify its input")
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name      string
		actual    []float64
		predicted []float64
		want      Metrics
	}{
		{
			name:      "perfect",
			actual:    []float64{10, 20, 30},
			predicted: []float64{10, 20, 30},
			want:      Metrics{MAE: 0, R2: 1, CCC: 1},
		},
		{
			name:      "constant offset",
			actual:    []float64{10, 20, 30},
			predicted: []float64{12, 22, 32},
			// ss_res=12, ss_tot=200; var=200/3 each, cov=200/3, mean diff 2.
			want: Metrics{MAE: 2, R2: 1 - 12.0/200, CCC: (400.0 / 3) / (400.0/3 + 4)},
		},
		{
			name:      "mean predictor",
			actual:    []float64{1, 2, 3, 4},
			predicted: []float64{2.5, 2.5, 2.5, 2.5},
			want:      Metrics{MAE: 1, R2: 0, CCC: 0},
		},
		{
			name:      "constant labels perfect",
			actual:    []float64{5, 5},
			predicted: []float64{5, 5},
			want:      Metrics{MAE: 0, R2: 1, CCC: 1},
		},
		{
			name:      "constant labels wrong",
			actual:    []float64{5, 5},
			predicted: []float64{4, 6},
			want:      Metrics{MAE: 1, R2: 0, CCC: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.actual, tt.predicted)
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}
			if !almostEqual(got.MAE, tt.want.MAE) {
				t.Errorf("MAE = %g, want %g", got.MAE, tt.want.MAE)
			}
			if !almostEqual(got.R2, tt.want.R2) {
				t.Errorf("R2 = %g, want %g", got.R2, tt.want.R2)
			}
			if !almostEqual(got.CCC, tt.want.CCC) {
				t.Errorf("CCC = %g, want %g", got.CCC, tt.want.CCC)
			}
		})
	}
}

func TestCompute_Errors(t *testing.T) {
	if _, err := Compute(nil, nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := Compute([]float64{1, 2}, []float64{1}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func testLoader(t *testing.T, x *mat.Dense, y []float64, size int) *batch.Loader {
	t.Helper()
	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	part, err := batch.Select(x, y, idx)
	if err != nil {
		t.Fatal(err)
	}
	l, err := batch.NewLoader(part, size, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestEvaluate(t *testing.T) {
	arch := nn.Arch{Inputs: 2, Hidden: []int{3}}
	trained, err := nn.NewMLP(arch, 5)
	if err != nil {
		t.Fatal(err)
	}
	// Force a strongly negative output bias so some predictions clamp.
	last := trained.Params()[len(trained.Params())-1]
	last.Value.Set(0, 0, -50)

	path := filepath.Join(t.TempDir(), "best.ckpt")
	if err := checkpoint.Save(path, trained, checkpoint.Info{Arch: arch}); err != nil {
		t.Fatal(err)
	}

	x := mat.NewDense(5, 2, []float64{0, 0, 1, 1, -1, 2, 3, -3, 0.5, 0.5})
	y := []float64{10, 20, 30, 40, 50}
	factory := func() (nn.Model, error) { return nn.NewMLP(arch, 99) }

	res, err := Evaluate(path, factory, testLoader(t, x, y, 2))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(res.Predictions) != 5 {
		t.Fatalf("expected 5 predictions, got %d", len(res.Predictions))
	}

	raw := trained.Forward(x, false)
	for i, p := range res.Predictions {
		if p.Actual != y[i] {
			t.Errorf("prediction %d actual = %g, want %g (order must follow partition)", i, p.Actual, y[i])
		}
		if p.Predicted < 0 {
			t.Errorf("prediction %d = %g, want clamped >= 0", i, p.Predicted)
		}
		if p.Predicted != max(raw[i], 0) {
			t.Errorf("prediction %d = %g, want checkpointed model output %g", i, p.Predicted, max(raw[i], 0))
		}
	}
}

func TestEvaluate_MissingCheckpoint(t *testing.T) {
	arch := nn.Arch{Inputs: 2}
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	factory := func() (nn.Model, error) { return nn.NewMLP(arch, 1) }

	_, err := Evaluate(filepath.Join(t.TempDir(), "none.ckpt"), factory, testLoader(t, x, []float64{1, 2}, 4))
	var ioErr *checkpoint.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("Evaluate() = %v, want *checkpoint.IOError", err)
	}
}
