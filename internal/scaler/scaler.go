// Package scaler standardizes feature columns with statistics fit on the
// training partition only.
package scaler

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/logging"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minScale is the smallest standard deviation treated as a real spread.
const minScale = 1e-12

// Stats holds per-column centering and scaling values. Scale never contains
// zero.
type Stats struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`

	// Degenerate lists columns whose spread was zero or undefined and which
	// were given unit scale.
	Degenerate []int `json:"degenerate,omitempty"`
}

// Scaler fits Stats. Workers bounds the number of goroutines used for the
// column-parallel fit.
type Scaler struct {
	Workers int
	logger  *slog.Logger
}

// New creates a Scaler using up to workers goroutines.
func New(workers int, logger *slog.Logger) *Scaler {
	return &Scaler{Workers: max(workers, 1), logger: logging.OrDiscard(logger)}
}

// Fit computes the mean and population standard deviation of each column of
// x, ignoring NaN values. Columns with a zero, undefined or non-finite
// spread get scale 1 so they are only re-centered; a column with no defined
// values gets mean 0 as well.
func (s *Scaler) Fit(x mat.Matrix) (*Stats, error) {
	rows, cols := x.Dims()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("cannot fit scaler on a %dx%d matrix", rows, cols)
	}

	st := &Stats{Mean: make([]float64, cols), Scale: make([]float64, cols)}
	degenerate := make([]bool, cols)

	workers := min(max(s.Workers, 1), cols)
	chunk := (cols + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < cols; start += chunk {
		end := min(start+chunk, cols)
		g.Go(func() error {
			buf := make([]float64, 0, rows)
			for j := start; j < end; j++ {
				buf = buf[:0]
				for i := 0; i < rows; i++ {
					if v := x.At(i, j); !math.IsNaN(v) {
						buf = append(buf, v)
					}
				}
				st.Mean[j], st.Scale[j], degenerate[j] = columnStats(buf)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for j, d := range degenerate {
		if d {
			st.Degenerate = append(st.Degenerate, j)
		}
	}
	if len(st.Degenerate) > 0 {
		s.logger.Debug("unit scale substituted for degenerate columns",
			"columns", len(st.Degenerate), "of", cols)
	}
	return st, nil
}

func columnStats(values []float64) (mean, scale float64, degenerate bool) {
	if len(values) == 0 {
		return 0, 1, true
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return 0, 1, true
	}
	if math.IsNaN(std) || math.IsInf(std, 0) || std < minScale {
		return mean, 1, true
	}
	return mean, std, false
}

// Transform returns (x - mean) / scale column-wise as a new matrix. NaN
// inputs map to 0, the training mean after centering.
func (st *Stats) Transform(x mat.Matrix) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != len(st.Mean) {
		return nil, fmt.Errorf("scaler fit on %d columns, got %d", len(st.Mean), cols)
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return (v - st.Mean[j]) / st.Scale[j]
	}, x)
	return out, nil
}
