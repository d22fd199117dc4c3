// Package batch serves mini-batches of (features, label) pairs.
package batch

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Partition is the materialized rows of one split partition.
type Partition struct {
	// Index holds the aligned-row index of each partition row.
	Index []int
	X     *mat.Dense
	Y     []float64
}

// Select copies the rows named by idx out of x and y, in idx order.
func Select(x mat.Matrix, y []float64, idx []int) (*Partition, error) {
	if len(idx) == 0 {
		return nil, fmt.Errorf("cannot select an empty partition")
	}
	rows, cols := x.Dims()
	if rows != len(y) {
		return nil, fmt.Errorf("%d feature rows but %d labels", rows, len(y))
	}

	out := mat.NewDense(len(idx), cols, nil)
	labels := make([]float64, len(idx))
	row := make([]float64, cols)
	for r, i := range idx {
		if i < 0 || i >= rows {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", i, rows)
		}
		mat.Row(row, i, x)
		out.SetRow(r, row)
		labels[r] = y[i]
	}
	return &Partition{Index: append([]int(nil), idx...), X: out, Y: labels}, nil
}

// Len returns the number of rows in the partition.
func (p *Partition) Len() int {
	return len(p.Y)
}

// Batch is one mini-batch. X aliases the partition's storage and must not be
// modified.
type Batch struct {
	X *mat.Dense
	Y []float64
}

// Loader presents a partition as fixed-size batches. A shuffling loader
// draws a fresh row order for every epoch; otherwise batches always follow
// partition order. The final batch may be smaller than Size.
type Loader struct {
	part    *Partition
	size    int
	shuffle bool
	rng     *rand.Rand
}

// NewLoader creates a loader over part. seed is only used when shuffle is set.
func NewLoader(part *Partition, size int, shuffle bool, seed uint64) (*Loader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	if part == nil || part.Len() == 0 {
		return nil, fmt.Errorf("partition is empty")
	}
	l := &Loader{part: part, size: size, shuffle: shuffle}
	if shuffle {
		l.rng = rand.New(rand.NewPCG(seed, 2))
	}
	return l, nil
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	return (l.part.Len() + l.size - 1) / l.size
}

// Len returns the number of rows served per epoch.
func (l *Loader) Len() int {
	return l.part.Len()
}

// Labels returns the partition labels in partition order.
func (l *Loader) Labels() []float64 {
	return l.part.Y
}

// Epoch returns the batches of one pass over the partition.
func (l *Loader) Epoch() []Batch {
	n := l.part.Len()
	_, cols := l.part.X.Dims()

	if !l.shuffle {
		out := make([]Batch, 0, l.NumBatches())
		for start := 0; start < n; start += l.size {
			end := min(start+l.size, n)
			out = append(out, Batch{
				X: l.part.X.Slice(start, end, 0, cols).(*mat.Dense),
				Y: l.part.Y[start:end],
			})
		}
		return out
	}

	order := l.rng.Perm(n)
	out := make([]Batch, 0, l.NumBatches())
	row := make([]float64, cols)
	for start := 0; start < n; start += l.size {
		end := min(start+l.size, n)
		x := mat.NewDense(end-start, cols, nil)
		y := make([]float64, end-start)
		for r, i := range order[start:end] {
			mat.Row(row, i, l.part.X)
			x.SetRow(r, row)
			y[r] = l.part.Y[i]
		}
		out = append(out, Batch{X: x, Y: y})
	}
	return out
}
