// Package split draws reproducible train/validation/test partitions.
package split

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Proportions are the requested partition fractions; they must sum to 1.
type Proportions struct {
	Train, Val, Test float64
}

// Indices is a partition of [0, n) into three disjoint index sets. Each set
// keeps the order in which it was drawn.
type Indices struct {
	Train []int
	Val   []int
	Test  []int
}

// Sizes computes the partition sizes for n samples. Train gets
// round(p.Train*n); the remainder is split by p.Val/(p.Val+p.Test) with val
// rounded and test taking the rest. For n >= 3 every set is nonempty.
func Sizes(n int, p Proportions) (train, val, test int) {
	valShare := func(rest int) int {
		return int(math.Round(float64(rest) * p.Val / (p.Val + p.Test)))
	}

	train = int(math.Round(p.Train * float64(n)))
	if n >= 3 {
		train = clamp(train, 1, n-2)
		rest := n - train
		val = clamp(valShare(rest), 1, rest-1)
	} else {
		train = clamp(train, 0, n)
		rest := n - train
		val = clamp(valShare(rest), 0, rest)
	}
	return train, val, n - train - val
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Partition deterministically splits [0, n) in two stages: a seeded
// permutation separates train from the rest, then a second seeded shuffle of
// the remainder separates val from test. Same n, proportions and seed always
// produce the same Indices.
func Partition(n int, p Proportions, seed uint64) (Indices, error) {
	if n <= 0 {
		return Indices{}, fmt.Errorf("cannot partition %d samples", n)
	}
	for _, v := range []float64{p.Train, p.Val, p.Test} {
		if !(v > 0 && v < 1) {
			return Indices{}, fmt.Errorf("proportions must each be in (0, 1), got %+v", p)
		}
	}
	if math.Abs(p.Train+p.Val+p.Test-1) > 1e-6 {
		return Indices{}, fmt.Errorf("proportions must sum to 1, got %+v", p)
	}

	nTrain, nVal, _ := Sizes(n, p)

	first := rand.New(rand.NewPCG(seed, 0))
	perm := first.Perm(n)
	train := append([]int(nil), perm[:nTrain]...)
	rest := append([]int(nil), perm[nTrain:]...)

	second := rand.New(rand.NewPCG(seed, 1))
	second.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	return Indices{
		Train: train,
		Val:   rest[:nVal:nVal],
		Test:  rest[nVal:],
	}, nil
}
