package batch

import (
	"reflect"
	"sort"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func partition(t *testing.T, n int) *Partition {
	t.Helper()
	x := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, float64(i))
		x.Set(i, 1, float64(-i))
		y[i] = float64(i)
		idx[i] = i
	}
	p, err := Select(x, y, idx)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSelect(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{0, 0, 1, 10, 2, 20, 3, 30})
	y := []float64{5, 6, 7, 8}

	p, err := Select(x, y, []int{3, 1})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	want := mat.NewDense(2, 2, []float64{3, 30, 1, 10})
	if !mat.Equal(p.X, want) {
		t.Errorf("X = %v, want %v", mat.Formatted(p.X), mat.Formatted(want))
	}
	if !reflect.DeepEqual(p.Y, []float64{8, 6}) {
		t.Errorf("Y = %v, want [8 6]", p.Y)
	}

	if _, err := Select(x, y, []int{4}); err == nil {
		t.Error("expected out-of-range error")
	}
	if _, err := Select(x, y, nil); err == nil {
		t.Error("expected empty-partition error")
	}
	if _, err := Select(x, y[:3], []int{0}); err == nil {
		t.Error("expected row/label mismatch error")
	}
}

func TestLoader_NumBatchesIncludesFragment(t *testing.T) {
	tests := []struct {
		n, size, want int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{2, 32, 1},
		{32, 32, 1},
		{33, 32, 2},
	}
	for _, tt := range tests {
		l, err := NewLoader(partition(t, tt.n), tt.size, false, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got := l.NumBatches(); got != tt.want {
			t.Errorf("NumBatches(n=%d, size=%d) = %d, want %d", tt.n, tt.size, got, tt.want)
		}
		batches := l.Epoch()
		if len(batches) != tt.want {
			t.Errorf("Epoch() returned %d batches, want %d", len(batches), tt.want)
		}
		total := 0
		for _, b := range batches {
			r, _ := b.X.Dims()
			if r != len(b.Y) || r > tt.size {
				t.Errorf("batch rows %d, labels %d, size %d", r, len(b.Y), tt.size)
			}
			total += r
		}
		if total != tt.n {
			t.Errorf("batches cover %d rows, want %d", total, tt.n)
		}
	}
}

func TestLoader_OrderedIsDeterministic(t *testing.T) {
	l, _ := NewLoader(partition(t, 7), 3, false, 0)
	var got []float64
	for epoch := 0; epoch < 2; epoch++ {
		got = got[:0]
		for _, b := range l.Epoch() {
			got = append(got, b.Y...)
		}
		if !reflect.DeepEqual(got, []float64{0, 1, 2, 3, 4, 5, 6}) {
			t.Errorf("epoch %d order = %v", epoch, got)
		}
	}
}

func TestLoader_ShuffledEachEpoch(t *testing.T) {
	l, _ := NewLoader(partition(t, 50), 8, true, 42)

	collect := func() []float64 {
		var ys []float64
		for _, b := range l.Epoch() {
			for r, y := range b.Y {
				// features travel with their label
				if b.X.At(r, 0) != y || b.X.At(r, 1) != -y {
					t.Fatalf("row %v detached from label %v", mat.Row(nil, r, b.X), y)
				}
				ys = append(ys, y)
			}
		}
		return ys
	}

	first, second := collect(), collect()
	if reflect.DeepEqual(first, second) {
		t.Error("two epochs produced the same order")
	}
	sorted := append([]float64(nil), first...)
	sort.Float64s(sorted)
	for i, v := range sorted {
		if v != float64(i) {
			t.Fatalf("epoch is not a permutation of the partition: %v", sorted)
		}
	}

	again, _ := NewLoader(partition(t, 50), 8, true, 42)
	var replay []float64
	for _, b := range again.Epoch() {
		replay = append(replay, b.Y...)
	}
	if !reflect.DeepEqual(first, replay) {
		t.Error("same seed produced a different first epoch")
	}
}

func TestNewLoader_Invalid(t *testing.T) {
	if _, err := NewLoader(partition(t, 3), 0, false, 0); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewLoader(nil, 4, false, 0); err == nil {
		t.Error("expected error for nil partition")
	}
}
