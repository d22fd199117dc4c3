package trainer

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/batch"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
)

// scriptedModel predicts script[epoch-1] for every validation row, where
// epoch counts training forward passes. Its single parameter holds the
// epoch number, so a checkpoint reveals which epoch it was taken at.
type scriptedModel struct {
	script []float64
	epoch  int
	param  *nn.Param
}

func newScriptedModel(script []float64) *scriptedModel {
	return &scriptedModel{
		script: script,
		param: &nn.Param{
			Name:  "epoch",
			Value: mat.NewDense(1, 1, nil),
			Grad:  mat.NewDense(1, 1, nil),
		},
	}
}

func (m *scriptedModel) Forward(x *mat.Dense, train bool) []float64 {
	rows, _ := x.Dims()
	out := make([]float64, rows)
	if train {
		m.epoch++
		m.param.Value.Set(0, 0, float64(m.epoch))
		return out
	}
	v := m.script[min(m.epoch, len(m.script))-1]
	for i := range out {
		out[i] = v
	}
	return out
}

func (m *scriptedModel) Backward(dOut []float64) error {
	m.param.Grad.Zero()
	return nil
}

func (m *scriptedModel) Params() []*nn.Param {
	return []*nn.Param{m.param}
}

func loaders(t *testing.T) (train, val *batch.Loader) {
	t.Helper()
	x := mat.NewDense(7, 2, nil)
	y := make([]float64, 7)

	trainPart, err := batch.Select(x, y, []int{0, 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	valPart, err := batch.Select(x, y, []int{4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	// One training batch per epoch; two validation batches.
	train, err = batch.NewLoader(trainPart, 4, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	val, err = batch.NewLoader(valPart, 2, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	return train, val
}

func testOptions() Options {
	return Options{
		Epochs:            100,
		Patience:          5,
		LR:                0.01,
		SchedulerFactor:   0.5,
		SchedulerPatience: 100,
	}
}

func checkpointEpoch(t *testing.T, path string) int {
	t.Helper()
	m := newScriptedModel(nil)
	header, err := checkpoint.Load(path, m)
	if err != nil {
		t.Fatalf("loading checkpoint: %v", err)
	}
	if int(m.param.Value.At(0, 0)) != header.Epoch {
		t.Errorf("checkpoint weights from epoch %g, header says %d", m.param.Value.At(0, 0), header.Epoch)
	}
	return header.Epoch
}

func runScript(t *testing.T, script []float64, opts Options) (*Result, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ckpt", "p.ckpt")
	tr, err := New(newScriptedModel(script), opts, path, checkpoint.Info{ProbeSet: "p"})
	if err != nil {
		t.Fatal(err)
	}
	train, val := loaders(t)
	res, err := tr.Run(train, val)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res, path
}

func TestRun_EarlyStopsAfterPlateau(t *testing.T) {
	// Twenty improving epochs, then flat.
	script := make([]float64, 40)
	for i := range script {
		script[i] = 100 - float64(min(i+1, 20))
	}

	res, path := runScript(t, script, testOptions())

	if res.State != StateEarlyStopped {
		t.Errorf("State = %v, want early_stopped", res.State)
	}
	if res.EpochsRan() != 25 {
		t.Errorf("ran %d epochs, want 25", res.EpochsRan())
	}
	if res.BestEpoch != 20 {
		t.Errorf("BestEpoch = %d, want 20", res.BestEpoch)
	}
	if got := checkpointEpoch(t, path); got != 20 {
		t.Errorf("checkpoint from epoch %d, want 20", got)
	}
	if res.Checkpoint != path {
		t.Errorf("Checkpoint = %q, want %q", res.Checkpoint, path)
	}

	for i, rec := range res.History {
		if rec.Epoch != i+1 {
			t.Errorf("history[%d].Epoch = %d", i, rec.Epoch)
		}
	}
	// Labels are zero, so val loss is smooth-L1 of the scripted value.
	if got, want := res.History[19].ValLoss, 80-0.5; got != want {
		t.Errorf("epoch 20 val loss = %g, want %g", got, want)
	}
	if got := res.History[19].ValMAE; got != 80 {
		t.Errorf("epoch 20 val mae = %g, want 80", got)
	}
}

func TestRun_NeverImprovingKeepsFirstEpoch(t *testing.T) {
	res, path := runScript(t, []float64{7}, testOptions())

	if res.State != StateEarlyStopped {
		t.Errorf("State = %v, want early_stopped", res.State)
	}
	if res.EpochsRan() != 6 {
		t.Errorf("ran %d epochs, want 6", res.EpochsRan())
	}
	if res.BestEpoch != 1 {
		t.Errorf("BestEpoch = %d, want 1", res.BestEpoch)
	}
	if got := checkpointEpoch(t, path); got != 1 {
		t.Errorf("checkpoint from epoch %d, want 1", got)
	}
}

func TestRun_ExhaustsEpochs(t *testing.T) {
	script := make([]float64, 10)
	for i := range script {
		script[i] = 50 - float64(i)
	}
	opts := testOptions()
	opts.Epochs = 10

	res, path := runScript(t, script, opts)

	if res.State != StateExhaustedEpochs {
		t.Errorf("State = %v, want exhausted_epochs", res.State)
	}
	if res.EpochsRan() != 10 || res.BestEpoch != 10 {
		t.Errorf("ran %d epochs with best %d, want 10 and 10", res.EpochsRan(), res.BestEpoch)
	}
	if got := checkpointEpoch(t, path); got != 10 {
		t.Errorf("checkpoint from epoch %d, want 10", got)
	}
}

func TestRun_CheckpointIsMinimumValLoss(t *testing.T) {
	script := []float64{9, 4, 6, 3, 5, 8, 3.5, 7, 9, 9, 9, 9}
	res, path := runScript(t, script, testOptions())

	best := 0
	for i, rec := range res.History {
		if rec.ValLoss < res.History[best].ValLoss {
			best = i
		}
	}
	if res.BestEpoch != best+1 {
		t.Errorf("BestEpoch = %d, minimum recorded at epoch %d", res.BestEpoch, best+1)
	}
	if got := checkpointEpoch(t, path); got != 4 {
		t.Errorf("checkpoint from epoch %d, want 4", got)
	}
	if res.EpochsRan() != 9 {
		t.Errorf("ran %d epochs, want 9 (patience 5 after epoch 4)", res.EpochsRan())
	}
}

func TestRun_ValMAEUsesClampedPredictions(t *testing.T) {
	res, _ := runScript(t, []float64{-5}, testOptions())

	rec := res.History[0]
	if rec.ValMAE != 0 {
		t.Errorf("ValMAE = %g, want 0 for negative predictions against zero labels", rec.ValMAE)
	}
	if rec.ValLoss != 4.5 {
		t.Errorf("ValLoss = %g, want unclamped loss 4.5", rec.ValLoss)
	}
}

func TestRun_ReducesLearningRateOnPlateau(t *testing.T) {
	opts := testOptions()
	opts.Patience = 10
	opts.SchedulerPatience = 2

	res, _ := runScript(t, []float64{7}, opts)

	for i, rec := range res.History {
		want := 0.01
		if rec.Epoch >= 5 {
			want = 0.005
		}
		if rec.Epoch >= 8 {
			want = 0.0025
		}
		if rec.Epoch >= 11 {
			want = 0.00125
		}
		if rec.LR != want {
			t.Errorf("history[%d].LR = %g, want %g", i, rec.LR, want)
		}
	}
}

func TestRun_CheckpointWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tr, err := New(newScriptedModel([]float64{3}), testOptions(), filepath.Join(blocker, "p.ckpt"), checkpoint.Info{})
	if err != nil {
		t.Fatal(err)
	}
	train, val := loaders(t)
	res, err := tr.Run(train, val)

	var ioErr *checkpoint.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Run() error = %v, want *checkpoint.IOError", err)
	}
	if res == nil || len(res.History) != 1 {
		t.Fatalf("expected history of the failed epoch to be kept, got %+v", res)
	}
	if res.Checkpoint != "" {
		t.Errorf("Checkpoint = %q, want empty", res.Checkpoint)
	}
}

func TestNew_Invalid(t *testing.T) {
	m := newScriptedModel([]float64{1})
	if _, err := New(m, Options{Epochs: 0, Patience: 1}, "p", checkpoint.Info{}); err == nil {
		t.Error("expected error for zero epochs")
	}
	if _, err := New(m, Options{Epochs: 1, Patience: 0}, "p", checkpoint.Info{}); err == nil {
		t.Error("expected error for zero patience")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateRunning, "running"},
		{StateConverged, "converged"},
		{StateEarlyStopped, "early_stopped"},
		{StateExhaustedEpochs, "exhausted_epochs"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, st := range []State{StateRunning, StateConverged, StateEarlyStopped, StateExhaustedEpochs} {
		got, err := ParseState(st.String())
		if err != nil || got != st {
			t.Errorf("ParseState(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := ParseState("sleeping"); err == nil {
		t.Error("expected error for unknown state")
	}

	var st State
	if err := st.UnmarshalText([]byte("early_stopped")); err != nil || st != StateEarlyStopped {
		t.Errorf("UnmarshalText = %v, %v", st, err)
	}
}

func TestRun_NaNValidationLoss(t *testing.T) {
	nan := math.NaN()
	opts := testOptions()
	opts.Epochs = 5
	opts.Patience = 2

	res, path := runScript(t, []float64{nan, nan, nan, nan, nan}, opts)

	if res.State != StateEarlyStopped {
		t.Errorf("State = %v, want early_stopped", res.State)
	}
	if res.EpochsRan() != 3 {
		t.Errorf("EpochsRan = %d, want 3", res.EpochsRan())
	}
	if res.BestEpoch != 1 || !math.IsNaN(res.BestValLoss) {
		t.Errorf("best = epoch %d loss %v, want epoch 1 loss NaN", res.BestEpoch, res.BestValLoss)
	}
	if res.Checkpoint != path {
		t.Errorf("Checkpoint = %q, want %q", res.Checkpoint, path)
	}
	if got := checkpointEpoch(t, path); got != 1 {
		t.Errorf("checkpoint from epoch %d, want 1", got)
	}
}
