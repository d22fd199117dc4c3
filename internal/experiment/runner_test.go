package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/dataset"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
)

// setupRun writes a small synthetic cohort and returns a config over it.
func setupRun(t *testing.T) (*config.RunConfig, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := dataset.WriteSynthetic(dataDir, dataset.SynthOptions{
		Samples: 60, Probes: 20, Informative: 5, MissingRate: 0.1, Seed: 3,
	}); err != nil {
		t.Fatalf("WriteSynthetic failed: %v", err)
	}

	absent := filepath.Join(dir, "absent.txt")
	if err := os.WriteFile(absent, []byte("cgNOPE01\ncgNOPE02\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Data.Features = filepath.Join(dataDir, dataset.SynthFeaturesFile)
	cfg.Data.ProbeIDs = filepath.Join(dataDir, dataset.SynthProbesFile)
	cfg.Data.SampleIDs = filepath.Join(dataDir, dataset.SynthSamplesFile)
	cfg.Data.Metadata = filepath.Join(dataDir, dataset.SynthMetadataFile)
	cfg.ProbeSets = []config.ProbeSetConfig{
		{Name: "all", All: true},
		{Name: "absent", File: absent},
		{Name: "clock", File: filepath.Join(dataDir, dataset.SynthClockFile)},
	}
	cfg.Training.Epochs = 4
	cfg.Training.Patience = 2
	cfg.Training.BatchSize = 8
	cfg.Training.HiddenLayers = []int{8}
	cfg.Workers = 2
	cfg.OutputDir = filepath.Join(dir, "out")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg, filepath.Join(cfg.OutputDir, "run-1")
}

func runAll(t *testing.T, cfg *config.RunConfig, runDir string) *Summary {
	t.Helper()
	in, err := LoadInputs(cfg.Data)
	if err != nil {
		t.Fatalf("LoadInputs failed: %v", err)
	}
	sum, err := NewRunner(*cfg, runDir).Run(context.Background(), "run-1", in)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return sum
}

func TestRun_IsolatesFailedExperiment(t *testing.T) {
	cfg, runDir := setupRun(t)
	sum := runAll(t, cfg, runDir)

	if len(sum.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(sum.Entries))
	}
	for i, want := range []string{"all", "absent", "clock"} {
		if sum.Entries[i].ProbeSet != want {
			t.Errorf("entry %d = %q, want %q (configuration order)", i, sum.Entries[i].ProbeSet, want)
		}
	}

	absent := sum.Entries[1]
	if absent.Failure == nil || absent.Failure.Kind != KindDegenerateFeatures {
		t.Fatalf("absent entry failure = %+v, want degenerate_features", absent.Failure)
	}
	if absent.OK() {
		t.Error("failed entry must not report OK")
	}

	for _, i := range []int{0, 2} {
		e := sum.Entries[i]
		if !e.OK() {
			t.Fatalf("entry %q failed: %+v", e.ProbeSet, e.Failure)
		}
		if e.Result.EpochsRan == 0 || len(e.Result.History) != e.Result.EpochsRan {
			t.Errorf("%s: history has %d records for %d epochs", e.ProbeSet, len(e.Result.History), e.Result.EpochsRan)
		}
		if len(e.Result.Predictions) != e.Result.Split.Test {
			t.Errorf("%s: %d predictions for %d test samples", e.ProbeSet, len(e.Result.Predictions), e.Result.Split.Test)
		}
		for _, p := range e.Result.Predictions {
			if p.Predicted < 0 {
				t.Errorf("%s: negative prediction %g", e.ProbeSet, p.Predicted)
			}
		}
		if _, err := checkpoint.Verify(e.Result.Checkpoint); err != nil {
			t.Errorf("%s: checkpoint does not verify: %v", e.ProbeSet, err)
		}
	}

	if sum.Entries[0].Result.NFeatures != 20 || sum.Entries[2].Result.NFeatures != 5 {
		t.Errorf("n_features = %d and %d, want 20 and 5",
			sum.Entries[0].Result.NFeatures, sum.Entries[2].Result.NFeatures)
	}

	best, ok := BestEntry(sum.Entries)
	if !ok || sum.Best != best.ProbeSet {
		t.Errorf("Best = %q, BestEntry = %q", sum.Best, best.ProbeSet)
	}
	if sum.Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", sum.Failures())
	}
}

func TestRun_Reproducible(t *testing.T) {
	cfg, runDir := setupRun(t)
	cfg.ProbeSets = cfg.ProbeSets[:1]

	first := runAll(t, cfg, runDir)
	second := runAll(t, cfg, runDir+"-again")

	a, b := first.Entries[0].Result, second.Entries[0].Result
	if *a.Metrics != *b.Metrics {
		t.Errorf("metrics differ across identical runs: %+v vs %+v", *a.Metrics, *b.Metrics)
	}
	for i := range a.History {
		if a.History[i] != b.History[i] {
			t.Errorf("history[%d] differs: %+v vs %+v", i, a.History[i], b.History[i])
		}
	}
}

func TestRun_MissingProbeSetFile(t *testing.T) {
	cfg, runDir := setupRun(t)
	cfg.ProbeSets = []config.ProbeSetConfig{
		{Name: "gone", File: filepath.Join(t.TempDir(), "gone.txt")},
		{Name: "all", All: true},
	}

	sum := runAll(t, cfg, runDir)
	if sum.Entries[0].Failure == nil || sum.Entries[0].Failure.Kind != KindInput {
		t.Errorf("gone entry failure = %+v, want input", sum.Entries[0].Failure)
	}
	if !sum.Entries[1].OK() {
		t.Errorf("all entry should still succeed, got %+v", sum.Entries[1].Failure)
	}
	if sum.Best != "all" {
		t.Errorf("Best = %q, want all", sum.Best)
	}
}

func TestRun_CheckpointWriteFailureKeepsHistory(t *testing.T) {
	cfg, runDir := setupRun(t)
	cfg.ProbeSets = cfg.ProbeSets[:1]

	// A file where the checkpoint directory should be.
	if err := os.MkdirAll(runDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, CheckpointDir), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	sum := runAll(t, cfg, runDir)
	e := sum.Entries[0]
	if e.Failure == nil || e.Failure.Kind != KindCheckpointIO {
		t.Fatalf("failure = %+v, want checkpoint_io", e.Failure)
	}
	if e.Result == nil || len(e.Result.History) == 0 {
		t.Fatal("training history should still be reported")
	}
	if e.Result.Metrics != nil {
		t.Error("metrics should be unavailable")
	}
	if sum.Best != "" {
		t.Errorf("Best = %q, want none", sum.Best)
	}
}

func TestRun_TooFewSamples(t *testing.T) {
	one, two := 1.0, 2.0
	in := &Inputs{
		Raw: &dataset.Raw{
			SampleIDs: []string{"a", "b"},
			ProbeIDs:  []string{"cg1", "cg2"},
			X:         mat.NewDense(2, 2, []float64{0.1, 0.2, 0.3, 0.4}),
		},
		Meta: dataset.NewMetadata([]string{"a", "b"}, []*float64{&one, &two}),
	}
	cfg := config.Default()
	cfg.ProbeSets = []config.ProbeSetConfig{{Name: "all", All: true}}

	sum, err := NewRunner(*cfg, t.TempDir()).Run(context.Background(), "r", in)
	if err != nil {
		t.Fatal(err)
	}
	if f := sum.Entries[0].Failure; f == nil || f.Kind != KindAlignment {
		t.Errorf("failure = %+v, want alignment", f)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	cfg, runDir := setupRun(t)
	in, err := LoadInputs(cfg.Data)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := NewRunner(*cfg, runDir).Run(ctx, "run-1", in)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(sum.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(sum.Entries))
	}
}

// stopAfter reports cancellation once Err has been polled n times, so a
// run stops between experiments at a known point.
type stopAfter struct {
	context.Context
	n     int
	polls int
}

func (c *stopAfter) Err() error {
	c.polls++
	if c.polls > c.n {
		return context.Canceled
	}
	return nil
}

func TestRun_CanceledMidRunKeepsBest(t *testing.T) {
	cfg, runDir := setupRun(t)
	in, err := LoadInputs(cfg.Data)
	if err != nil {
		t.Fatal(err)
	}

	ctx := &stopAfter{Context: context.Background(), n: 1}
	sum, err := NewRunner(*cfg, runDir).Run(ctx, "run-1", in)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(sum.Entries) != 1 || !sum.Entries[0].OK() {
		t.Fatalf("expected one successful entry, got %+v", sum.Entries)
	}
	if sum.Best != "all" {
		t.Errorf("Best = %q, want %q", sum.Best, "all")
	}
	if sum.FinishedAt.IsZero() {
		t.Error("FinishedAt should be set on a canceled run")
	}
}

func TestCheckpointPath_Unique(t *testing.T) {
	r := NewRunner(*config.Default(), "/runs/x")
	used := map[string]bool{}

	a := r.checkpointPath("a b", used)
	b := r.checkpointPath("a_b", used)
	c := r.checkpointPath("a/b", used)

	if a == b || b == c || a == c {
		t.Errorf("checkpoint paths collide: %s %s %s", a, b, c)
	}
	if a != filepath.Join("/runs/x", CheckpointDir, "a_b.ckpt") {
		t.Errorf("unexpected path %s", a)
	}
	if b != filepath.Join("/runs/x", CheckpointDir, "a_b-2.ckpt") {
		t.Errorf("unexpected path %s", b)
	}
}

func TestBestEntry(t *testing.T) {
	ok := func(name string, mae float64) Entry {
		return Entry{ProbeSet: name, Result: &Result{Metrics: &evaluate.Metrics{MAE: mae}}}
	}
	entries := []Entry{
		ok("a", 5),
		{ProbeSet: "broken", Failure: &Failure{Kind: KindInternal}},
		ok("b", 3),
		ok("c", 3),
		{ProbeSet: "partial", Result: &Result{}, Failure: &Failure{Kind: KindCheckpointIO}},
	}
	best, found := BestEntry(entries)
	if !found || best.ProbeSet != "b" {
		t.Errorf("BestEntry = %q, want b (first of ties)", best.ProbeSet)
	}

	if _, found := BestEntry(entries[1:2]); found {
		t.Error("expected no best among failures")
	}

	best, _ = BestEntry([]Entry{ok("diverged", math.NaN()), ok("d", 7)})
	if best.ProbeSet != "d" {
		t.Errorf("BestEntry = %q, want d over a NaN MAE", best.ProbeSet)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{&dataset.AlignmentError{Reason: "x"}, KindAlignment},
		{fmt.Errorf("wrapped: %w", &dataset.DegenerateFeatureError{ProbeSet: "p"}), KindDegenerateFeatures},
		{fmt.Errorf("evaluating: %w", &checkpoint.IOError{Path: "p", Op: "read", Err: os.ErrNotExist}), KindCheckpointIO},
		{&config.ConfigurationError{Field: "split"}, KindConfiguration},
		{&InputError{Path: "p", Err: os.ErrNotExist}, KindInput},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
