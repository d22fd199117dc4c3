// Package experiment drives the align, partition, scale, train and evaluate
// pipeline once per probe set and collects the comparison table.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/batch"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/dataset"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/logging"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/pathutil"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/scaler"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/split"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/trainer"
)

// CheckpointDir is the run subdirectory holding best checkpoints.
const CheckpointDir = "checkpoints"

// minSamples is the smallest aligned sample count that yields three
// nonempty partitions.
const minSamples = 3

// Inputs are the raw data shared read-only by every experiment of a run.
type Inputs struct {
	Raw  *dataset.Raw
	Meta *dataset.Metadata
}

// LoadInputs reads the feature matrix, its identifier arrays and the
// metadata table described by cfg.
func LoadInputs(cfg config.DataConfig) (*Inputs, error) {
	raw, err := dataset.LoadRaw(dataset.Paths{
		Features:    cfg.Features,
		ProbeIDs:    cfg.ProbeIDs,
		SampleIDs:   cfg.SampleIDs,
		Orientation: cfg.Orientation,
	})
	if err != nil {
		return nil, err
	}
	meta, err := dataset.LoadMetadata(cfg.Metadata, cfg.SampleColumn, cfg.LabelColumn)
	if err != nil {
		return nil, err
	}
	return &Inputs{Raw: raw, Meta: meta}, nil
}

// Runner executes the experiments of one run strictly sequentially.
type Runner struct {
	cfg    config.RunConfig
	runDir string
	logger *slog.Logger
	events *logging.EventLogger
}

// NewRunner creates a runner writing checkpoints below runDir. cfg is
// copied and must already be validated.
func NewRunner(cfg config.RunConfig, runDir string) *Runner {
	return &Runner{cfg: cfg, runDir: runDir, logger: logging.Discard()}
}

// SetLogger sets the operational logger.
func (r *Runner) SetLogger(l *slog.Logger) {
	r.logger = logging.OrDiscard(l)
}

// SetEventLogger sets the JSONL trace shared by every experiment.
func (r *Runner) SetEventLogger(el *logging.EventLogger) {
	r.events = el
}

// Run executes every configured probe set in order. A failing experiment
// becomes a failed entry and the run continues. ctx is checked between
// experiments; when it is done the summary so far, with its best entry, is
// returned together with ctx's error.
func (r *Runner) Run(ctx context.Context, runID string, in *Inputs) (*Summary, error) {
	sum := &Summary{RunID: runID, StartedAt: time.Now().UTC()}
	paths := make(map[string]bool)

	var stopErr error
	for _, psc := range r.cfg.ProbeSets {
		if stopErr = ctx.Err(); stopErr != nil {
			r.logger.Warn("run canceled", "completed", len(sum.Entries), "remaining", len(r.cfg.ProbeSets)-len(sum.Entries))
			break
		}

		ckpt := r.checkpointPath(psc.Name, paths)
		start := time.Now()
		r.logger.Info("starting experiment", "probe_set", psc.Name)

		res, err := r.runOne(psc, in, ckpt)
		if res != nil {
			res.Duration = time.Since(start)
		}
		entry := Entry{ProbeSet: psc.Name, Result: res}
		if err != nil {
			entry.Failure = &Failure{Kind: Classify(err), Message: err.Error()}
			r.logger.Warn("experiment failed", "probe_set", psc.Name, "kind", entry.Failure.Kind, "error", err)
			r.events.Log(map[string]any{
				"event":     "experiment_failed",
				"probe_set": psc.Name,
				"kind":      string(entry.Failure.Kind),
				"message":   entry.Failure.Message,
			})
		} else {
			r.logger.Info("experiment finished", "probe_set", psc.Name,
				"n_features", res.NFeatures, "mae", res.Metrics.MAE, "r2", res.Metrics.R2, "ccc", res.Metrics.CCC,
				"epochs", res.EpochsRan, "duration", res.Duration.Round(time.Millisecond))
			r.events.Log(map[string]any{
				"event":      "experiment_finished",
				"probe_set":  psc.Name,
				"n_features": res.NFeatures,
				"mae":        res.Metrics.MAE,
				"r2":         res.Metrics.R2,
				"ccc":        res.Metrics.CCC,
				"epochs":     res.EpochsRan,
			})
		}
		sum.Entries = append(sum.Entries, entry)
	}

	if best, ok := BestEntry(sum.Entries); ok {
		sum.Best = best.ProbeSet
	}
	sum.FinishedAt = time.Now().UTC()
	return sum, stopErr
}

// checkpointPath gives each experiment its own file. Names that slug to
// the same file get a numeric suffix.
func (r *Runner) checkpointPath(name string, used map[string]bool) string {
	base := pathutil.Slug(name)
	file := base + checkpoint.Extension
	for i := 2; used[file]; i++ {
		file = fmt.Sprintf("%s-%d%s", base, i, checkpoint.Extension)
	}
	used[file] = true
	return filepath.Join(r.runDir, CheckpointDir, file)
}

func (r *Runner) probeSet(psc config.ProbeSetConfig) (dataset.ProbeSet, error) {
	if psc.All {
		return dataset.AllProbes(psc.Name), nil
	}
	ps, err := dataset.LoadProbeSet(psc.Name, psc.File)
	if err != nil {
		return dataset.ProbeSet{}, &InputError{Path: pathutil.RedactPath(psc.File), Err: err}
	}
	return ps, nil
}

// runOne is a fully isolated pipeline: nothing it builds outlives the call
// except the returned Result and the checkpoint file.
func (r *Runner) runOne(psc config.ProbeSetConfig, in *Inputs, ckptPath string) (*Result, error) {
	cfg := r.cfg
	log := r.logger.With("probe_set", psc.Name)

	ps, err := r.probeSet(psc)
	if err != nil {
		return nil, err
	}

	aligned, stats, err := dataset.Align(in.Raw, in.Meta, ps)
	if err != nil {
		return nil, err
	}
	n, nFeatures := aligned.X.Dims()
	log.Debug("aligned", "samples", n, "features", nFeatures,
		"unmatched", stats.Unmatched, "missing_label", stats.MissingLabel, "duplicates", stats.Duplicates)
	if n < minSamples {
		return nil, &dataset.AlignmentError{Reason: fmt.Sprintf(
			"%d aligned samples, need at least %d for three partitions", n, minSamples)}
	}

	idx, err := split.Partition(n, split.Proportions{Train: cfg.Split.Train, Val: cfg.Split.Val, Test: cfg.Split.Test}, cfg.Seed)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "split", Reason: err.Error()}
	}
	trainPart, err := batch.Select(aligned.X, aligned.Y, idx.Train)
	if err != nil {
		return nil, fmt.Errorf("selecting train rows: %w", err)
	}
	valPart, err := batch.Select(aligned.X, aligned.Y, idx.Val)
	if err != nil {
		return nil, fmt.Errorf("selecting validation rows: %w", err)
	}
	testPart, err := batch.Select(aligned.X, aligned.Y, idx.Test)
	if err != nil {
		return nil, fmt.Errorf("selecting test rows: %w", err)
	}

	scaling, err := scaler.New(cfg.Workers, log).Fit(trainPart.X)
	if err != nil {
		return nil, fmt.Errorf("fitting scaler: %w", err)
	}
	for _, part := range []*batch.Partition{trainPart, valPart, testPart} {
		if part.X, err = scaling.Transform(part.X); err != nil {
			return nil, fmt.Errorf("scaling features: %w", err)
		}
	}

	trainLoader, err := batch.NewLoader(trainPart, cfg.Training.BatchSize, true, cfg.Seed)
	if err != nil {
		return nil, err
	}
	valLoader, err := batch.NewLoader(valPart, cfg.Training.BatchSize, false, cfg.Seed)
	if err != nil {
		return nil, err
	}
	testLoader, err := batch.NewLoader(testPart, cfg.Training.BatchSize, false, cfg.Seed)
	if err != nil {
		return nil, err
	}

	arch := nn.Arch{Inputs: nFeatures, Hidden: cfg.Training.HiddenLayers, Dropout: cfg.Training.Dropout}
	newModel := func() (nn.Model, error) { return nn.NewMLP(arch, cfg.Seed) }
	model, err := newModel()
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}

	if err := pathutil.ValidateWithin(ckptPath, r.runDir); err != nil {
		return nil, &checkpoint.IOError{Path: ckptPath, Op: "write", Err: err}
	}
	tr, err := trainer.New(model, trainer.Options{
		Epochs:            cfg.Training.Epochs,
		Patience:          cfg.Training.Patience,
		LR:                cfg.Training.LearningRate,
		WeightDecay:       cfg.Training.WeightDecay,
		SchedulerFactor:   cfg.Training.Scheduler.Factor,
		SchedulerPatience: cfg.Training.Scheduler.Patience,
		MinLR:             cfg.Training.Scheduler.MinLR,
	}, ckptPath, checkpoint.Info{ProbeSet: psc.Name, Arch: arch})
	if err != nil {
		return nil, &config.ConfigurationError{Field: "training", Reason: err.Error()}
	}
	tr.SetLogger(log)
	tr.SetEventLogger(r.events)

	res := &Result{
		ProbeSet:   psc.Name,
		NFeatures:  nFeatures,
		NSamples:   n,
		Split:      SplitSizes{Train: len(idx.Train), Val: len(idx.Val), Test: len(idx.Test)},
		Degenerate: len(scaling.Degenerate),
	}

	trained, err := tr.Run(trainLoader, valLoader)
	if trained != nil {
		res.EpochsRan = trained.EpochsRan()
		res.StopReason = trained.State
		res.BestEpoch = trained.BestEpoch
		res.BestValLoss = trained.BestValLoss
		res.History = trained.History
		res.Checkpoint = trained.Checkpoint
	}
	if err != nil {
		return res, err
	}

	eval, err := evaluate.Evaluate(ckptPath, newModel, testLoader)
	if err != nil {
		return res, fmt.Errorf("evaluating %s: %w", psc.Name, err)
	}
	res.Metrics = &eval.Metrics
	res.Predictions = eval.Predictions
	return res, nil
}
