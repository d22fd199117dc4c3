// Package trainer runs the epoch loop for one experiment: optimization,
// validation, learning-rate scheduling, early stopping and best-checkpoint
// persistence.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/batch"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/logging"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/optim"
)

// State is the trainer's lifecycle state.
type State int

const (
	StateRunning State = iota
	// StateConverged exists for completeness; no loss threshold ever
	// enters it.
	StateConverged
	StateEarlyStopped
	StateExhaustedEpochs
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateConverged:
		return "converged"
	case StateEarlyStopped:
		return "early_stopped"
	case StateExhaustedEpochs:
		return "exhausted_epochs"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of State.String for the named states.
func ParseState(name string) (State, error) {
	for _, st := range []State{StateRunning, StateConverged, StateEarlyStopped, StateExhaustedEpochs} {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown training state %q", name)
}

// Record is one completed epoch.
type Record struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
	ValMAE    float64 `json:"val_mae"`
	LR        float64 `json:"lr"`
}

// Options configures a training run.
type Options struct {
	Epochs      int
	Patience    int
	LR          float64
	WeightDecay float64
	// LossBeta is the smooth-L1 transition point.
	LossBeta float64

	SchedulerFactor   float64
	SchedulerPatience int
	MinLR             float64
}

// Result summarizes a finished run.
type Result struct {
	History     []Record `json:"history"`
	State       State    `json:"stop_reason"`
	BestEpoch   int      `json:"best_epoch"`
	BestValLoss float64  `json:"best_val_loss"`
	// Checkpoint is set once a best checkpoint has been written.
	Checkpoint string `json:"checkpoint,omitempty"`
}

// EpochsRan returns the number of completed epochs.
func (r *Result) EpochsRan() int {
	return len(r.History)
}

// Trainer owns a model for the duration of one experiment.
type Trainer struct {
	model  nn.Model
	opts   Options
	path   string
	info   checkpoint.Info
	logger *slog.Logger
	events *logging.EventLogger
}

// New creates a trainer that writes its best checkpoint to path. info is
// stored in the checkpoint header; its Epoch and ValLoss are filled in on
// every save.
func New(model nn.Model, opts Options, path string, info checkpoint.Info) (*Trainer, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epoch budget must be positive, got %d", opts.Epochs)
	}
	if opts.Patience <= 0 {
		return nil, fmt.Errorf("patience must be positive, got %d", opts.Patience)
	}
	if opts.LossBeta <= 0 {
		opts.LossBeta = 1
	}
	return &Trainer{
		model:  model,
		opts:   opts,
		path:   path,
		info:   info,
		logger: logging.Discard(),
	}, nil
}

// SetLogger sets the operational logger.
func (t *Trainer) SetLogger(l *slog.Logger) {
	t.logger = logging.OrDiscard(l)
}

// SetEventLogger sets the JSONL trace for per-epoch events.
func (t *Trainer) SetEventLogger(el *logging.EventLogger) {
	t.events = el
}

// Run trains until early stopping or the epoch budget. Each epoch makes one
// optimization pass over train, one no-gradient pass over val, records
// history, steps the scheduler and saves a checkpoint on strict
// improvement of validation loss. The first epoch always saves.
//
// If a checkpoint cannot be written, training stops and the result so far
// is returned with a *checkpoint.IOError.
func (t *Trainer) Run(train, val *batch.Loader) (*Result, error) {
	opt := optim.NewAdamW(t.model.Params(), t.opts.LR, t.opts.WeightDecay)
	sched := optim.NewPlateau(t.opts.SchedulerFactor, t.opts.SchedulerPatience, t.opts.MinLR)

	res := &Result{State: StateRunning, BestValLoss: math.Inf(1)}
	stale := 0

	for epoch := 1; res.State == StateRunning; epoch++ {
		trainLoss, err := t.trainEpoch(train, opt)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, valMAE, err := t.validate(val)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		rec := Record{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, ValMAE: valMAE, LR: opt.LR}
		res.History = append(res.History, rec)
		t.logger.Debug("epoch complete", "probe_set", t.info.ProbeSet, "epoch", epoch,
			"train_loss", trainLoss, "val_loss", valLoss, "val_mae", valMAE, "lr", opt.LR)
		t.events.Log(map[string]any{
			"event":      "epoch",
			"probe_set":  t.info.ProbeSet,
			"epoch":      epoch,
			"train_loss": trainLoss,
			"val_loss":   valLoss,
			"val_mae":    valMAE,
			"lr":         opt.LR,
		})

		if next := sched.Observe(valLoss, opt.LR); next != opt.LR {
			t.logger.Debug("reducing learning rate", "probe_set", t.info.ProbeSet, "epoch", epoch, "from", opt.LR, "to", next)
			t.events.Log(map[string]any{"event": "lr_reduced", "probe_set": t.info.ProbeSet, "epoch": epoch, "lr": next})
			opt.LR = next
		}

		if res.BestEpoch == 0 || valLoss < res.BestValLoss {
			res.BestEpoch = epoch
			res.BestValLoss = valLoss
			stale = 0
			if err := t.save(epoch, valLoss); err != nil {
				return res, err
			}
			res.Checkpoint = t.path
		} else {
			stale++
		}

		switch {
		case stale >= t.opts.Patience:
			res.State = StateEarlyStopped
		case epoch >= t.opts.Epochs:
			res.State = StateExhaustedEpochs
		}
	}

	t.logger.Info("training finished", "probe_set", t.info.ProbeSet, "reason", res.State.String(),
		"epochs", res.EpochsRan(), "best_epoch", res.BestEpoch, "best_val_loss", res.BestValLoss)
	t.events.Log(map[string]any{
		"event":         "stopped",
		"probe_set":     t.info.ProbeSet,
		"reason":        res.State.String(),
		"epochs":        res.EpochsRan(),
		"best_epoch":    res.BestEpoch,
		"best_val_loss": res.BestValLoss,
	})
	return res, nil
}

func (t *Trainer) trainEpoch(train *batch.Loader, opt *optim.AdamW) (float64, error) {
	batches := train.Epoch()
	var total float64
	for i, b := range batches {
		pred := t.model.Forward(b.X, true)
		loss, grad := nn.SmoothL1(pred, b.Y, t.opts.LossBeta)
		if err := t.model.Backward(grad); err != nil {
			return 0, fmt.Errorf("backward on batch %d: %w", i, err)
		}
		opt.Step()
		total += loss
		t.logger.Log(context.Background(), logging.LevelTrace, "batch", "probe_set", t.info.ProbeSet, "batch", i, "loss", loss)
	}
	return total / float64(len(batches)), nil
}

func (t *Trainer) validate(val *batch.Loader) (loss, mae float64, err error) {
	batches := val.Epoch()
	var total float64
	var preds, labels []float64
	for _, b := range batches {
		pred := t.model.Forward(b.X, false)
		l, _ := nn.SmoothL1(pred, b.Y, t.opts.LossBeta)
		total += l
		preds = append(preds, pred...)
		labels = append(labels, b.Y...)
	}
	mae, err = evaluate.MAE(labels, evaluate.Clamp(preds))
	if err != nil {
		return 0, 0, fmt.Errorf("validation mae: %w", err)
	}
	return total / float64(len(batches)), mae, nil
}

func (t *Trainer) save(epoch int, valLoss float64) error {
	info := t.info
	info.Epoch = epoch
	info.ValLoss = valLoss
	if err := checkpoint.Save(t.path, t.model, info); err != nil {
		t.logger.Error("checkpoint write failed", "probe_set", info.ProbeSet, "epoch", epoch, "error", err)
		return err
	}
	t.events.Log(map[string]any{"event": "checkpoint", "probe_set": info.ProbeSet, "epoch": epoch, "val_loss": valLoss})
	return nil
}
