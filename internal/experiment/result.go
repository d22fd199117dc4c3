package experiment

import (
	"errors"
	"math"
	"time"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/dataset"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/trainer"
)

// FailureKind classifies why an experiment did not produce metrics.
type FailureKind string

const (
	KindAlignment          FailureKind = "alignment"
	KindDegenerateFeatures FailureKind = "degenerate_features"
	KindCheckpointIO       FailureKind = "checkpoint_io"
	KindConfiguration      FailureKind = "configuration"
	KindInput              FailureKind = "input"
	KindInternal           FailureKind = "internal"
)

// Failure describes a failed experiment.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Classify maps an experiment error onto a FailureKind.
func Classify(err error) FailureKind {
	var (
		alignErr  *dataset.AlignmentError
		degenErr  *dataset.DegenerateFeatureError
		ckptErr   *checkpoint.IOError
		configErr *config.ConfigurationError
		inputErr  *InputError
	)
	switch {
	case errors.As(err, &alignErr):
		return KindAlignment
	case errors.As(err, &degenErr):
		return KindDegenerateFeatures
	case errors.As(err, &ckptErr):
		return KindCheckpointIO
	case errors.As(err, &configErr):
		return KindConfiguration
	case errors.As(err, &inputErr):
		return KindInput
	default:
		return KindInternal
	}
}

// InputError reports an input file belonging to a single experiment, such as
// its probe-set list, that could not be read.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return "reading " + e.Path + ": " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// SplitSizes records how many samples landed in each partition.
type SplitSizes struct {
	Train int `json:"train"`
	Val   int `json:"val"`
	Test  int `json:"test"`
}

// Result is everything one probe-set experiment produced. Metrics and
// Predictions are nil when evaluation was unavailable.
type Result struct {
	ProbeSet    string            `json:"probe_set"`
	NFeatures   int               `json:"n_features"`
	NSamples    int               `json:"n_samples"`
	Split       SplitSizes        `json:"split"`
	Degenerate  int               `json:"degenerate_features"`
	Metrics     *evaluate.Metrics `json:"metrics,omitempty"`
	EpochsRan   int               `json:"epochs_ran"`
	StopReason  trainer.State     `json:"stop_reason"`
	BestEpoch   int               `json:"best_epoch"`
	BestValLoss float64           `json:"best_val_loss"`
	History     []trainer.Record  `json:"history"`
	Predictions []evaluate.Pair   `json:"predictions,omitempty"`
	Checkpoint  string            `json:"checkpoint,omitempty"`
	Duration    time.Duration     `json:"duration_ns"`
}

// Entry is one row of the comparison table. Failure is nil on success.
// A failed entry may still carry a partial Result when training ran but
// evaluation did not.
type Entry struct {
	ProbeSet string   `json:"probe_set"`
	Result   *Result  `json:"result,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// OK reports whether the entry has evaluation metrics.
func (e Entry) OK() bool {
	return e.Failure == nil && e.Result != nil && e.Result.Metrics != nil
}

// Summary is the outcome of a run over every configured probe set.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Entries follow probe-set configuration order.
	Entries []Entry `json:"entries"`
	// Best names the successful probe set with the lowest MAE, or is empty.
	Best string `json:"best,omitempty"`
}

// BestEntry returns the successful entry with minimum MAE. Ties keep the
// earlier entry; a NaN MAE only wins when no entry has a number.
func BestEntry(entries []Entry) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if !e.OK() {
			continue
		}
		mae, bestMAE := e.Result.Metrics.MAE, best.Result.Metrics.MAE
		if !found || mae < bestMAE || (math.IsNaN(bestMAE) && !math.IsNaN(mae)) {
			best = e
			found = true
		}
	}
	return best, found
}

// Failures counts failed entries.
func (s *Summary) Failures() int {
	n := 0
	for _, e := range s.Entries {
		if e.Failure != nil {
			n++
		}
	}
	return n
}
