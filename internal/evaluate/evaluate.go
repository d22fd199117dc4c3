// Package evaluate scores a trained checkpoint on the test partition.
package evaluate

import (
	"fmt"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/batch"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
)

// Pair is one test sample's label and clamped prediction.
type Pair struct {
	Actual    float64 `json:"actual"`
	Predicted float64 `json:"predicted"`
}

// Result is the evaluation of one checkpoint.
type Result struct {
	Metrics
	Predictions []Pair `json:"predictions"`
}

// ModelFactory builds a fresh, untrained model with the trained
// architecture.
type ModelFactory func() (nn.Model, error)

// Evaluate loads the checkpoint at path into a fresh model, predicts every
// test batch in order and scores the clamped predictions. Checkpoint
// failures are returned as *checkpoint.IOError.
func Evaluate(path string, newModel ModelFactory, test *batch.Loader) (*Result, error) {
	model, err := newModel()
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	if _, err := checkpoint.Load(path, model); err != nil {
		return nil, err
	}

	var preds, labels []float64
	for _, b := range test.Epoch() {
		preds = append(preds, model.Forward(b.X, false)...)
		labels = append(labels, b.Y...)
	}
	preds = Clamp(preds)

	metrics, err := Compute(labels, preds)
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, len(preds))
	for i := range preds {
		pairs[i] = Pair{Actual: labels[i], Predicted: preds[i]}
	}
	return &Result{Metrics: metrics, Predictions: pairs}, nil
}
