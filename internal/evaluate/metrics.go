package evaluate

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// Metrics are the summary scores of one experiment's test predictions.
type Metrics struct {
	MAE float64 `json:"mae"`
	R2  float64 `json:"r2"`
	CCC float64 `json:"ccc"`
}

// Clamp returns a copy of preds with negative values replaced by zero.
func Clamp(preds []float64) []float64 {
	out := make([]float64, len(preds))
	for i, p := range preds {
		out[i] = max(p, 0)
	}
	return out
}

// MAE returns the mean absolute error between actual and predicted.
func MAE(actual, predicted []float64) (float64, error) {
	if err := checkLengths(actual, predicted); err != nil {
		return 0, err
	}
	abs := make(stats.Float64Data, len(actual))
	for i := range actual {
		abs[i] = math.Abs(actual[i] - predicted[i])
	}
	return stats.Mean(abs)
}

// R2 returns the coefficient of determination. When the labels are
// constant it is 1 for a perfect fit and 0 otherwise.
func R2(actual, predicted []float64) (float64, error) {
	if err := checkLengths(actual, predicted); err != nil {
		return 0, err
	}
	mean, err := stats.Mean(actual)
	if err != nil {
		return 0, err
	}
	var ssRes, ssTot float64
	for i, a := range actual {
		d := a - predicted[i]
		ssRes += d * d
		ssTot += (a - mean) * (a - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// CCC returns Lin's concordance correlation coefficient using population
// moments. When both series are constant it is 1 if they are equal and 0
// otherwise.
func CCC(actual, predicted []float64) (float64, error) {
	if err := checkLengths(actual, predicted); err != nil {
		return 0, err
	}
	a, p := stats.Float64Data(actual), stats.Float64Data(predicted)

	meanA, err := a.Mean()
	if err != nil {
		return 0, err
	}
	meanP, err := p.Mean()
	if err != nil {
		return 0, err
	}
	varA, err := a.PopulationVariance()
	if err != nil {
		return 0, err
	}
	varP, err := p.PopulationVariance()
	if err != nil {
		return 0, err
	}
	cov, err := stats.CovariancePopulation(a, p)
	if err != nil {
		return 0, err
	}

	denom := varA + varP + (meanA-meanP)*(meanA-meanP)
	if denom == 0 {
		return 1, nil
	}
	return 2 * cov / denom, nil
}

// Compute returns all three metrics.
func Compute(actual, predicted []float64) (Metrics, error) {
	mae, err := MAE(actual, predicted)
	if err != nil {
		return Metrics{}, fmt.Errorf("computing mae: %w", err)
	}
	r2, err := R2(actual, predicted)
	if err != nil {
		return Metrics{}, fmt.Errorf("computing r2: %w", err)
	}
	ccc, err := CCC(actual, predicted)
	if err != nil {
		return Metrics{}, fmt.Errorf("computing ccc: %w", err)
	}
	return Metrics{MAE: mae, R2: r2, CCC: ccc}, nil
}

func checkLengths(actual, predicted []float64) error {
	if len(actual) == 0 {
		return fmt.Errorf("no predictions to score")
	}
	if len(actual) != len(predicted) {
		return fmt.Errorf("%d labels but %d predictions", len(actual), len(predicted))
	}
	return nil
}
