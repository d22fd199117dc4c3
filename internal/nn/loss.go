package nn

import "math"

// SmoothL1 returns the mean smooth-L1 (Huber) loss between pred and target
// and its gradient with respect to pred. Errors below beta are penalized
// quadratically, larger ones linearly.
func SmoothL1(pred, target []float64, beta float64) (float64, []float64) {
	n := float64(len(pred))
	grad := make([]float64, len(pred))
	var loss float64
	for i, p := range pred {
		d := p - target[i]
		ad := math.Abs(d)
		if ad < beta {
			loss += 0.5 * d * d / beta
			grad[i] = d / beta / n
		} else {
			loss += ad - 0.5*beta
			grad[i] = math.Copysign(1, d) / n
		}
	}
	return loss / n, grad
}
