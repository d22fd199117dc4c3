package optim

import "math"

// plateauThreshold is the relative improvement a loss must show to count
// as better than the best seen so far.
const plateauThreshold = 1e-4

// Plateau multiplies the learning rate by Factor once the monitored loss
// has failed to improve for more than Patience consecutive epochs.
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best float64
	bad  int
}

// NewPlateau returns a schedule with no loss observed yet.
func NewPlateau(factor float64, patience int, minLR float64) *Plateau {
	return &Plateau{
		Factor:   factor,
		Patience: patience,
		MinLR:    minLR,
		best:     math.Inf(1),
	}
}

// Observe records the epoch's loss and returns the learning rate to use
// from now on.
func (p *Plateau) Observe(loss, lr float64) float64 {
	if loss < p.best*(1-plateauThreshold) {
		p.best = loss
		p.bad = 0
		return lr
	}

	p.bad++
	if p.bad <= p.Patience {
		return lr
	}
	p.bad = 0
	return max(lr*p.Factor, p.MinLR)
}
