package dataset

import (
	"fmt"
)

// Paths locates the three arrays that make up a raw feature matrix.
type Paths struct {
	Features    string
	ProbeIDs    string
	SampleIDs   string
	Orientation string
}

// LoadRaw loads the feature matrix and its identifier arrays and normalizes
// the matrix to samples x probes.
func LoadRaw(p Paths) (*Raw, error) {
	values, err := LoadDenseArray(p.Features)
	if err != nil {
		return nil, err
	}
	probeIDs, err := LoadStringArray(p.ProbeIDs)
	if err != nil {
		return nil, fmt.Errorf("loading probe ids: %w", err)
	}
	sampleIDs, err := LoadStringArray(p.SampleIDs)
	if err != nil {
		return nil, fmt.Errorf("loading sample ids: %w", err)
	}
	return Orient(values, sampleIDs, probeIDs, p.Orientation)
}
