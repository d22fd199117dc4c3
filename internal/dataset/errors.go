package dataset

import "fmt"

// AlignmentError reports that joining the feature matrix with the metadata
// left no usable samples, or that the inputs disagree on shape.
type AlignmentError struct {
	Reason string
}

func (e *AlignmentError) Error() string {
	return "alignment failed: " + e.Reason
}

// DegenerateFeatureError reports that a probe-set restriction selected no
// feature columns.
type DegenerateFeatureError struct {
	ProbeSet  string
	Requested int
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("probe set %q selects 0 features (%d ids requested, none present in the feature matrix)",
		e.ProbeSet, e.Requested)
}
