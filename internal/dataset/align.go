package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Orientations of a raw feature matrix.
const (
	OrientationAuto            = "auto"
	OrientationSamplesByProbes = "samples_by_probes"
	OrientationProbesBySamples = "probes_by_samples"
)

// Raw is a feature matrix normalized to samples x probes together with its
// axis identifiers.
type Raw struct {
	SampleIDs []string
	ProbeIDs  []string
	X         *mat.Dense
}

// Orient checks the matrix against its identifier arrays and transposes it
// when needed so that rows are samples. With OrientationAuto the matrix is
// transposed when its row count matches the probe count but not the sample
// count.
func Orient(values *mat.Dense, sampleIDs, probeIDs []string, orientation string) (*Raw, error) {
	rows, cols := values.Dims()
	ns, np := len(sampleIDs), len(probeIDs)

	transpose := false
	switch orientation {
	case OrientationSamplesByProbes:
	case OrientationProbesBySamples:
		transpose = true
	case OrientationAuto, "":
		transpose = rows == np && cols == ns && rows != ns
	default:
		return nil, fmt.Errorf("unknown orientation %q", orientation)
	}

	x := values
	if transpose {
		x = mat.DenseCopyOf(values.T())
		rows, cols = cols, rows
	}
	if rows != ns || cols != np {
		return nil, &AlignmentError{Reason: fmt.Sprintf(
			"feature matrix is %dx%d after orientation but there are %d sample ids and %d probe ids",
			rows, cols, ns, np)}
	}

	return &Raw{SampleIDs: sampleIDs, ProbeIDs: probeIDs, X: x}, nil
}

// Aligned is the training-ready view of one probe-set experiment: row i of X
// is the sample SampleIDs[i] with label Y[i].
type Aligned struct {
	SampleIDs []string
	ProbeIDs  []string
	X         *mat.Dense
	Y         []float64
}

// AlignStats counts what alignment dropped.
type AlignStats struct {
	Unmatched    int
	MissingLabel int
	Duplicates   int
}

// Align joins the raw matrix with metadata and restricts its columns to the
// probe set. Row order follows the feature matrix; column order follows the
// probe-id array. Samples without a metadata match or without a label are
// dropped, as are later repeats of a normalized sample id.
func Align(raw *Raw, meta *Metadata, probes ProbeSet) (*Aligned, AlignStats, error) {
	var stats AlignStats

	seen := make(map[string]bool, len(raw.SampleIDs))
	var rowIdx []int
	var y []float64
	for i, id := range raw.SampleIDs {
		key := NormalizeID(id)
		if seen[key] {
			stats.Duplicates++
			continue
		}
		seen[key] = true

		label, ok := meta.Lookup(key)
		if !ok {
			stats.Unmatched++
			continue
		}
		if !label.Valid {
			stats.MissingLabel++
			continue
		}
		rowIdx = append(rowIdx, i)
		y = append(y, label.Value)
	}
	if len(rowIdx) == 0 {
		return nil, stats, &AlignmentError{Reason: fmt.Sprintf(
			"no samples with a usable label (%d samples, %d without metadata, %d with missing label)",
			len(raw.SampleIDs), stats.Unmatched, stats.MissingLabel)}
	}

	var colIdx []int
	for j, id := range raw.ProbeIDs {
		if probes.Contains(id) {
			colIdx = append(colIdx, j)
		}
	}
	if len(colIdx) == 0 {
		return nil, stats, &DegenerateFeatureError{ProbeSet: probes.Name, Requested: probes.Size()}
	}

	x := mat.NewDense(len(rowIdx), len(colIdx), nil)
	for r, i := range rowIdx {
		for c, j := range colIdx {
			x.Set(r, c, raw.X.At(i, j))
		}
	}

	sampleIDs := make([]string, len(rowIdx))
	for r, i := range rowIdx {
		sampleIDs[r] = raw.SampleIDs[i]
	}
	probeIDs := make([]string, len(colIdx))
	for c, j := range colIdx {
		probeIDs[c] = raw.ProbeIDs[j]
	}

	return &Aligned{SampleIDs: sampleIDs, ProbeIDs: probeIDs, X: x, Y: y}, stats, nil
}
