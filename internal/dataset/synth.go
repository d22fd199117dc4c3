package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"
)

// SynthOptions controls a synthetic methylation cohort.
type SynthOptions struct {
	Samples     int
	Probes      int
	Informative int     // probes whose intensity tracks age
	MissingRate float64 // fraction of samples written with an NA label
	Seed        uint64
}

// Bundle file names written by WriteSynthetic.
const (
	SynthFeaturesFile = "betas.arrow"
	SynthProbesFile   = "probes.txt"
	SynthSamplesFile  = "samples.txt"
	SynthMetadataFile = "metadata.csv"
	SynthClockFile    = "clock_probes.txt"
)

type synthRow struct {
	SampleID string `csv:"sample_id"`
	Age      string `csv:"age"`
}

// WriteSynthetic writes a synthetic cohort into dir: a probes x samples beta
// matrix, the two id arrays, a metadata table whose ids differ from the
// matrix ids in case and padding, and a probe-set file listing the
// informative probes.
func WriteSynthetic(dir string, opts SynthOptions) error {
	if opts.Samples <= 0 || opts.Probes <= 0 {
		return fmt.Errorf("samples and probes must be positive")
	}
	if opts.Informative > opts.Probes {
		opts.Informative = opts.Probes
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	probeIDs := make([]string, opts.Probes)
	for j := range probeIDs {
		probeIDs[j] = fmt.Sprintf("cg%08d", j+1)
	}
	sampleIDs := make([]string, opts.Samples)
	for i := range sampleIDs {
		sampleIDs[i] = fmt.Sprintf("GSM%06d", i+1)
	}

	ages := make([]float64, opts.Samples)
	for i := range ages {
		ages[i] = rng.Float64() * 100
	}

	slope := make([]float64, opts.Probes)
	offset := make([]float64, opts.Probes)
	for j := range slope {
		offset[j] = rng.NormFloat64()
		if j < opts.Informative {
			slope[j] = (rng.Float64()*2 - 1) * 1.5
		}
	}

	// Stored probes x samples, the layout most array exports use.
	betas := mat.NewDense(opts.Probes, opts.Samples, nil)
	for j := 0; j < opts.Probes; j++ {
		for i := 0; i < opts.Samples; i++ {
			z := offset[j] + slope[j]*(ages[i]-50)/25 + 0.3*rng.NormFloat64()
			betas.Set(j, i, 1/(1+math.Exp(-z)))
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := WriteDenseArray(filepath.Join(dir, SynthFeaturesFile), betas, sampleIDs); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, SynthProbesFile), probeIDs); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, SynthSamplesFile), sampleIDs); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, SynthClockFile), probeIDs[:opts.Informative]); err != nil {
		return err
	}

	rows := make([]*synthRow, opts.Samples)
	for i, id := range sampleIDs {
		age := strconv.FormatFloat(ages[i], 'f', 2, 64)
		if rng.Float64() < opts.MissingRate {
			age = "NA"
		}
		rows[i] = &synthRow{SampleID: " " + strings.ToLower(id) + " ", Age: age}
	}
	f, err := os.Create(filepath.Join(dir, SynthMetadataFile))
	if err != nil {
		return fmt.Errorf("creating metadata: %w", err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return f.Close()
}

func writeLines(path string, lines []string) error {
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
