// Package config provides configuration loading for clockbench runs.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/pathutil"
	"gopkg.in/yaml.v3"
)

// splitTolerance is how far the split proportions may drift from summing to 1.
const splitTolerance = 1e-6

// ConfigurationError reports an invalid configuration detected before any
// experiment runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RunConfig contains every setting of a clockbench run. It is built once at
// startup and treated as read-only afterwards.
type RunConfig struct {
	// Data locates the raw inputs shared by every probe-set experiment.
	Data DataConfig `json:"data" yaml:"data"`

	// ProbeSets lists the experiments in the order they run and are reported.
	ProbeSets []ProbeSetConfig `json:"probe_sets" yaml:"probe_sets"`

	// Training holds the fixed optimization schedule.
	Training TrainingConfig `json:"training" yaml:"training"`

	// Split holds the train/validation/test proportions.
	Split SplitConfig `json:"split" yaml:"split"`

	// Seed drives splitting, weight initialization, dropout and shuffling.
	Seed uint64 `json:"seed" yaml:"seed"`

	// Device selects the compute device: "auto" or "cpu".
	Device string `json:"device" yaml:"device"`

	// Workers bounds the goroutines used for column-parallel statistics.
	Workers int `json:"workers" yaml:"workers"`

	// OutputDir receives the results database and one directory per run.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configures the Prometheus textfile export.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// DataConfig points at the feature matrix and its identifier arrays.
type DataConfig struct {
	// Features is an Arrow IPC file holding the dense intensity matrix.
	Features string `json:"features" yaml:"features"`

	// ProbeIDs and SampleIDs are parallel identifier arrays for the matrix axes.
	ProbeIDs  string `json:"probe_ids" yaml:"probe_ids"`
	SampleIDs string `json:"sample_ids" yaml:"sample_ids"`

	// Metadata is a CSV table keyed by sample id.
	Metadata string `json:"metadata" yaml:"metadata"`

	// SampleColumn and LabelColumn name the metadata columns used for the join.
	SampleColumn string `json:"sample_column" yaml:"sample_column"`
	LabelColumn  string `json:"label_column" yaml:"label_column"`

	// Orientation is "samples_by_probes", "probes_by_samples" or "auto".
	Orientation string `json:"orientation" yaml:"orientation"`
}

// ProbeSetConfig maps a probe-set name to a newline-delimited id file,
// or to every probe when All is set.
type ProbeSetConfig struct {
	Name string `json:"name" yaml:"name"`
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	All  bool   `json:"all,omitempty" yaml:"all,omitempty"`
}

// TrainingConfig is the fixed training schedule.
type TrainingConfig struct {
	Epochs       int       `json:"epochs" yaml:"epochs"`
	BatchSize    int       `json:"batch_size" yaml:"batch_size"`
	LearningRate float64   `json:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64   `json:"weight_decay" yaml:"weight_decay"`
	Patience     int       `json:"patience" yaml:"patience"`
	Dropout      float64   `json:"dropout" yaml:"dropout"`
	HiddenLayers []int     `json:"hidden_layers" yaml:"hidden_layers"`
	Scheduler    Scheduler `json:"scheduler" yaml:"scheduler"`
}

// Scheduler configures the plateau learning-rate scheduler.
type Scheduler struct {
	Factor   float64 `json:"factor" yaml:"factor"`
	Patience int     `json:"patience" yaml:"patience"`
	MinLR    float64 `json:"min_lr" yaml:"min_lr"`
}

// SplitConfig holds the partition proportions.
type SplitConfig struct {
	Train float64 `json:"train" yaml:"train"`
	Val   float64 `json:"val" yaml:"val"`
	Test  float64 `json:"test" yaml:"test"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the training event log (events.jsonl) in the run directory.
	Level string `json:"level" yaml:"level"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// Textfile, when set, receives run gauges in Prometheus text format.
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty"`
}

// Default returns a RunConfig with sensible defaults.
func Default() *RunConfig {
	return &RunConfig{
		Data: DataConfig{
			SampleColumn: "sample_id",
			LabelColumn:  "age",
			Orientation:  "auto",
		},
		Training: TrainingConfig{
			Epochs:       200,
			BatchSize:    32,
			LearningRate: 1e-3,
			WeightDecay:  1e-4,
			Patience:     15,
			Dropout:      0.2,
			HiddenLayers: []int{256, 64},
			Scheduler: Scheduler{
				Factor:   0.5,
				Patience: 5,
				MinLR:    1e-6,
			},
		},
		Split: SplitConfig{
			Train: 0.7,
			Val:   0.15,
			Test:  0.15,
		},
		Seed:      42,
		Device:    "auto",
		Workers:   runtime.NumCPU(),
		OutputDir: "clockbench-out",
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from path (defaults when path is empty) and then
// applies environment variable overrides.
// Order: defaults -> config file -> environment variables
func Load(path string) (*RunConfig, error) {
	config := Default()
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file. Relative data
// and probe-set paths are resolved against the file's directory.
func LoadFromFile(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	base := filepath.Dir(path)
	config.Data.Features = pathutil.Resolve(base, config.Data.Features)
	config.Data.ProbeIDs = pathutil.Resolve(base, config.Data.ProbeIDs)
	config.Data.SampleIDs = pathutil.Resolve(base, config.Data.SampleIDs)
	config.Data.Metadata = pathutil.Resolve(base, config.Data.Metadata)
	for i := range config.ProbeSets {
		config.ProbeSets[i].File = pathutil.Resolve(base, config.ProbeSets[i].File)
	}

	return config, nil
}

// Validate checks that the configuration is valid. Every failure is a
// *ConfigurationError.
func (c *RunConfig) Validate() error {
	s := c.Split
	for _, p := range []struct {
		name string
		v    float64
	}{{"split.train", s.Train}, {"split.val", s.Val}, {"split.test", s.Test}} {
		if !(p.v > 0 && p.v < 1) {
			return invalid(p.name, "must be between 0 and 1 exclusive, got %g", p.v)
		}
	}
	if sum := s.Train + s.Val + s.Test; math.Abs(sum-1) > splitTolerance {
		return invalid("split", "proportions must sum to 1, got %g", sum)
	}

	t := c.Training
	if t.Epochs <= 0 {
		return invalid("training.epochs", "must be positive, got %d", t.Epochs)
	}
	if t.BatchSize <= 0 {
		return invalid("training.batch_size", "must be positive, got %d", t.BatchSize)
	}
	if t.Patience <= 0 {
		return invalid("training.patience", "must be positive, got %d", t.Patience)
	}
	if !(t.LearningRate > 0) {
		return invalid("training.learning_rate", "must be positive, got %g", t.LearningRate)
	}
	if t.WeightDecay < 0 {
		return invalid("training.weight_decay", "must be non-negative, got %g", t.WeightDecay)
	}
	if t.Dropout < 0 || t.Dropout >= 1 {
		return invalid("training.dropout", "must be in [0, 1), got %g", t.Dropout)
	}
	for _, h := range t.HiddenLayers {
		if h <= 0 {
			return invalid("training.hidden_layers", "layer widths must be positive, got %d", h)
		}
	}
	if !(t.Scheduler.Factor > 0 && t.Scheduler.Factor < 1) {
		return invalid("training.scheduler.factor", "must be between 0 and 1 exclusive, got %g", t.Scheduler.Factor)
	}
	if t.Scheduler.Patience < 0 {
		return invalid("training.scheduler.patience", "must be non-negative, got %d", t.Scheduler.Patience)
	}
	if t.Scheduler.MinLR < 0 {
		return invalid("training.scheduler.min_lr", "must be non-negative, got %g", t.Scheduler.MinLR)
	}

	if len(c.ProbeSets) == 0 {
		return invalid("probe_sets", "at least one probe set is required")
	}
	seen := make(map[string]bool, len(c.ProbeSets))
	for i, ps := range c.ProbeSets {
		field := fmt.Sprintf("probe_sets[%d]", i)
		if strings.TrimSpace(ps.Name) == "" {
			return invalid(field, "name is required")
		}
		if seen[ps.Name] {
			return invalid(field, "duplicate probe set name %q", ps.Name)
		}
		seen[ps.Name] = true
		if ps.All == (ps.File != "") {
			return invalid(field, "exactly one of file or all must be set for %q", ps.Name)
		}
	}

	validOrientations := map[string]bool{"auto": true, "samples_by_probes": true, "probes_by_samples": true}
	if !validOrientations[c.Data.Orientation] {
		return invalid("data.orientation", "%q (valid: auto, samples_by_probes, probes_by_samples)", c.Data.Orientation)
	}
	if c.Data.SampleColumn == "" || c.Data.LabelColumn == "" {
		return invalid("data", "sample_column and label_column are required")
	}

	validDevices := map[string]bool{"auto": true, "cpu": true}
	if !validDevices[c.Device] {
		return invalid("device", "%q is not available (valid: auto, cpu)", c.Device)
	}
	if c.Workers <= 0 {
		return invalid("workers", "must be positive, got %d", c.Workers)
	}
	if c.OutputDir == "" {
		return invalid("output_dir", "is required")
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return invalid("logging.level", "%q (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Malformed numeric values are configuration errors rather than being ignored.
func applyEnvOverrides(config *RunConfig) error {
	intVar := func(name string, dst *int) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(name, "not an integer: %q", v)
		}
		*dst = n
		return nil
	}

	if err := intVar("CLOCK_EPOCHS", &config.Training.Epochs); err != nil {
		return err
	}
	if err := intVar("CLOCK_BATCH_SIZE", &config.Training.BatchSize); err != nil {
		return err
	}
	if err := intVar("CLOCK_WORKERS", &config.Workers); err != nil {
		return err
	}

	if v := os.Getenv("CLOCK_LEARNING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return invalid("CLOCK_LEARNING_RATE", "not a number: %q", v)
		}
		config.Training.LearningRate = f
	}

	if v := os.Getenv("CLOCK_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return invalid("CLOCK_SEED", "not an unsigned integer: %q", v)
		}
		config.Seed = n
	}

	if v := os.Getenv("CLOCK_DEVICE"); v != "" {
		config.Device = strings.ToLower(v)
	}

	if v := os.Getenv("CLOCK_OUTPUT_DIR"); v != "" {
		config.OutputDir = v
	}

	if v := os.Getenv("CLOCK_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	return nil
}

// Template is the commented starter configuration written by `clockbench init`.
const Template = `# clockbench run configuration
data:
  features: data/betas.arrow        # Arrow IPC file, float64 columns
  probe_ids: data/probes.txt        # one probe id per line
  sample_ids: data/samples.txt      # one sample id per line
  metadata: data/metadata.csv
  sample_column: sample_id
  label_column: age
  orientation: auto                 # auto | samples_by_probes | probes_by_samples

probe_sets:
  - name: all
    all: true
  # - name: horvath
  #   file: probesets/horvath.txt

training:
  epochs: 200
  batch_size: 32
  learning_rate: 0.001
  weight_decay: 0.0001
  patience: 15
  dropout: 0.2
  hidden_layers: [256, 64]
  scheduler:
    factor: 0.5
    patience: 5
    min_lr: 0.000001

split:
  train: 0.7
  val: 0.15
  test: 0.15

seed: 42
device: auto
output_dir: clockbench-out

logging:
  level: info
`
