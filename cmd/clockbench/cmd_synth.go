package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/dataset"
)

func newSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth <dir>",
		Short: "Generate a synthetic cohort and a config to run it",
		Long: `Generate a synthetic methylation cohort in <dir>: an Arrow beta matrix,
probe and sample id files, a metadata table and a small "clock" probe set.
A clockbench.yaml comparing all probes against the clock probes is written
next to the data.

Examples:
  clockbench synth demo
  clockbench run --config demo/clockbench.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			samples, _ := cmd.Flags().GetInt("samples")
			probes, _ := cmd.Flags().GetInt("probes")
			informative, _ := cmd.Flags().GetInt("informative")
			missing, _ := cmd.Flags().GetFloat64("missing")
			seed, _ := cmd.Flags().GetUint64("seed")

			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			err := dataset.WriteSynthetic(dir, dataset.SynthOptions{
				Samples:     samples,
				Probes:      probes,
				Informative: informative,
				MissingRate: missing,
				Seed:        seed,
			})
			if err != nil {
				return fmt.Errorf("failed to write synthetic cohort: %w", err)
			}

			cfg := synthConfig(seed)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			configPath := filepath.Join(dir, "clockbench.yaml")
			if err := os.WriteFile(configPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"dir":     dir,
					"config":  configPath,
					"samples": samples,
					"probes":  probes,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d samples x %d probes to %s\n", samples, probes, dir)
			fmt.Fprintf(cmd.OutOrStdout(), "Run it with: clockbench run --config %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().Int("samples", 120, "Number of samples")
	cmd.Flags().Int("probes", 200, "Number of probes")
	cmd.Flags().Int("informative", 20, "Probes correlated with age (the clock probe set)")
	cmd.Flags().Float64("missing", 0.05, "Fraction of samples with a missing age")
	cmd.Flags().Uint64("seed", 42, "Random seed")

	return cmd
}

// synthConfig is the run configuration written next to a synthetic cohort.
// Paths are relative so the directory can be moved.
func synthConfig(seed uint64) *config.RunConfig {
	cfg := config.Default()
	cfg.Data.Features = dataset.SynthFeaturesFile
	cfg.Data.ProbeIDs = dataset.SynthProbesFile
	cfg.Data.SampleIDs = dataset.SynthSamplesFile
	cfg.Data.Metadata = dataset.SynthMetadataFile
	cfg.ProbeSets = []config.ProbeSetConfig{
		{Name: "all", All: true},
		{Name: "clock", File: dataset.SynthClockFile},
	}
	cfg.Training.HiddenLayers = []int{32, 16}
	cfg.Seed = seed
	return cfg
}
