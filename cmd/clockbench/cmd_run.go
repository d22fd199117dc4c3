package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/experiment"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/logging"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/metrics"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/report"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train and evaluate one model per probe set",
		Long: `Run every configured probe set as an independent experiment on the same
cohort and print the comparison table. A failing probe set is reported and
the remaining ones still run.

Artifacts are written to <output_dir>/<run-id>/ and the run is recorded in
<output_dir>/results.db. Ctrl+C stops the run after the current experiment.

Examples:
  clockbench run
  clockbench run --config demo/clockbench.yaml --probe-set clock --epochs 50
  clockbench run --json > results.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			runID, _ := cmd.Flags().GetString("run-id")
			if runID == "" {
				runID = newRunID(time.Now())
			}
			if runID != filepath.Base(runID) || runID == "." || runID == ".." {
				return fmt.Errorf("invalid run id %q", runID)
			}
			runDir := filepath.Join(cfg.OutputDir, runID)
			if _, err := os.Stat(runDir); err == nil {
				return fmt.Errorf("run %s already exists in %s", runID, cfg.OutputDir)
			}
			if err := os.MkdirAll(runDir, 0755); err != nil {
				return fmt.Errorf("failed to create run directory: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
			events := logging.NewEventLogger(runDir, cfg.Logging.Level)
			defer events.Close()

			logger.Info("loading inputs", "features", cfg.Data.Features)
			in, err := experiment.LoadInputs(cfg.Data)
			if err != nil {
				return fmt.Errorf("failed to load inputs: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			notifySignals(sigCh)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					logger.Warn("interrupt received, stopping after the current experiment")
					cancel()
				case <-ctx.Done():
				}
			}()

			runner := experiment.NewRunner(*cfg, runDir)
			runner.SetLogger(logger)
			runner.SetEventLogger(events)

			sum, runErr := runner.Run(ctx, runID, in)
			if err := saveRun(cfg, runDir, sum); err != nil {
				return err
			}

			if jsonOut {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report.NewDocument(sum)); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Run %s (%d probe sets)\n\n", runID, len(sum.Entries))
				report.WriteTable(out, sum)
				fmt.Fprintf(out, "\nResults: %s\n", runDir)
			}

			if runErr != nil {
				return fmt.Errorf("run stopped early: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run identifier (default: timestamp based)")
	cmd.Flags().Int("epochs", 0, "Override training.epochs")
	cmd.Flags().Uint64("seed", 0, "Override the run seed")
	cmd.Flags().StringSlice("probe-set", nil, "Only run the named probe sets (repeatable)")

	return cmd
}

// applyRunFlags applies command-line overrides on top of file and
// environment settings.
func applyRunFlags(cmd *cobra.Command, cfg *config.RunConfig) error {
	if cmd.Flags().Changed("epochs") {
		cfg.Training.Epochs, _ = cmd.Flags().GetInt("epochs")
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed, _ = cmd.Flags().GetUint64("seed")
	}

	only, _ := cmd.Flags().GetStringSlice("probe-set")
	if len(only) == 0 {
		return nil
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		want[name] = true
	}
	var kept []config.ProbeSetConfig
	for _, ps := range cfg.ProbeSets {
		if want[ps.Name] {
			kept = append(kept, ps)
			delete(want, ps.Name)
		}
	}
	if len(want) > 0 {
		var missing []string
		for _, name := range only {
			if want[name] {
				missing = append(missing, name)
			}
		}
		return &config.ConfigurationError{
			Field:  "probe_sets",
			Reason: fmt.Sprintf("unknown probe set(s): %s", strings.Join(missing, ", ")),
		}
	}
	cfg.ProbeSets = kept
	return nil
}

// saveRun writes the run artifacts, records the run in the results
// database and exports metrics when configured.
func saveRun(cfg *config.RunConfig, runDir string, sum *experiment.Summary) error {
	if err := report.WriteAll(runDir, sum); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.OutputDir, store.DBFile))
	if err != nil {
		return fmt.Errorf("failed to open results database: %w", err)
	}
	defer st.Close()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// The run context may already be canceled; the record is still saved.
	if err := st.SaveRun(context.Background(), sum, string(cfgJSON)); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if cfg.Metrics.Textfile != "" {
		rec := metrics.NewRecorder()
		rec.Observe(sum)
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
	}
	return nil
}

// newRunID returns a sortable UTC timestamp with a short random suffix.
func newRunID(now time.Time) string {
	return fmt.Sprintf("%s-%04x", now.UTC().Format("20060102-150405"), rand.Uint32()&0xffff)
}
