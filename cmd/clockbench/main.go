package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clockbench",
		Short: "Compare epigenetic age clocks across probe sets",
		Long: `clockbench trains one age-regression network per configured probe set on
the same methylation cohort and reports MAE, R2 and CCC on a held-out test
split so the probe sets can be compared side by side.

Runs are written to <output_dir>/<run-id>/ and recorded in <output_dir>/results.db.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "clockbench.yaml", "Path to the run configuration")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		newSynthCmd(),
		newRunCmd(),
		newRunsCmd(),
		newShowCmd(),
		newPruneCmd(),
		newCheckpointCmd(),
	)

	return rootCmd
}
