package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/report"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/retention"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/store"
)

// openStore opens the results database of the configured output directory.
// It returns nil without error when no run was ever recorded.
func openStore(cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.OutputDir, store.DBFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	return st, nil
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List the runs recorded in <output_dir>/results.db, newest first.

Examples:
  clockbench runs
  clockbench runs --limit 5 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			var runs []store.RunInfo
			if st != nil {
				defer st.Close()
				runs, err = st.ListRuns(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
			}

			if jsonOut {
				if runs == nil {
					runs = []store.RunInfo{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"runs":  runs,
					"count": len(runs),
				})
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded yet.")
				fmt.Fprintln(out, "\nUse 'clockbench run' to start one.")
				return nil
			}
			fmt.Fprintf(out, "%-26s  %-20s  %11s  %6s  %-20s  %8s\n",
				"RUN", "STARTED", "EXPERIMENTS", "FAILED", "BEST", "BEST MAE")
			for _, r := range runs {
				best, mae := "-", "-"
				if r.Best != "" {
					best = r.Best
				}
				if r.BestMAE != nil {
					mae = fmt.Sprintf("%.3f", *r.BestMAE)
				}
				fmt.Fprintf(out, "%-26s  %-20s  %11d  %6d  %-20s  %8s\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Experiments, r.Failures, best, mae)
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")

	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the comparison table of a recorded run",
		Long: `Show the comparison table of a recorded run. With --json the full
document including training histories and test predictions is printed.

Examples:
  clockbench show 20260501-101500-3fa2
  clockbench show 20260501-101500-3fa2 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("run %s not found: no runs recorded", runID)
			}
			defer st.Close()

			sum, err := st.GetRun(cmd.Context(), runID)
			if errors.Is(err, store.ErrRunNotFound) {
				return fmt.Errorf("run %s not found", runID)
			}
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report.NewDocument(sum))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (started %s, %s)\n\n", sum.RunID,
				sum.StartedAt.Local().Format("2006-01-02 15:04:05"), sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
			report.WriteTable(out, sum)
			return nil
		},
	}
}

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old run directories and their records",
		Long: `Delete run directories under <output_dir> that fall outside the retention
policy, together with their rows in results.db. A run is kept when either
--keep or --older-than keeps it.

Examples:
  clockbench prune --keep 10
  clockbench prune --older-than 30d --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			keep, _ := cmd.Flags().GetInt("keep")
			olderThan, _ := cmd.Flags().GetString("older-than")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			var policies []retention.Policy
			if cmd.Flags().Changed("keep") {
				if keep < 0 {
					return fmt.Errorf("--keep must be non-negative")
				}
				policies = append(policies, &retention.CountPolicy{MaxCount: keep})
			}
			if olderThan != "" {
				age, err := retention.ParseDuration(olderThan)
				if err != nil {
					return fmt.Errorf("invalid --older-than: %w", err)
				}
				policies = append(policies, &retention.AgePolicy{MaxAge: age})
			}
			if len(policies) == 0 {
				return fmt.Errorf("one of --keep or --older-than is required")
			}
			var policy retention.Policy = &retention.AnyPolicy{Policies: policies}
			if len(policies) == 1 {
				policy = policies[0]
			}

			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			removed, err := retention.Apply(cfg.OutputDir, policy, dryRun)
			if err != nil {
				return fmt.Errorf("failed to prune runs: %w", err)
			}

			if !dryRun && len(removed) > 0 {
				st, err := openStore(cmd)
				if err != nil {
					return err
				}
				if st != nil {
					defer st.Close()
					for _, r := range removed {
						if err := st.DeleteRun(cmd.Context(), r.ID); err != nil && !errors.Is(err, store.ErrRunNotFound) {
							return fmt.Errorf("failed to delete run record %s: %w", r.ID, err)
						}
					}
				}
			}

			if jsonOut {
				ids := make([]string, 0, len(removed))
				for _, r := range removed {
					ids = append(ids, r.ID)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"removed": ids,
					"count":   len(ids),
					"dry_run": dryRun,
				})
			}

			out := cmd.OutOrStdout()
			if len(removed) == 0 {
				fmt.Fprintln(out, "Nothing to prune.")
				return nil
			}
			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			var freed int64
			for _, r := range removed {
				fmt.Fprintf(out, "  %s  (%s)\n", r.ID, formatSize(r.Size))
				freed += r.Size
			}
			fmt.Fprintf(out, "%s %d run(s), %s\n", verb, len(removed), formatSize(freed))
			return nil
		},
	}

	cmd.Flags().Int("keep", 0, "Keep the N most recent runs")
	cmd.Flags().String("older-than", "", "Keep runs newer than this age (e.g. 30d, 2w, 720h)")
	cmd.Flags().Bool("dry-run", false, "List what would be removed without deleting")

	return cmd
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
