package report

import (
	"fmt"
	"io"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/experiment"
)

// WriteTable prints the comparison table in configuration order. The best
// probe set is marked with '*'.
func WriteTable(w io.Writer, sum *experiment.Summary) {
	width := len("PROBE SET")
	for _, e := range sum.Entries {
		width = max(width, len(e.ProbeSet))
	}

	fmt.Fprintf(w, "  %-*s  %8s  %9s  %7s  %7s  %6s  %s\n",
		width, "PROBE SET", "FEATURES", "MAE", "R2", "CCC", "EPOCHS", "STATUS")
	for _, e := range sum.Entries {
		mark := " "
		if e.ProbeSet == sum.Best && e.OK() {
			mark = "*"
		}

		features, epochs := "-", "-"
		mae, r2, ccc := "-", "-", "-"
		status := "ok"
		if r := e.Result; r != nil {
			features = fmt.Sprintf("%d", r.NFeatures)
			epochs = fmt.Sprintf("%d", r.EpochsRan)
			if r.EpochsRan > 0 {
				status = r.StopReason.String()
			}
			if m := r.Metrics; m != nil {
				mae = fmt.Sprintf("%.3f", m.MAE)
				r2 = fmt.Sprintf("%.3f", m.R2)
				ccc = fmt.Sprintf("%.3f", m.CCC)
			}
		}
		if e.Failure != nil {
			status = fmt.Sprintf("FAILED (%s): %s", e.Failure.Kind, e.Failure.Message)
		}

		fmt.Fprintf(w, "%s %-*s  %8s  %9s  %7s  %7s  %6s  %s\n",
			mark, width, e.ProbeSet, features, mae, r2, ccc, epochs, status)
	}

	if sum.Best != "" {
		fmt.Fprintf(w, "\nBest: %s\n", sum.Best)
	} else {
		fmt.Fprintf(w, "\nNo probe set produced metrics.\n")
	}
}
