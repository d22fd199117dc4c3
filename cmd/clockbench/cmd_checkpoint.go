package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/checkpoint"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect model checkpoints",
	}
	cmd.AddCommand(newCheckpointVerifyCmd())
	return cmd
}

func newCheckpointVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify checkpoint file integrity",
		Long: `Verify a checkpoint by checking its format version and SHA-256 checksum
without loading it into a model.

Examples:
  clockbench checkpoint verify clockbench-out/20260501-101500-3fa2/checkpoints/clock.ckpt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			out := cmd.OutOrStdout()

			header, err := checkpoint.Verify(filePath)
			if err != nil {
				if jsonOut {
					json.NewEncoder(out).Encode(map[string]any{
						"file":    filePath,
						"valid":   false,
						"error":   err.Error(),
						"message": "Checkpoint verification FAILED",
					})
				} else {
					fmt.Fprintf(out, "FAILED: %v\n", err)
					fmt.Fprintf(out, "  File: %s\n", filePath)
				}
				return fmt.Errorf("checkpoint verification failed")
			}

			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]any{
					"file":        filePath,
					"valid":       true,
					"version":     header.Version,
					"probe_set":   header.ProbeSet,
					"epoch":       header.Epoch,
					"val_loss":    header.ValLoss,
					"param_count": header.ParamCount,
					"arch":        header.Arch,
					"checksum":    header.Checksum,
					"message":     "Checksum OK",
				})
			}

			fmt.Fprintf(out, "OK: checksum verified\n")
			fmt.Fprintf(out, "  File:      %s\n", filePath)
			fmt.Fprintf(out, "  Probe set: %s\n", header.ProbeSet)
			fmt.Fprintf(out, "  Epoch:     %d (val loss %.4f)\n", header.Epoch, header.ValLoss)
			fmt.Fprintf(out, "  Params:    %d tensors, inputs %d, hidden %v\n",
				header.ParamCount, header.Arch.Inputs, header.Arch.Hidden)
			return nil
		},
	}
}
