package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/config"
)

// loadConfig reads the --config file. When optional is set a missing file
// falls back to defaults plus environment overrides, which is enough for
// commands that only need the output directory.
func loadConfig(cmd *cobra.Command, optional bool) (*config.RunConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if optional {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
