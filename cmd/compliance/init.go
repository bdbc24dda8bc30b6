package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .compliance directory and a default config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := projectDir(cmd)
			if err != nil {
				return err
			}
			if err := config.InitDir(project); err != nil {
				return fmt.Errorf("init %s: %w", config.Dir, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", filepath.Join(project, config.Dir))
			return nil
		},
	}
}
