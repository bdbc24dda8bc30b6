package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/runners"
	"github.com/kingrea/lattice-compliance/plugins"
)

// newExecRunnerCmd exposes a built-in producer over the external runner
// protocol: an ExecRequest on stdin, a Finding on stdout. Runner definitions
// under .compliance/runners can point their command at it.
func newExecRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "exec-runner",
		Short:  "Run a built-in producer over the external runner protocol",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, _ := cmd.Flags().GetString("role")
			role = strings.TrimSpace(role)
			if role == "" {
				return errors.New("--role is required")
			}
			payload, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}
			task, view, err := plugins.DecodeExecRequest(payload)
			if err != nil {
				return &exitError{code: plugins.ExitPermanent, err: err}
			}
			reg := runner.NewRegistry()
			runners.RegisterBuiltins(reg)
			producer, err := reg.Resolve(role, nil)
			if err != nil {
				return &exitError{code: plugins.ExitPermanent, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			finding, err := producer.Execute(ctx, task, view)
			if err != nil {
				if runner.IsPermanent(err) {
					return &exitError{code: plugins.ExitPermanent, err: err}
				}
				return &exitError{code: 1, err: err}
			}
			// The calling definition's role owns the finding.
			if task.Role != "" {
				finding.Producer = task.Role
			}
			return writeJSON(cmd.OutOrStdout(), finding)
		},
	}
	cmd.Flags().String("role", "", "built-in producer to run (visual_inspection, contract_analysis, planogram_matching)")
	return cmd
}
