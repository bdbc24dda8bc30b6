package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// exitError carries a specific process status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// statusExit maps a run status onto the CLI exit codes.
func statusExit(run domain.WorkflowRun) error {
	switch run.Status {
	case domain.RunCompleted:
		return nil
	case domain.RunFailed:
		return &exitError{code: 1, err: fmt.Errorf("run %s failed: %s", run.ID, run.FailureReason)}
	}
	return &exitError{code: 2}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "compliance",
		Short:         "Retail compliance workflow orchestration",
		Long:          "Evaluate a store location on a date by running the visual inspection, contract analysis and planogram matching producers, reconciling their findings and emitting a compliance report.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("project", "", "project directory holding .compliance (defaults to cwd)")
	root.AddCommand(
		newInitCmd(),
		newSeedCmd(),
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newRunsCmd(),
		newWatchCmd(),
		newMonitorCmd(),
		newExecRunnerCmd(),
	)
	return root
}

// projectDir resolves --project to an absolute path.
func projectDir(cmd *cobra.Command) (string, error) {
	project, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(project) == "" {
		project, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return abs, nil
}
