package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
	"github.com/kingrea/lattice-compliance/internal/tui"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <location> <date>",
		Short: "Evaluate one location on one date",
		Long: `Run the compliance workflow for a location and date (YYYY-MM-DD) and
print the report. The report is also written to .compliance/reports and the
run archive. Exits 0 when the run completes and 1 when it fails.`,
		Args: cobra.ExactArgs(2),
		RunE: runRun,
	}
	cmd.Flags().String("mode", "", "fixed or conditional (defaults to orchestrator.mode)")
	cmd.Flags().Duration("timeout", 0, "fail the run if it has not finished after this long")
	cmd.Flags().Bool("watch", false, "follow the run in the dashboard")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	mode, _ := cmd.Flags().GetString("mode")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	watch, _ := cmd.Flags().GetBool("watch")
	asJSON, _ := cmd.Flags().GetBool("json")

	// The dashboard owns the terminal, so log lines only go to the file.
	var mirror = cmd.ErrOrStderr()
	if watch {
		mirror = nil
	}
	a, err := openApp(project, mirror)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req := domain.RunRequest{LocationID: args[0], Date: args[1], Mode: domain.Mode(mode)}
	if watch {
		return watchLocalRun(ctx, a, req)
	}

	report, err := a.orch.Run(ctx, req)
	if err != nil {
		var fe *orchestrator.FatalError
		if errors.As(err, &fe) {
			return &exitError{code: 1, err: fmt.Errorf("run failed in %s: %s", fe.Phase, fe.Reason)}
		}
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, report)
	}
	printReport(out, report)
	fmt.Fprintf(out, "Report written to %s\n", filepath.Join(a.reports.Dir(), report.RunID+".json"))
	return nil
}

// watchLocalRun starts req in the background and follows it in the dashboard
// until it finishes or the user quits.
func watchLocalRun(ctx context.Context, a *app, req domain.RunRequest) error {
	id, err := a.orch.StartRun(req)
	if err != nil {
		return err
	}
	dashboard, err := tui.NewApp(a.orch, tui.WithFollow(id), tui.WithQuitOnFinish(), tui.WithRefreshInterval(250*time.Millisecond))
	if err != nil {
		return err
	}
	program := tea.NewProgram(dashboard, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	run, err := a.orch.Status(id)
	if err != nil {
		return err
	}
	return statusExit(run)
}
