package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/server"
	"github.com/kingrea/lattice-compliance/internal/tui"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP run trigger",
		Long: `Start the HTTP API: POST /runs triggers a run, GET /runs/{id} and
/runs/{id}/report report on it and /runs/{id}/events streams its events over a
websocket. Prometheus metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("host", "", "override server.host")
	cmd.Flags().Int("port", 0, "override server.port")
	cmd.Flags().Bool("dashboard", false, "show the run dashboard while serving")
	cmd.Flags().Bool("monitor", false, "also evaluate the configured locations every monitor_interval")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	dashboard, _ := cmd.Flags().GetBool("dashboard")
	monitor, _ := cmd.Flags().GetBool("monitor")
	var mirror = cmd.ErrOrStderr()
	if dashboard {
		mirror = nil
	}
	a, err := openApp(project, mirror)
	if err != nil {
		return err
	}
	defer a.close()

	settings := server.SettingsFromConfig(a.cfg)
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		settings.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		settings.Port = port
	}
	// An explicit serve overrides server.enabled: false.
	settings.Enabled = true
	srv, err := server.New(settings, a.orch,
		server.WithArchive(a.archive),
		server.WithMetrics(a.metrics.Handler()),
		server.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.logger.Infof("serving on %s", srv.BaseURL())
	if !dashboard {
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", srv.BaseURL())
	}
	if monitor {
		go func() {
			if err := monitorLoop(ctx, a, a.cfg.Project.MonitorInterval, false); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Errorf("monitor: %v", err)
			}
		}()
	}

	if dashboard {
		view, err := tui.NewApp(a.orch)
		if err != nil {
			return err
		}
		program := tea.NewProgram(view, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			a.logger.Errorf("dashboard: %v", err)
		}
		stop()
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.logger.Infof("shutting down")
	return srv.Shutdown(shutdownCtx)
}
