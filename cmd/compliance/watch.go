package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/server"
	"github.com/kingrea/lattice-compliance/internal/tui"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Open the dashboard against a running server",
		Long: `Poll a running "compliance serve" and show its runs. With a run ID the
dashboard follows that run and exits once it finishes, using the same exit
codes as status.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := projectDir(cmd)
			if err != nil {
				return err
			}
			serverURL, _ := cmd.Flags().GetString("server")
			if strings.TrimSpace(serverURL) == "" {
				cfg, err := loadConfig(project)
				if err != nil {
					return err
				}
				serverURL = server.SettingsFromConfig(cfg).URL()
			}
			source, err := tui.NewHTTPSource(serverURL)
			if err != nil {
				return err
			}
			var opts []tui.AppOption
			follow := ""
			if len(args) == 1 {
				follow = args[0]
				if _, err := source.Status(follow); err != nil {
					return err
				}
				opts = append(opts, tui.WithFollow(follow), tui.WithQuitOnFinish())
			}
			dashboard, err := tui.NewApp(source, opts...)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			program := tea.NewProgram(dashboard, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("dashboard: %w", err)
			}
			if follow == "" {
				return nil
			}
			run, err := source.Status(follow)
			if err != nil {
				return err
			}
			return statusExit(run)
		},
	}
	cmd.Flags().String("server", "", "server base URL (defaults to the configured server address)")
	return cmd
}
