package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Evaluate every configured location on a schedule",
		Long: `Run the workflow for each entry under locations in config.yaml with
today's date, then repeat every monitor_interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := projectDir(cmd)
			if err != nil {
				return err
			}
			once, _ := cmd.Flags().GetBool("once")
			interval, _ := cmd.Flags().GetDuration("interval")
			a, err := openApp(project, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			if interval <= 0 {
				interval = a.cfg.Project.MonitorInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = monitorLoop(ctx, a, interval, once)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Bool("once", false, "evaluate each location once and exit")
	cmd.Flags().Duration("interval", 0, "override monitor_interval")
	return cmd
}

// monitorLoop evaluates every configured location now and then on each tick.
func monitorLoop(ctx context.Context, a *app, interval time.Duration, once bool) error {
	if len(a.cfg.Project.Locations) == 0 {
		return fmt.Errorf("no locations configured; add them under locations in %s", a.cfg.ProjectConfigPath())
	}
	if err := evaluateLocations(ctx, a, time.Now().UTC()); err != nil || once {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := evaluateLocations(ctx, a, now.UTC()); err != nil {
				return err
			}
		}
	}
}

// evaluateLocations runs every location for the day of now concurrently. A
// failed run is logged and does not stop the others.
func evaluateLocations(ctx context.Context, a *app, now time.Time) error {
	date := now.Format(domain.DateLayout)
	group, gctx := errgroup.WithContext(ctx)
	for _, location := range a.cfg.Project.Locations {
		group.Go(func() error {
			report, err := a.orch.Run(gctx, domain.RunRequest{LocationID: location, Date: date})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warnf("monitor: %s on %s failed: %v", location, date, err)
				return nil
			}
			a.logger.Infof("monitor: %s on %s is %s (score %.2f)", location, date, report.OverallVerdict, report.OverallScore)
			return nil
		})
	}
	return group.Wait()
}
