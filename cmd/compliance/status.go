package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/storage"
	"github.com/kingrea/lattice-compliance/internal/tui"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Long: `Show a run from the local archive, or from a running server with
--server. Exits 0 when the run completed, 1 when it failed and 2 while it is
still in progress.`,
		Args: cobra.ExactArgs(1),
		RunE: runStatus,
	}
	cmd.Flags().String("server", "", "query a running server (e.g. http://127.0.0.1:8088)")
	cmd.Flags().Bool("json", false, "print the run record as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	project, err := projectDir(cmd)
	if err != nil {
		return err
	}
	serverURL, _ := cmd.Flags().GetString("server")
	asJSON, _ := cmd.Flags().GetBool("json")
	id := args[0]
	out := cmd.OutOrStdout()

	var (
		run    domain.WorkflowRun
		report *domain.Report
	)
	if strings.TrimSpace(serverURL) != "" {
		source, err := tui.NewHTTPSource(serverURL)
		if err != nil {
			return err
		}
		if run, err = source.Status(id); err != nil {
			return err
		}
		if r, err := source.Report(id); err == nil {
			report = &r
		}
	} else {
		cfg, err := loadConfig(project)
		if err != nil {
			return err
		}
		archive, err := storage.Open(cfg.ArchivePath())
		if err != nil {
			return err
		}
		defer archive.Close()
		run, err = archive.Run(cmd.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s is not in the archive", id)
		}
		if err != nil {
			return err
		}
		if r, err := archive.Report(cmd.Context(), id); err == nil {
			report = &r
		}
	}

	if asJSON {
		if err := writeJSON(out, run); err != nil {
			return err
		}
	} else {
		printRun(out, run)
		if report != nil {
			fmt.Fprintln(out)
			printReport(out, *report)
		}
	}
	return statusExit(run)
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := projectDir(cmd)
			if err != nil {
				return err
			}
			serverURL, _ := cmd.Flags().GetString("server")
			location, _ := cmd.Flags().GetString("location")
			limit, _ := cmd.Flags().GetInt("limit")
			out := cmd.OutOrStdout()
			if strings.TrimSpace(serverURL) != "" {
				source, err := tui.NewHTTPSource(serverURL)
				if err != nil {
					return err
				}
				runs := source.Runs(limit)
				if location != "" {
					filtered := runs[:0]
					for _, run := range runs {
						if run.Request.LocationID == location {
							filtered = append(filtered, run)
						}
					}
					runs = filtered
				}
				printRuns(out, runs)
				return nil
			}
			cfg, err := loadConfig(project)
			if err != nil {
				return err
			}
			archive, err := storage.Open(cfg.ArchivePath())
			if err != nil {
				return err
			}
			defer archive.Close()
			runs, err := archive.Runs(cmd.Context(), location, limit)
			if err != nil {
				return err
			}
			printSummaries(out, runs)
			return nil
		},
	}
	cmd.Flags().String("server", "", "list the runs held by a running server")
	cmd.Flags().String("location", "", "only show runs for this location")
	cmd.Flags().Int("limit", 20, "maximum runs to list (0 for all)")
	return cmd
}
