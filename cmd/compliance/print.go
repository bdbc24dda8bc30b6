package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/storage"
)

var headerStyle = lipgloss.NewStyle().Bold(true)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r domain.Report) {
	verdict := string(r.OverallVerdict)
	if r.VerdictAnnotation != "" {
		verdict += " (" + r.VerdictAnnotation + ")"
	}
	fmt.Fprintf(w, "%s %s · %s · %s\n", headerStyle.Render("Run "+r.RunID), r.LocationID, r.Date, r.Mode)
	fmt.Fprintf(w, "Verdict: %s  score %.2f  confidence %.2f\n", verdict, r.OverallScore, r.Confidence)
	if r.ElevatedUncertainty {
		fmt.Fprintf(w, "Elevated uncertainty: %.2f\n", r.Uncertainty)
	}
	if len(r.Subjects) > 0 {
		t := table.New().Border(lipgloss.NormalBorder()).Headers("SUBJECT", "WEIGHT", "SCORE", "CONFIDENCE", "DISPUTED")
		for _, s := range r.Subjects {
			score := "-"
			if s.Scored {
				score = fmt.Sprintf("%.2f", s.Score)
			}
			t.Row(s.Subject, fmt.Sprintf("%.2f", s.Weight), score, fmt.Sprintf("%.2f", s.Confidence), yesNo(s.Disputed))
		}
		fmt.Fprintln(w, t.Render())
	}
	for _, v := range r.Violations {
		fmt.Fprintf(w, "Violation: %s %s reported by %s", v.Severity, v.Subject, v.Producer)
		if v.Evidence != "" {
			fmt.Fprintf(w, " (%s)", v.Evidence)
		}
		fmt.Fprintln(w)
	}
	if len(r.ProducerFailures) > 0 {
		fmt.Fprintf(w, "Unavailable producers: %s\n", strings.Join(r.ProducerFailures, ", "))
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "→ %s\n", rec)
	}
}

func printRun(w io.Writer, run domain.WorkflowRun) {
	fmt.Fprintf(w, "%s %s · %s · %s\n", headerStyle.Render("Run "+run.ID), run.Request.LocationID, run.Request.Date, run.Request.Mode)
	fmt.Fprintf(w, "Status: %s (state %s)\n", run.Status, run.State)
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if !run.EndedAt.IsZero() {
		fmt.Fprintf(w, "Ended: %s (%s)\n", run.EndedAt.Format(time.RFC3339), run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.FailureReason != "" {
		fmt.Fprintf(w, "Failure: %s\n", run.FailureReason)
	}
	if len(run.Tasks) == 0 {
		return
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers("ROLE", "SUBJECT", "STATUS", "RETRIES", "ERROR")
	for _, task := range run.Tasks {
		t.Row(task.Role, task.Subject, string(task.Status), fmt.Sprint(task.Retries), task.Error)
	}
	fmt.Fprintln(w, t.Render())
}

func printSummaries(w io.Writer, runs []storage.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers("RUN", "LOCATION", "DATE", "MODE", "STATUS", "VERDICT", "SCORE", "STARTED")
	for _, run := range runs {
		verdict, score := "-", "-"
		if run.HasReport {
			verdict = string(run.Verdict)
			score = fmt.Sprintf("%.2f", run.Score)
		}
		t.Row(run.ID, run.LocationID, run.Date, string(run.Mode), string(run.Status), verdict, score, run.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, t.Render())
}

func printRuns(w io.Writer, runs []domain.WorkflowRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	t := table.New().Border(lipgloss.NormalBorder()).Headers("RUN", "LOCATION", "DATE", "MODE", "STATUS", "STARTED")
	for _, run := range runs {
		t.Row(run.ID, run.Request.LocationID, run.Request.Date, string(run.Request.Mode), string(run.Status), run.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, t.Render())
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
