package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	mutedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	sectionStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	boxStyle          = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
)

var phaseOrder = []domain.RunState{
	domain.StateRetrieving,
	domain.StateExecuting,
	domain.StateReconciling,
	domain.StateNegotiating,
	domain.StateAggregating,
}

func statusStyle(status domain.RunStatus) lipgloss.Style {
	switch status {
	case domain.RunCompleted:
		return labelStyleReady
	case domain.RunFailed:
		return labelStyleBlocked
	case domain.RunAwaitingConsensus:
		return labelStyleGate
	case domain.RunRunning:
		return labelStyleRunning
	}
	return labelStyleDefault
}

func verdictStyle(v domain.Verdict) lipgloss.Style {
	switch v {
	case domain.VerdictCompliant:
		return labelStyleReady
	case domain.VerdictNonCompliant:
		return labelStyleBlocked
	case domain.VerdictPartial:
		return labelStyleGate
	}
	return labelStyleDefault
}

func taskStyle(status domain.TaskStatus) lipgloss.Style {
	switch status {
	case domain.TaskSucceeded:
		return labelStyleReady
	case domain.TaskFailed, domain.TaskTimedOut:
		return labelStyleBlocked
	case domain.TaskRunning:
		return labelStyleRunning
	}
	return labelStyleDefault
}

// renderRun draws the phase track, task table and report summary of run.
func renderRun(run domain.WorkflowRun, report *domain.Report, spin string, width int) string {
	status := statusStyle(run.Status).Render(strings.ToUpper(string(run.Status)))
	if run.Status.InProgress() {
		status = spin + " " + status
	}
	lines := []string{
		fmt.Sprintf("%s  %s · %s · %s", status, run.Request.LocationID, run.Request.Date, run.Request.Mode),
		detailTextStyle.Render(fmt.Sprintf("run %s · %s", run.ID, elapsed(run))),
		"",
		renderPhases(run),
	}
	if run.FailureReason != "" {
		lines = append(lines, labelStyleBlocked.Render("✗ "+run.FailureReason))
	}
	if tasks := renderTasks(run.Tasks); tasks != "" {
		lines = append(lines, "", sectionStyle.Render("TASKS"), tasks)
	}
	if report != nil {
		lines = append(lines, "", sectionStyle.Render("REPORT"), renderReport(*report))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func renderPhases(run domain.WorkflowRun) string {
	done := map[domain.RunState]bool{}
	for _, p := range run.Phases {
		done[p.State] = true
	}
	parts := make([]string, 0, len(phaseOrder))
	for _, state := range phaseOrder {
		label := titleCase(string(state))
		switch {
		case run.State == state:
			parts = append(parts, labelStyleRunning.Render("▶ "+label))
		case done[state]:
			parts = append(parts, labelStyleReady.Render("✓ "+label))
		default:
			parts = append(parts, mutedStyle.Render("· "+label))
		}
	}
	return strings.Join(parts, " → ")
}

func renderTasks(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Role != sorted[j].Role {
			return sorted[i].Role < sorted[j].Role
		}
		return sorted[i].Subject < sorted[j].Subject
	})
	rows := make([]string, 0, len(sorted))
	for _, task := range sorted {
		row := fmt.Sprintf("%-20s %-18s %s", task.Role, task.Subject, taskStyle(task.Status).Render(string(task.Status)))
		if task.Retries > 0 {
			row += mutedStyle.Render(fmt.Sprintf(" (%d retries)", task.Retries))
		}
		if task.Error != "" {
			row += "\n  " + detailTextStyle.Render(task.Error)
		}
		rows = append(rows, row)
	}
	return strings.Join(rows, "\n")
}

func renderReport(r domain.Report) string {
	verdict := verdictStyle(r.OverallVerdict).Render(string(r.OverallVerdict))
	if r.VerdictAnnotation != "" {
		verdict += mutedStyle.Render(" (" + r.VerdictAnnotation + ")")
	}
	lines := []string{
		fmt.Sprintf("%s  score %.2f · confidence %.2f", verdict, r.OverallScore, r.Confidence),
	}
	if r.ElevatedUncertainty {
		lines = append(lines, labelStyleGate.Render(fmt.Sprintf("⚠ elevated uncertainty %.2f", r.Uncertainty)))
	}
	for _, s := range r.Subjects {
		marker := ""
		if s.Disputed {
			marker = labelStyleGate.Render(" disputed")
		}
		if !s.Scored {
			lines = append(lines, fmt.Sprintf("  %-18s %s%s", s.Subject, mutedStyle.Render("unscored"), marker))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %-18s %.2f%s", s.Subject, s.Score, marker))
	}
	for _, v := range r.Violations {
		lines = append(lines, labelStyleBlocked.Render(fmt.Sprintf("  ✗ %s %s (%s)", v.Severity, v.Subject, v.Producer)))
	}
	if len(r.ProducerFailures) > 0 {
		lines = append(lines, labelStyleBlocked.Render("  unavailable: "+strings.Join(r.ProducerFailures, ", ")))
	}
	for _, rec := range r.Recommendations {
		lines = append(lines, detailTextStyle.Render("  → "+rec))
	}
	return strings.Join(lines, "\n")
}

func renderLogPanel(lines []string, total int) string {
	if len(lines) == 0 {
		return ""
	}
	head := sectionStyle.Render(fmt.Sprintf("LOG · %d of %d", len(lines), total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func elapsed(run domain.WorkflowRun) string {
	if run.StartedAt.IsZero() {
		return "not started"
	}
	end := run.EndedAt
	if end.IsZero() {
		return "started " + run.StartedAt.Format(time.Kitchen)
	}
	return "took " + humanizeDuration(end.Sub(run.StartedAt))
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
