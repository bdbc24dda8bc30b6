// internal/tui/app.go
//
// Run dashboard for the compliance orchestrator. It follows bubbletea's
// Model/Update/View loop: a refresh tick polls the orchestrator, Update folds
// the snapshot into the model and View renders the run list next to the
// selected run's phases, tasks and report.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

const (
	defaultRefreshInterval = time.Second
	logPanelLines          = 8
	runListLimit           = 50
)

// Source is what the dashboard polls. *orchestrator.Orchestrator satisfies it.
type Source interface {
	Runs(limit int) []domain.WorkflowRun
	Report(runID string) (domain.Report, error)
	Log(runID string, n int) ([]string, int, error)
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithFollow selects runID and keeps it selected as new runs arrive.
func WithFollow(runID string) AppOption {
	return func(a *App) {
		a.follow = strings.TrimSpace(runID)
	}
}

// WithQuitOnFinish exits once the followed run reaches a terminal status.
func WithQuitOnFinish() AppOption {
	return func(a *App) {
		a.quitOnFinish = true
	}
}

// WithRefreshInterval overrides the polling interval.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.refresh = d
		}
	}
}

type refreshMsg struct {
	runs   []domain.WorkflowRun
	report *domain.Report
	log    []string
	total  int
	err    error
}

type tickMsg time.Time

// runItem implements list.Item for a run.
type runItem struct {
	run domain.WorkflowRun
}

func (i runItem) Title() string {
	return fmt.Sprintf("%s · %s", i.run.Request.LocationID, i.run.Request.Date)
}

func (i runItem) Description() string {
	return fmt.Sprintf("%s · %s · %s", shortID(i.run.ID), i.run.Request.Mode, i.run.Status)
}

func (i runItem) FilterValue() string { return i.run.Request.LocationID }

// App is the dashboard model.
type App struct {
	source       Source
	refresh      time.Duration
	follow       string
	quitOnFinish bool

	runList  list.Model
	spinner  spinner.Model
	runs     []domain.WorkflowRun
	selected string
	report   *domain.Report
	log      []string
	logTotal int
	showLog  bool
	err      error
	finished bool

	width  int
	height int
}

// NewApp creates a dashboard over source.
func NewApp(source Source, opts ...AppOption) (*App, error) {
	if source == nil {
		return nil, fmt.Errorf("tui: source is required")
	}
	runList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	runList.Title = "RUNS"
	runList.SetShowStatusBar(false)
	runList.SetFilteringEnabled(false)
	runList.SetShowHelp(false)
	app := &App{
		source:  source,
		refresh: defaultRefreshInterval,
		runList: runList,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		showLog: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.selected = app.follow
	return app, nil
}

// Finished reports whether the followed run ended. Callers use it to pick an
// exit code after the program returns.
func (a *App) Finished() bool {
	return a.finished
}

// Selected returns the run currently shown.
func (a *App) Selected() (domain.WorkflowRun, bool) {
	for _, run := range a.runs {
		if run.ID == a.selected {
			return run, true
		}
	}
	return domain.WorkflowRun{}, false
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetch(), a.spinner.Tick)
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.runList.SetSize(max(20, a.listWidth()-4), max(6, msg.Height-8))
		return a, nil

	case refreshMsg:
		return a, a.apply(msg)

	case tickMsg:
		return a, a.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			return a, a.fetch()
		case "l":
			a.showLog = !a.showLog
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.runList, cmd = a.runList.Update(msg)
	if item, ok := a.runList.SelectedItem().(runItem); ok && item.run.ID != a.selected {
		a.selected = item.run.ID
		a.follow = ""
		a.report = nil
		a.log = nil
		return a, tea.Batch(cmd, a.fetch())
	}
	return a, cmd
}

func (a *App) apply(msg refreshMsg) tea.Cmd {
	a.err = msg.err
	a.runs = msg.runs
	items := make([]list.Item, len(msg.runs))
	index := -1
	for i, run := range msg.runs {
		items[i] = runItem{run: run}
		if run.ID == a.selected {
			index = i
		}
	}
	cmd := a.runList.SetItems(items)
	if index < 0 && len(items) > 0 && a.follow == "" {
		index = 0
		a.selected = msg.runs[0].ID
	}
	if index >= 0 {
		a.runList.Select(index)
	}
	a.report = msg.report
	a.log = msg.log
	a.logTotal = msg.total
	if run, ok := a.Selected(); ok && a.follow != "" && run.ID == a.follow && !run.Status.InProgress() {
		a.finished = true
		if a.quitOnFinish {
			return tea.Quit
		}
	}
	return tea.Batch(cmd, a.scheduleRefresh())
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// fetch snapshots the source off the update loop.
func (a *App) fetch() tea.Cmd {
	selected := a.selected
	source := a.source
	return func() tea.Msg {
		msg := refreshMsg{runs: source.Runs(runListLimit)}
		if selected == "" {
			if len(msg.runs) == 0 {
				return msg
			}
			selected = msg.runs[0].ID
		}
		if report, err := source.Report(selected); err == nil {
			msg.report = &report
		}
		lines, total, err := source.Log(selected, logPanelLines)
		if err != nil {
			msg.err = err
		}
		msg.log = lines
		msg.total = total
		return msg
	}
}

// View renders the dashboard.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ COMPLIANCE")
	leftBox := boxStyle.Width(max(20, a.listWidth())).Render(a.runList.View())
	detailWidth := max(30, a.width-a.listWidth()-6)
	run, ok := a.Selected()
	var detail string
	if ok {
		detail = renderRun(run, a.report, a.spinner.View(), detailWidth-4)
	} else {
		detail = mutedStyle.Render("No runs yet. Start one with `compliance run`.")
	}
	rightBox := boxStyle.Width(detailWidth).Render(detail)
	sections := []string{header, lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)}
	if a.showLog {
		if panel := renderLogPanel(a.log, a.logTotal); panel != "" {
			sections = append(sections, panel)
		}
	}
	status := "↑/↓ select · l toggle log · r refresh · q quit"
	if a.err != nil {
		status = fmt.Sprintf("⚠ %v", a.err)
	}
	footer := mutedStyle.MarginTop(1).Render(status)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) listWidth() int {
	width := a.width
	if width <= 0 {
		width = 100
	}
	return max(28, width/3)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
