package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kingrea/lattice-compliance/internal/config"
	"github.com/kingrea/lattice-compliance/internal/inputs"
	"github.com/kingrea/lattice-compliance/internal/logging"
	"github.com/kingrea/lattice-compliance/internal/metrics"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
	"github.com/kingrea/lattice-compliance/internal/report"
	"github.com/kingrea/lattice-compliance/internal/router"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/runners"
	"github.com/kingrea/lattice-compliance/internal/storage"
	"github.com/kingrea/lattice-compliance/internal/workflow/engine"
	"github.com/kingrea/lattice-compliance/plugins"
)

const shutdownGrace = 5 * time.Second

// app is one fully wired orchestrator process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *runner.Registry
	orch     *orchestrator.Orchestrator
	reports  *report.FileEmitter
	archive  *storage.Archive
	metrics  *metrics.Observer
}

// loadConfig prepares .compliance under projectDir and loads it.
func loadConfig(projectDir string) (*config.Config, error) {
	if err := config.InitDir(projectDir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.Dir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp wires config, logging, runners, inputs, routing, persistence and
// metrics into an orchestrator. mirror receives a copy of every log line and
// may be nil.
func openApp(projectDir string, mirror io.Writer) (*app, error) {
	cfg, err := loadConfig(projectDir)
	if err != nil {
		return nil, err
	}
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Project.Log.Level))}
	if mirror != nil {
		logOpts = append(logOpts, logging.WithMirror(mirror))
	}
	logger, err := logging.New(cfg.LogsDir(), logOpts...)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	a.registry = runner.NewRegistry()
	runners.RegisterBuiltins(a.registry)
	roles, err := plugins.RegisterRunnerPlugins(a.registry, cfg.RunnersDir())
	if err != nil {
		return fmt.Errorf("load runner plugins: %w", err)
	}
	for _, role := range roles {
		a.logger.Infof("registered external runner %s", role)
	}

	source, err := inputs.NewFileSource(cfg.DataDir())
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("orchestrator settings: %w", err)
	}
	def, err := cfg.Definition()
	if err != nil {
		return fmt.Errorf("workflow definition: %w", err)
	}
	policy, maxSteps, err := routePolicy(cfg)
	if err != nil {
		return err
	}

	a.reports, err = report.NewFileEmitter(cfg.ReportsDir())
	if err != nil {
		return err
	}
	a.archive, err = storage.Open(cfg.ArchivePath())
	if err != nil {
		return err
	}
	a.metrics = metrics.New()

	a.orch, err = orchestrator.New(a.registry, source,
		orchestrator.WithSettings(settings),
		orchestrator.WithDefinition(def),
		orchestrator.WithPolicy(policy, maxSteps),
		orchestrator.WithStateStore(engine.NewRepository(cfg.StateDir())),
		orchestrator.WithEmitter(report.Multi{a.reports, a.archive}),
		orchestrator.WithObserver(a.metrics),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithLogbookDir(cfg.RunLogsDir()),
	)
	return err
}

// routePolicy prefers a routing script over the declarative rules.
func routePolicy(cfg *config.Config) (router.Policy, int, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, 0, fmt.Errorf("routing rules: %w", err)
	}
	if script := cfg.RouteScript(); script != "" {
		policy, err := plugins.LoadRoutePolicy(script)
		if err != nil {
			return nil, 0, fmt.Errorf("routing script: %w", err)
		}
		return policy, rules.MaxSteps, nil
	}
	policy, err := router.NewRulesPolicy(rules)
	if err != nil {
		return nil, 0, fmt.Errorf("routing rules: %w", err)
	}
	return policy, policy.MaxSteps(), nil
}

// close fails any active run, then releases the archive and the log file.
func (a *app) close() error {
	var errs []error
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		errs = append(errs, a.orch.Shutdown(ctx))
		cancel()
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}
