// internal/config/config.go
//
// This package handles configuration and the .compliance directory structure.
// Every project evaluated by the engine gets a .compliance/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/orchestrator"
	"github.com/kingrea/lattice-compliance/internal/router"
	"github.com/kingrea/lattice-compliance/internal/workflow"
)

const (
	// Dir is the name of the directory we create in each project.
	Dir = ".compliance"

	defaultServerHost = "127.0.0.1"
	defaultServerPort = 8088
	defaultLogLevel   = "info"
	defaultMonitor    = time.Hour
)

const defaultProjectConfigYAML = `# compliance engine configuration
version: 1

orchestrator:
  # fixed runs the workflow below; conditional lets the router pick each step.
  mode: fixed
  max_task_retries: 2
  task_timeout: 30s
  retry_backoff: 200ms
  max_retry_backoff: 5s
  worker_pool_size: 5
  max_negotiation_rounds: 3
  round_timeout: 5s
  convergence_tolerance: 0.25
  acceptance_threshold: 0.8
  low_confidence_threshold: 0.5
  compliance_threshold: 85
  partial_threshold: 50
  subjects:
    - shelf-compliance
  # subject_weights:
  #   shelf-compliance: 1

# Locations evaluated by "compliance monitor".
locations: []
monitor_interval: 1h

server:
  host: 127.0.0.1
  port: 8088

log:
  level: info

# Fixed sequence. Defaults to contract_analysis and visual_inspection in
# parallel, then planogram_matching. Either inline it under workflow: or point
# workflow_file at a YAML file under .compliance.
# workflow_file: workflows/fixed.yaml

# Conditional routing rules. Set script to a Go file under routes/ to replace them.
# router:
#   script: routes/policy.go
#   max_steps: 16
#   rules:
#     - from: start
#       to: contract_analysis
`

// OrchestratorConfig mirrors orchestrator.Settings in YAML form. Pointer
// fields distinguish "unset" from an explicit zero.
type OrchestratorConfig struct {
	Mode                   string             `yaml:"mode"`
	MaxTaskRetries         *int               `yaml:"max_task_retries,omitempty"`
	TaskTimeout            time.Duration      `yaml:"task_timeout,omitempty"`
	RetryBackoff           time.Duration      `yaml:"retry_backoff,omitempty"`
	MaxRetryBackoff        time.Duration      `yaml:"max_retry_backoff,omitempty"`
	InputBackoff           time.Duration      `yaml:"input_backoff,omitempty"`
	WorkerPoolSize         int                `yaml:"worker_pool_size,omitempty"`
	MaxNegotiationRounds   int                `yaml:"max_negotiation_rounds,omitempty"`
	RoundTimeout           time.Duration      `yaml:"round_timeout,omitempty"`
	ConvergenceTolerance   float64            `yaml:"convergence_tolerance,omitempty"`
	AcceptanceThreshold    float64            `yaml:"acceptance_threshold,omitempty"`
	LowConfidenceThreshold float64            `yaml:"low_confidence_threshold,omitempty"`
	ComplianceThreshold    float64            `yaml:"compliance_threshold,omitempty"`
	PartialThreshold       float64            `yaml:"partial_threshold,omitempty"`
	Subjects               []string           `yaml:"subjects,omitempty"`
	SubjectWeights         map[string]float64 `yaml:"subject_weights,omitempty"`
	HistoryLimit           int                `yaml:"history_limit,omitempty"`
}

// ServerConfig configures the HTTP run trigger.
type ServerConfig struct {
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty"`
}

// LogConfig configures the process log.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// RouterConfig holds conditional routing rules, or the script replacing them.
type RouterConfig struct {
	Script         string `yaml:"script,omitempty"`
	router.RuleSet `yaml:",inline"`
}

// ProjectConfig models .compliance/config.yaml.
type ProjectConfig struct {
	Version         int                          `yaml:"version"`
	Orchestrator    OrchestratorConfig           `yaml:"orchestrator"`
	Locations       []string                     `yaml:"locations,omitempty"`
	MonitorInterval time.Duration                `yaml:"monitor_interval,omitempty"`
	Server          ServerConfig                 `yaml:"server"`
	Log             LogConfig                    `yaml:"log"`
	Workflow        *workflow.WorkflowDefinition `yaml:"workflow,omitempty"`
	// WorkflowFile names a definition file relative to .compliance. It wins
	// over an inline workflow.
	WorkflowFile    string                       `yaml:"workflow_file,omitempty"`
	Router          *RouterConfig                `yaml:"router,omitempty"`
}

// Config holds the runtime configuration for one project directory.
type Config struct {
	// ProjectDir is the directory the command ran from.
	ProjectDir string

	// StateRoot is ProjectDir/.compliance.
	StateRoot string

	Project ProjectConfig
}

// InitDir creates the .compliance directory structure in projectDir.
//
// Structure created:
// .compliance/
// ├── logs/         <- process log
// │   └── runs/     <- one journal per run
// ├── reports/      <- emitted report JSON
// ├── state/        <- engine snapshots and the run archive
// ├── data/         <- input fixtures per location
// ├── routes/       <- Go routing scripts
// └── runners/      <- external runner definitions
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "logs", "runs"),
		filepath.Join(root, "reports"),
		filepath.Join(root, "state"),
		filepath.Join(root, "data"),
		filepath.Join(root, "routes"),
		filepath.Join(root, "runners"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(root, "config.yaml"))
}

// NewConfig loads .compliance/config.yaml for projectDir. A missing file
// yields defaults. Environment overrides are applied last.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir: projectDir,
		StateRoot:  filepath.Join(projectDir, Dir),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateRoot, "logs")
}

// RunLogsDir holds per-run journals.
func (c *Config) RunLogsDir() string {
	return filepath.Join(c.LogsDir(), "runs")
}

// ReportsDir returns where report JSON files are written.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.StateRoot, "reports")
}

// StateDir returns the path to the state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.StateRoot, "state")
}

// ArchivePath is the SQLite run archive.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.StateDir(), "archive.db")
}

// DataDir returns the root of the file input source.
func (c *Config) DataDir() string {
	return filepath.Join(c.StateRoot, "data")
}

// RoutesDir holds routing scripts.
func (c *Config) RoutesDir() string {
	return filepath.Join(c.StateRoot, "routes")
}

// RunnersDir holds external runner definitions.
func (c *Config) RunnersDir() string {
	return filepath.Join(c.StateRoot, "runners")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.StateRoot, "config.yaml")
}

// Settings converts the orchestrator section into normalized settings.
func (c *Config) Settings() (orchestrator.Settings, error) {
	raw := c.Project.Orchestrator
	s := orchestrator.DefaultSettings()
	s.Mode = domain.Mode(raw.Mode)
	if raw.MaxTaskRetries != nil {
		s.MaxTaskRetries = *raw.MaxTaskRetries
	}
	setDuration(&s.TaskTimeout, raw.TaskTimeout)
	setDuration(&s.RetryBackoff, raw.RetryBackoff)
	setDuration(&s.MaxRetryBackoff, raw.MaxRetryBackoff)
	setDuration(&s.InputBackoff, raw.InputBackoff)
	setDuration(&s.Negotiation.RoundTimeout, raw.RoundTimeout)
	if raw.WorkerPoolSize > 0 {
		s.WorkerPoolSize = raw.WorkerPoolSize
	}
	if raw.MaxNegotiationRounds > 0 {
		s.Negotiation.MaxRounds = raw.MaxNegotiationRounds
	}
	setFloat(&s.Negotiation.Tolerance, raw.ConvergenceTolerance)
	setFloat(&s.Negotiation.AcceptanceThreshold, raw.AcceptanceThreshold)
	setFloat(&s.LowConfidenceThreshold, raw.LowConfidenceThreshold)
	setFloat(&s.ComplianceThreshold, raw.ComplianceThreshold)
	setFloat(&s.PartialThreshold, raw.PartialThreshold)
	if len(raw.Subjects) > 0 {
		s.Subjects = append([]string(nil), raw.Subjects...)
	}
	if len(raw.SubjectWeights) > 0 {
		s.SubjectWeights = make(map[string]float64, len(raw.SubjectWeights))
		for subject, weight := range raw.SubjectWeights {
			s.SubjectWeights[subject] = weight
		}
	}
	if raw.HistoryLimit > 0 {
		s.HistoryLimit = raw.HistoryLimit
	}
	return s.Normalized()
}

// Definition returns the fixed-sequence workflow.
func (c *Config) Definition() (workflow.WorkflowDefinition, error) {
	if c.Project.WorkflowFile != "" {
		return workflow.LoadDefinitionFile(c.Project.WorkflowFile)
	}
	if c.Project.Workflow == nil {
		return workflow.DefaultDefinition(), nil
	}
	return c.Project.Workflow.Normalized()
}

// Rules returns the declarative routing rules.
func (c *Config) Rules() (router.RuleSet, error) {
	if c.Project.Router == nil || len(c.Project.Router.Rules) == 0 {
		return router.DefaultRules().Normalized()
	}
	return c.Project.Router.RuleSet.Normalized()
}

// RouteScript returns the absolute path of the routing script, if any.
func (c *Config) RouteScript() string {
	if c.Project.Router == nil {
		return ""
	}
	return c.Project.Router.Script
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	parsed.applyDefaults()
	parsed.applyEnvOverrides()
	parsed.normalize(c.StateRoot)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:         1,
		MonitorInterval: defaultMonitor,
		Server:          ServerConfig{Host: defaultServerHost, Port: defaultServerPort},
		Log:             LogConfig{Level: defaultLogLevel},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.MonitorInterval <= 0 {
		pc.MonitorInterval = defaultMonitor
	}
	if pc.Server.Host == "" {
		pc.Server.Host = defaultServerHost
	}
	if pc.Server.Port == 0 {
		pc.Server.Port = defaultServerPort
	}
	if pc.Log.Level == "" {
		pc.Log.Level = defaultLogLevel
	}
}

// applyEnvOverrides lets deployments adjust a few values without editing the
// project file. Unparseable values are ignored.
func (pc *ProjectConfig) applyEnvOverrides() {
	if value := env("COMPLIANCE_MODE"); value != "" {
		pc.Orchestrator.Mode = value
	}
	if value := env("COMPLIANCE_MAX_TASK_RETRIES"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			pc.Orchestrator.MaxTaskRetries = &parsed
		}
	}
	if value := env("COMPLIANCE_TASK_TIMEOUT"); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			pc.Orchestrator.TaskTimeout = parsed
		}
	}
	if value := env("COMPLIANCE_SERVER_HOST"); value != "" {
		pc.Server.Host = value
	}
	if value := env("COMPLIANCE_SERVER_PORT"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			pc.Server.Port = parsed
		}
	}
	if value := env("COMPLIANCE_LOG_LEVEL"); value != "" {
		pc.Log.Level = value
	}
}

func (pc *ProjectConfig) normalize(root string) {
	pc.Orchestrator.Mode = strings.ToLower(strings.TrimSpace(pc.Orchestrator.Mode))
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
	locations := pc.Locations[:0]
	for _, loc := range pc.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			locations = append(locations, loc)
		}
	}
	pc.Locations = locations
	pc.WorkflowFile = resolvePath(root, pc.WorkflowFile)
	if pc.Router != nil {
		pc.Router.Script = resolvePath(root, pc.Router.Script)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("version: must be >= 1")
	}
	if _, err := domain.ParseMode(pc.Orchestrator.Mode); err != nil {
		return fmt.Errorf("orchestrator.mode: %w", err)
	}
	if r := pc.Orchestrator.MaxTaskRetries; r != nil && *r < 0 {
		return fmt.Errorf("orchestrator.max_task_retries: must be >= 0")
	}
	if pc.Orchestrator.TaskTimeout < 0 {
		return fmt.Errorf("orchestrator.task_timeout: must be positive")
	}
	for name, v := range map[string]float64{
		"convergence_tolerance":    pc.Orchestrator.ConvergenceTolerance,
		"acceptance_threshold":     pc.Orchestrator.AcceptanceThreshold,
		"low_confidence_threshold": pc.Orchestrator.LowConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("orchestrator.%s: must be within [0,1]", name)
		}
	}
	if c, p := pc.Orchestrator.ComplianceThreshold, pc.Orchestrator.PartialThreshold; c < 0 || c > 100 || p < 0 || p > 100 {
		return fmt.Errorf("orchestrator thresholds: must be within [0,100]")
	}
	for subject, weight := range pc.Orchestrator.SubjectWeights {
		if weight < 0 {
			return fmt.Errorf("orchestrator.subject_weights[%s]: must be >= 0", subject)
		}
	}
	if pc.Server.Port <= 0 || pc.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d is not a valid port", pc.Server.Port)
	}
	switch pc.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: must be debug, info, warn or error")
	}
	if pc.Workflow != nil {
		if _, err := pc.Workflow.Normalized(); err != nil {
			return fmt.Errorf("workflow: %w", err)
		}
	}
	if pc.Router != nil && len(pc.Router.Rules) > 0 {
		if _, err := pc.Router.RuleSet.Normalized(); err != nil {
			return fmt.Errorf("router: %w", err)
		}
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
