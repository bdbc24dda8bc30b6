package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/runner"
)

// ExitPermanent is the exit status an external runner uses to report a
// failure that retrying cannot fix.
const ExitPermanent = 3

type execRunner struct {
	definition RunnerDefinition
	timeout    time.Duration
	config     runner.Config
}

func newExecRunner(def RunnerDefinition, overrides runner.Config) (*execRunner, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalized := def.Normalized()
	timeout, err := normalized.timeout()
	if err != nil {
		return nil, err
	}
	if err := normalized.info().Validate(); err != nil {
		return nil, err
	}
	return &execRunner{
		definition: normalized,
		timeout:    timeout,
		config:     mergeConfigs(normalized.Config, overrides),
	}, nil
}

func (r *execRunner) Info() runner.Info {
	return r.definition.info()
}

// Execute runs the configured command once for task.
func (r *execRunner) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	role := r.definition.Role
	payload, err := json.Marshal(NewExecRequest(task, view))
	if err != nil {
		return domain.Finding{}, runner.Permanent(role, fmt.Errorf("encode request: %w", err))
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	args := r.definition.Command
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.definition.Dir
	cmd.Env = r.environment()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Finding{}, ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitPermanent {
			return domain.Finding{}, runner.Permanent(role, errors.New(detail))
		}
		return domain.Finding{}, fmt.Errorf("%s: %s", role, detail)
	}
	var finding domain.Finding
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &finding); err != nil {
		return domain.Finding{}, runner.Permanent(role, fmt.Errorf("decode finding: %w", err))
	}
	if finding.Producer == "" {
		finding.Producer = role
	}
	if finding.Subject == "" {
		finding.Subject = task.Subject
	}
	normalized, err := finding.Normalized()
	if err != nil {
		return domain.Finding{}, runner.Permanent(role, err)
	}
	return normalized, nil
}

// environment inherits the parent environment, adds the definition's
// variables, and exposes config values as COMPLIANCE_RUNNER_<KEY>.
func (r *execRunner) environment() []string {
	env := os.Environ()
	keys := make([]string, 0, len(r.definition.Env))
	for key := range r.definition.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+r.definition.Env[key])
	}
	cfgKeys := make([]string, 0, len(r.config))
	for key := range r.config {
		cfgKeys = append(cfgKeys, key)
	}
	sort.Strings(cfgKeys)
	for _, key := range cfgKeys {
		name := "COMPLIANCE_RUNNER_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, fmt.Sprintf("%s=%v", name, r.config[key]))
	}
	return env
}

func mergeConfigs(base, overrides runner.Config) runner.Config {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(runner.Config, len(base)+len(overrides))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}
