package contract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/runners/runtime"
)

const (
	role    = domain.RoleContractAnalysis
	version = "1.0.0"

	baseConfidence   = 0.95
	deferFactor      = 0.9
	noRuleConfidence = 0.4
)

// Runner analyses contract terms.
type Runner struct {
	latency time.Duration
	now     func() time.Time
}

// Register installs the contract_analysis factory.
func Register(reg *runner.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(role, func(cfg runner.Config) (runner.Runner, error) {
		latency, err := runtime.Latency(cfg)
		if err != nil {
			return nil, err
		}
		return New(latency), nil
	})
}

// New constructs the producer. latency simulates a slow document service.
func New(latency time.Duration) *Runner {
	return &Runner{latency: latency, now: func() time.Time { return time.Now().UTC() }}
}

// Info implements runner.Runner.
func (r *Runner) Info() runner.Info {
	return runner.Info{
		Role:        role,
		Name:        "Contract Analysis",
		Description: "Extracts placement requirements from supplier contracts and checks self-reported metrics.",
		Version:     version,
	}
}

// Execute implements runner.Runner.
func (r *Runner) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	if err := runtime.Wait(ctx, r.latency); err != nil {
		return domain.Finding{}, err
	}
	in := runtime.Inputs(view)
	var active []domain.Contract
	for _, c := range in.Contracts {
		if c.InEffect(task.Date) {
			active = append(active, c)
		}
	}
	finding := domain.Finding{
		Producer:  role,
		Subject:   task.Subject,
		Timestamp: r.now(),
	}
	if len(active) == 0 {
		finding.Verdict = domain.VerdictUnknown
		finding.Confidence = 0.3
		finding.Evidence = fmt.Sprintf("no contract in effect on %s", task.Date)
		return finding, nil
	}
	required := in.Requirements(task.Subject, task.Date)
	finding.Metrics = required
	if len(required) == 0 {
		finding.Verdict = domain.VerdictCompliant
		finding.Confidence = noRuleConfidence
		finding.Evidence = "contracts define no measurable terms for " + task.Subject
		return finding, nil
	}
	reported := reportedMetrics(active)
	metrics := make([]string, 0, len(required))
	for metric := range required {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	met, known := 0, 0
	var misses []string
	for _, metric := range metrics {
		value, ok := reported[metric]
		if !ok {
			continue
		}
		known++
		if value >= required[metric] {
			met++
		} else {
			misses = append(misses, fmt.Sprintf("%s %.2f<%.2f", metric, value, required[metric]))
		}
	}
	if known == 0 {
		finding.Verdict = domain.VerdictUnknown
		finding.Confidence = noRuleConfidence
		finding.Evidence = "supplier reported none of the contracted metrics"
		return finding, nil
	}
	finding.Verdict = runtime.VerdictFromRatio(float64(met)/float64(len(metrics)), 1, 0.5)
	finding.Confidence = runtime.Clamp01(baseConfidence * float64(known) / float64(len(metrics)))
	finding.Evidence = evidence(active, misses)
	return finding, nil
}

// Revise defers to a disagreeing observational finding.
func (r *Runner) Revise(ctx context.Context, req runner.RevisionRequest) (domain.Finding, bool, error) {
	if err := ctx.Err(); err != nil {
		return req.Prior, false, err
	}
	var strongest *domain.Finding
	for i := range req.Conflict.Findings {
		f := req.Conflict.Findings[i]
		if f.Producer == role || f.Synthetic || !runtime.Observational(f.Producer) {
			continue
		}
		if f.Verdict == req.Prior.Verdict || !f.Scored() {
			continue
		}
		if strongest == nil || f.Confidence > strongest.Confidence {
			strongest = &req.Conflict.Findings[i]
		}
	}
	if strongest == nil {
		return req.Prior, false, nil
	}
	revised := req.Prior.Clone()
	revised.Verdict = strongest.Verdict
	revised.Confidence = runtime.Clamp01(req.Prior.Confidence * deferFactor)
	revised.Evidence = fmt.Sprintf("%s; deferred to %s observation", req.Prior.Evidence, strongest.Producer)
	revised.Timestamp = r.now()
	return revised, true, nil
}

func reportedMetrics(contracts []domain.Contract) map[string]float64 {
	out := map[string]float64{}
	for _, c := range contracts {
		for metric, value := range c.Reported {
			if current, ok := out[metric]; !ok || value < current {
				out[metric] = value
			}
		}
	}
	return out
}

func evidence(contracts []domain.Contract, misses []string) string {
	ids := make([]string, 0, len(contracts))
	for _, c := range contracts {
		ids = append(ids, c.ID)
	}
	text := "contracts:" + strings.Join(ids, ",")
	if len(misses) > 0 {
		text += " unmet:" + strings.Join(misses, ",")
	}
	return text
}
