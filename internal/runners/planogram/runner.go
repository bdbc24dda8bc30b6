package planogram

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
	role    = domain.RolePlanogramMatching
	version = "1.0.0"

	compliantRatio = 0.9
	partialRatio   = 0.6
)

// Runner matches observed products against planograms.
type Runner struct {
	latency time.Duration
	now     func() time.Time
}

// Register installs the planogram_matching factory.
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

// New constructs the producer.
func New(latency time.Duration) *Runner {
	return &Runner{latency: latency, now: func() time.Time { return time.Now().UTC() }}
}

// Info implements runner.Runner.
func (r *Runner) Info() runner.Info {
	return runner.Info{
		Role:        role,
		Name:        "Planogram Matching",
		Description: "Checks observed product placement against the reference planogram.",
		Version:     version,
	}
}

// Execute implements runner.Runner.
func (r *Runner) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	if err := runtime.Wait(ctx, r.latency); err != nil {
		return domain.Finding{}, err
	}
	in := runtime.Inputs(view)
	var expected []string
	var planogramID string
	for _, p := range in.Planograms {
		if p.Subject == task.Subject || p.Subject == "" {
			expected = append(expected, p.Products...)
			planogramID = p.ID
			break
		}
	}
	finding := domain.Finding{Producer: role, Subject: task.Subject, Timestamp: r.now()}
	if len(expected) == 0 {
		finding.Verdict = domain.VerdictUnknown
		finding.Confidence = 0.2
		finding.Evidence = "no planogram for " + task.Subject
		return finding, nil
	}
	images := runtime.ImagesFor(in.Images, task.Subject)
	seen := map[string]struct{}{}
	quality := 0.0
	for _, img := range images {
		quality += img.Quality
		for _, product := range img.Products {
			seen[strings.ToLower(strings.TrimSpace(product))] = struct{}{}
		}
	}
	if len(images) > 0 {
		quality /= float64(len(images))
	}
	var missing []string
	matched := 0
	for _, product := range expected {
		if _, ok := seen[strings.ToLower(strings.TrimSpace(product))]; ok {
			matched++
		} else {
			missing = append(missing, product)
		}
	}
	ratio := float64(matched) / float64(len(expected))
	confidence := 0.6 + 0.3*quality
	if visual, ok := runtime.Finding(view, domain.RoleVisualInspection, task.Subject); !ok || visual.Synthetic {
		confidence /= 2
	}
	finding.Verdict = runtime.VerdictFromRatio(ratio, compliantRatio, partialRatio)
	finding.Confidence = runtime.Clamp01(confidence)
	finding.Metrics = map[string]float64{"planogram_match": runtime.Clamp01(ratio)}
	finding.Evidence = fmt.Sprintf("planogram:%s matched %d/%d", planogramID, matched, len(expected))
	if len(missing) > 0 {
		sort.Strings(missing)
		finding.Evidence += " missing:" + strings.Join(missing, ",")
	}
	return finding, nil
}
