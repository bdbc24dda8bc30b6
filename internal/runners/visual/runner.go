package visual

import (
	"context"
	"errors"
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
	role    = domain.RoleVisualInspection
	version = "1.0.0"

	defaultMinQuality = 0.3
	corroborationGain = 0.1
)

// ErrNoUsableImages is returned when every image is below the quality floor.
var ErrNoUsableImages = errors.New("visual: no usable images")

// Runner inspects shelf images.
type Runner struct {
	latency    time.Duration
	minQuality float64
	now        func() time.Time
}

// Register installs the visual_inspection factory.
func Register(reg *runner.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(role, func(cfg runner.Config) (runner.Runner, error) {
		latency, err := runtime.Latency(cfg)
		if err != nil {
			return nil, err
		}
		r := New(latency)
		if raw, ok := cfg["min_quality"].(float64); ok && raw >= 0 && raw <= 1 {
			r.minQuality = raw
		}
		return r, nil
	})
}

// New constructs the producer. latency simulates inference time.
func New(latency time.Duration) *Runner {
	return &Runner{
		latency:    latency,
		minQuality: defaultMinQuality,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Info implements runner.Runner.
func (r *Runner) Info() runner.Info {
	return runner.Info{
		Role:        role,
		Name:        "Visual Inspection",
		Description: "Compares observed shelf metrics from store images against contracted minimums.",
		Version:     version,
	}
}

// Execute implements runner.Runner.
func (r *Runner) Execute(ctx context.Context, task domain.Task, view contextstore.View) (domain.Finding, error) {
	if err := runtime.Wait(ctx, r.latency); err != nil {
		return domain.Finding{}, err
	}
	in := runtime.Inputs(view)
	var usable []domain.Image
	for _, img := range runtime.ImagesFor(in.Images, task.Subject) {
		if img.Quality >= r.minQuality {
			usable = append(usable, img)
		}
	}
	if len(usable) == 0 {
		return domain.Finding{}, runner.Permanent(role, fmt.Errorf("%w for %s", ErrNoUsableImages, task.Subject))
	}
	observed := meanObservations(usable)
	quality := 0.0
	for _, img := range usable {
		quality += img.Quality
	}
	quality /= float64(len(usable))

	finding := domain.Finding{
		Producer:   role,
		Subject:    task.Subject,
		Confidence: runtime.Clamp01(quality),
		Metrics:    observed,
		Timestamp:  r.now(),
	}
	required := in.Requirements(task.Subject, task.Date)
	if len(required) == 0 {
		finding.Verdict = domain.VerdictUnknown
		finding.Confidence = runtime.Clamp01(quality / 2)
		finding.Evidence = fmt.Sprintf("%d images, no contracted metrics to check", len(usable))
		return finding, nil
	}
	metrics := make([]string, 0, len(required))
	for metric := range required {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	met := 0
	var misses []string
	for _, metric := range metrics {
		if observed[metric] >= required[metric] {
			met++
			continue
		}
		misses = append(misses, fmt.Sprintf("%s %.2f<%.2f", metric, observed[metric], required[metric]))
	}
	finding.Verdict = runtime.VerdictFromRatio(float64(met)/float64(len(metrics)), 1, 0.5)
	finding.Evidence = fmt.Sprintf("images:%s", imageIDs(usable))
	if len(misses) > 0 {
		finding.Evidence += " below:" + strings.Join(misses, ",")
	}
	return finding, nil
}

// Revise raises confidence when another observational producer agrees and
// abstains otherwise. Visual evidence is not overturned by documents.
func (r *Runner) Revise(ctx context.Context, req runner.RevisionRequest) (domain.Finding, bool, error) {
	if err := ctx.Err(); err != nil {
		return req.Prior, false, err
	}
	for _, f := range req.Conflict.Findings {
		if f.Producer == role || f.Synthetic || !runtime.Observational(f.Producer) {
			continue
		}
		if f.Verdict != req.Prior.Verdict {
			continue
		}
		revised := req.Prior.Clone()
		revised.Confidence = runtime.Clamp01((req.Prior.Confidence+f.Confidence)/2 + corroborationGain)
		if revised.Confidence <= req.Prior.Confidence {
			return req.Prior, false, nil
		}
		revised.Evidence = fmt.Sprintf("%s; corroborated by %s", req.Prior.Evidence, f.Producer)
		revised.Timestamp = r.now()
		return revised, true, nil
	}
	return req.Prior, false, nil
}

func meanObservations(images []domain.Image) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, img := range images {
		for metric, value := range img.Observations {
			sums[metric] += value
			counts[metric]++
		}
	}
	out := make(map[string]float64, len(sums))
	for metric, sum := range sums {
		out[metric] = sum / float64(counts[metric])
	}
	return out
}

func imageIDs(images []domain.Image) string {
	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	return strings.Join(ids, ",")
}
