package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/inputs"
	"github.com/kingrea/lattice-compliance/internal/negotiator"
	"github.com/kingrea/lattice-compliance/internal/runner"
)

const participantOrchestrator = "orchestrator"

// runContext is the explicit per-run state passed through every phase.
type runContext struct {
	o      *Orchestrator
	h      *runHandle
	req    domain.RunRequest
	store  *contextstore.Store
	inputs domain.Inputs

	mu          sync.Mutex
	runners     runner.Set
	failures    map[string]string
	resolutions map[string]domain.ConsensusResult
}

func (o *Orchestrator) execute(ctx context.Context, h *runHandle) {
	defer close(h.done)
	defer h.bus.Close()
	rc := &runContext{
		o:           o,
		h:           h,
		req:         h.snapshot().Request,
		store:       contextstore.New(contextstore.WithClock(o.clock), contextstore.WithCopier(domain.CopyValue)),
		runners:     runner.Set{},
		failures:    map[string]string{},
		resolutions: map[string]domain.ConsensusResult{},
	}
	if err := h.bus.Join(participantOrchestrator); err != nil {
		o.fail(h, fatal(domain.StateInitialized, err, "join message bus"))
		return
	}
	o.logger.Printf("orchestrator: run %s started for %s on %s (%s)", h.id, rc.req.LocationID, rc.req.Date, rc.req.Mode)
	o.emit(h, Event{Type: EventRunStarted, Message: fmt.Sprintf("%s %s mode=%s", rc.req.LocationID, rc.req.Date, rc.req.Mode)})

	report, err := rc.drive(ctx)
	if err != nil {
		var fe *FatalError
		if !errors.As(err, &fe) {
			fe = fatal(h.state(), err, "internal error")
		}
		o.fail(h, fe)
		return
	}
	now := o.clock()
	report.GeneratedAt = now
	if err := h.transition(domain.StateCompleted, now, string(report.OverallVerdict)); err != nil {
		o.fail(h, fatal(domain.StateAggregating, err, "complete run"))
		return
	}
	h.mu.Lock()
	h.report = &report
	h.mu.Unlock()
	run := h.snapshot()
	o.emit(h, Event{
		Type:    EventRunCompleted,
		Message: fmt.Sprintf("verdict=%s score=%.2f", report.OverallVerdict, report.OverallScore),
		Elapsed: run.EndedAt.Sub(run.StartedAt),
	})
	o.publish(h, &report, run)
}

// drive walks the phases in order. Any returned error fails the run.
func (rc *runContext) drive(ctx context.Context) (domain.Report, error) {
	if err := rc.enter(ctx, domain.StateRetrieving, ""); err != nil {
		return domain.Report{}, err
	}
	if err := rc.retrieve(ctx); err != nil {
		return domain.Report{}, err
	}
	if err := rc.enter(ctx, domain.StateExecuting, fmt.Sprintf("%d contracts, %d images, %d planograms", len(rc.inputs.Contracts), len(rc.inputs.Images), len(rc.inputs.Planograms))); err != nil {
		return domain.Report{}, err
	}
	var err error
	if rc.req.Mode == domain.ModeConditional {
		err = rc.runConditional(ctx)
	} else {
		err = rc.runFixed(ctx)
	}
	if err != nil {
		return domain.Report{}, err
	}
	if err := rc.enter(ctx, domain.StateReconciling, rc.executionNote()); err != nil {
		return domain.Report{}, err
	}
	conflicts := rc.detect()
	if len(conflicts) > 0 {
		if err := rc.enter(ctx, domain.StateNegotiating, fmt.Sprintf("%d conflicts", len(conflicts))); err != nil {
			return domain.Report{}, err
		}
		if err := rc.negotiate(ctx, conflicts); err != nil {
			return domain.Report{}, err
		}
	}
	if err := rc.enter(ctx, domain.StateAggregating, ""); err != nil {
		return domain.Report{}, err
	}
	return rc.aggregate(), nil
}

// enter checks for cancellation, then transitions and emits a phase event.
func (rc *runContext) enter(ctx context.Context, next domain.RunState, note string) error {
	current := rc.h.state()
	if err := ctx.Err(); err != nil {
		return cancelled(ctx, current)
	}
	if err := rc.h.transition(next, rc.o.clock(), note); err != nil {
		return fatal(current, err, "state machine")
	}
	rc.o.emit(rc.h, Event{Type: EventPhaseChanged, State: next, Message: note})
	return nil
}

func cancelled(ctx context.Context, phase domain.RunState) *FatalError {
	cause := context.Cause(ctx)
	if errors.Is(cause, errShutdown) {
		return &FatalError{Phase: phase, Reason: errShutdown.Error(), Err: cause}
	}
	if cause == nil {
		cause = ctx.Err()
	}
	return &FatalError{Phase: phase, Reason: fmt.Sprintf("run canceled during %s: %v", phase, cause), Err: cause}
}

func (rc *runContext) retrieve(ctx context.Context) error {
	retriever := inputs.Retriever{Source: rc.o.source, Backoff: rc.o.settings.InputBackoff, Logger: rc.o.logger}
	in, err := retriever.Retrieve(ctx, rc.req.LocationID, rc.req.Date)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx, domain.StateRetrieving)
		}
		reason := "input retrieval failed"
		if errors.Is(err, inputs.ErrNotFound) {
			reason = "required input missing"
		}
		return fatal(domain.StateRetrieving, err, "%s for %s", reason, rc.req.LocationID)
	}
	rc.inputs = in
	puts := []struct {
		key   string
		value any
	}{
		{domain.KeyContracts, in.Contracts},
		{domain.KeyImages, in.Images},
		{domain.KeyPlanograms, in.Planograms},
	}
	for _, p := range puts {
		if _, err := rc.store.Put(p.key, p.value, participantOrchestrator); err != nil {
			return fatal(domain.StateRetrieving, err, "record %s", p.key)
		}
	}
	for _, subject := range rc.o.settings.Subjects {
		for metric, minimum := range in.Requirements(subject, rc.req.Date) {
			if _, err := rc.store.Put(domain.RequirementKey(subject, metric), minimum, participantOrchestrator); err != nil {
				return fatal(domain.StateRetrieving, err, "record requirement")
			}
		}
	}
	return nil
}

// resolve returns the run's runner for role, building it on first use.
func (rc *runContext) resolve(role string, cfg runner.Config) (runner.Runner, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if run, ok := rc.runners[role]; ok {
		return run, nil
	}
	run, err := rc.o.registry.Resolve(role, cfg)
	if err != nil {
		return nil, err
	}
	rc.runners[role] = run
	if err := rc.h.bus.Join(role); err != nil {
		rc.o.logger.Printf("orchestrator: join %s: %v", role, err)
	}
	return run, nil
}

func (rc *runContext) runner(role string) (runner.Runner, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	run, ok := rc.runners[role]
	return run, ok
}

func (rc *runContext) markFailure(role, reason string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.failures[role]; !ok {
		rc.failures[role] = reason
	}
}

func (rc *runContext) producerFailures() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.failures))
	for role := range rc.failures {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func (rc *runContext) executionNote() string {
	failures := rc.producerFailures()
	if len(failures) == 0 {
		return "all producers succeeded"
	}
	return "producer failures: " + strings.Join(failures, ", ")
}

// findings returns every recorded finding ordered by key.
func (rc *runContext) findings() []domain.Finding {
	entries := rc.store.GetAll(domain.FindingsPrefix)
	out := make([]domain.Finding, 0, len(entries))
	for _, entry := range entries {
		if f, ok := entry.Value.(domain.Finding); ok {
			out = append(out, f)
		}
	}
	return out
}

func (rc *runContext) record(f domain.Finding, writer string) error {
	_, err := rc.store.Put(f.Key(), f, writer)
	return err
}

func (o *Orchestrator) fail(h *runHandle, fe *FatalError) {
	now := o.clock()
	if err := h.transition(domain.StateFailed, now, fe.Reason); err != nil {
		o.logger.Printf("orchestrator: run %s: %v", h.id, err)
	}
	h.mu.Lock()
	h.fatal = fe
	h.run.FailureReason = fe.Reason
	h.mu.Unlock()
	run := h.snapshot()
	o.logger.Printf("orchestrator: run %s failed in %s: %s", h.id, fe.Phase, fe.Reason)
	h.book.Error("run failed in %s: %s", fe.Phase, fe.Reason)
	o.emit(h, Event{Type: EventRunFailed, State: domain.StateFailed, Message: fe.Reason, Elapsed: run.EndedAt.Sub(run.StartedAt)})
	o.publish(h, nil, run)
}

// publish hands the outcome to emitters. Emission errors are logged only.
func (o *Orchestrator) publish(h *runHandle, report *domain.Report, run domain.WorkflowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, emitter := range o.emitters {
		if report != nil {
			if err := emitter.Emit(ctx, *report); err != nil {
				o.logger.Printf("orchestrator: emit report %s: %v", h.id, err)
				h.book.Warn("emit report: %v", err)
			}
		}
		if recorder, ok := emitter.(RunRecorder); ok {
			if err := recorder.RecordRun(ctx, run); err != nil {
				o.logger.Printf("orchestrator: record run %s: %v", h.id, err)
			}
		}
	}
}

// negotiate settles every conflict in subject order. Producers answer through
// responders on the run's bus.
func (rc *runContext) negotiate(ctx context.Context, conflicts []domain.ConflictRecord) error {
	neg, err := negotiator.New(rc.h.bus, rc.o.settings.Negotiation,
		negotiator.WithLogger(rc.o.logger),
		negotiator.WithRoundObserver(func(s negotiator.RoundSummary) {
			rc.o.emit(rc.h, Event{
				Type:    EventNegotiationRound,
				Subject: s.Subject,
				Round:   s.Round,
				Message: fmt.Sprintf("revised=%v abstained=%v converged=%t", s.Revised, s.Abstained, s.Converged),
			})
		}),
	)
	if err != nil {
		return fatal(domain.StateNegotiating, err, "start negotiator")
	}
	rctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()
	started := map[string]struct{}{}
	for _, conflict := range conflicts {
		for _, producer := range conflict.Producers() {
			if _, ok := started[producer]; ok {
				continue
			}
			started[producer] = struct{}{}
			responder := negotiator.Responder{
				Bus:      rc.h.bus,
				Producer: producer,
				View:     rc.store.Snapshot,
				Logger:   rc.o.logger,
				Poll:     50 * time.Millisecond,
			}
			if run, ok := rc.runner(producer); ok {
				if reviser, ok := run.(runner.Reviser); ok {
					responder.Revise = reviser.Revise
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := responder.Run(rctx); err != nil {
					rc.o.logger.Printf("orchestrator: responder %s: %v", responder.Producer, err)
				}
			}()
		}
	}
	for _, conflict := range conflicts {
		result, err := neg.Negotiate(ctx, conflict)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx, domain.StateNegotiating)
			}
			return fatal(domain.StateNegotiating, err, "negotiation for %s aborted", conflict.Subject)
		}
		for _, f := range result.Conflict.Findings {
			if err := rc.record(f, negotiator.Coordinator); err != nil {
				return fatal(domain.StateNegotiating, err, "record revision")
			}
		}
		rc.mu.Lock()
		rc.resolutions[conflict.Subject] = result
		rc.mu.Unlock()
		outcome := "resolved"
		if !result.Resolved {
			outcome = "unresolved"
			rc.h.book.Warn("conflict %s unresolved after %d rounds; keeping %s as disputed", conflict.ID, result.Rounds, result.Finding.Producer)
		}
		rc.o.emit(rc.h, Event{
			Type:    EventConflictSettled,
			Subject: conflict.Subject,
			Round:   result.Rounds,
			Message: fmt.Sprintf("%s verdict=%s confidence=%.2f", outcome, result.Finding.Verdict, result.Finding.Confidence),
		})
	}
	return nil
}

// detect scans the recorded findings for conflicts.
func (rc *runContext) detect() []domain.ConflictRecord {
	settings := rc.o.settings
	conflicts := negotiator.Detect(rc.findings(), settings.Negotiation.Tolerance, settings.LowConfidenceThreshold)
	for _, c := range conflicts {
		rc.o.emit(rc.h, Event{
			Type:    EventConflictDetected,
			Subject: c.Subject,
			Message: fmt.Sprintf("%s between %s", c.Kind, strings.Join(c.Producers(), ",")),
		})
	}
	return conflicts
}

// effectiveFindings replaces each negotiated subject's participants with the
// consensus finding.
func (rc *runContext) effectiveFindings() ([]domain.Finding, []domain.ConflictRecord) {
	rc.mu.Lock()
	resolutions := make(map[string]domain.ConsensusResult, len(rc.resolutions))
	for subject, result := range rc.resolutions {
		resolutions[subject] = result
	}
	rc.mu.Unlock()
	var out []domain.Finding
	var disputed []domain.ConflictRecord
	replaced := map[string]struct{}{}
	for _, result := range resolutions {
		for _, p := range result.Conflict.Producers() {
			replaced[domain.FindingKey(p, result.Conflict.Subject)] = struct{}{}
		}
		out = append(out, result.Finding.Clone())
		if !result.Resolved {
			disputed = append(disputed, result.Conflict.Clone())
		}
	}
	for _, f := range rc.findings() {
		if _, ok := replaced[f.Key()]; ok {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	sort.Slice(disputed, func(i, j int) bool { return disputed[i].Subject < disputed[j].Subject })
	return out, disputed
}

func (rc *runContext) aggregate() domain.Report {
	findings, disputed := rc.effectiveFindings()
	agg := AggregateFindings(findings, rc.o.settings)
	failures := rc.producerFailures()
	violations := Violations(findings)
	report := domain.Report{
		RunID:            rc.h.id,
		LocationID:       rc.req.LocationID,
		Date:             rc.req.Date,
		Mode:             rc.req.Mode,
		OverallVerdict:   agg.Verdict,
		OverallScore:     agg.Score,
		Confidence:       agg.Confidence,
		Uncertainty:      round(1-agg.Confidence, 4),
		Subjects:         agg.Subjects,
		Findings:         findings,
		Disputed:         disputed,
		ProducerFailures: failures,
		Violations:       violations,
		Recommendations:  Recommendations(violations, disputed, failures),
	}
	if report.Disputed == nil {
		report.Disputed = []domain.ConflictRecord{}
	}
	if len(disputed) > 0 {
		report.VerdictAnnotation = domain.AnnotationDisputed
	}
	flagged, _ := contextstore.Value[bool](rc.store, domain.FlagKey(domain.FlagElevatedUncertainty))
	report.ElevatedUncertainty = len(failures) > 0 || len(disputed) > 0 || flagged
	return report
}
