package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/router"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/workflow/engine"
	"github.com/kingrea/lattice-compliance/internal/workflow/resolver"
)

var errTaskTimeout = errors.New("task timed out")

// runFixed executes the workflow definition wave by wave: every runnable step
// is claimed from the engine, executed for all subjects, and reported back
// until the engine has no work left.
func (rc *runContext) runFixed(ctx context.Context) error {
	def := rc.o.definition
	for _, step := range def.Steps {
		if _, err := rc.resolve(step.Runner, runner.Config(step.Config)); err != nil {
			return fatal(domain.StateExecuting, err, "workflow configuration error")
		}
	}
	rc.mu.Lock()
	source := make(resolver.SetSource, len(rc.runners))
	for role, run := range rc.runners {
		source[role] = run
	}
	rc.mu.Unlock()
	eng, err := engine.New(source, rc.o.stateStore, engine.WithClock(rc.o.clock))
	if err != nil {
		return fatal(domain.StateExecuting, err, "workflow engine")
	}
	pool := rc.o.settings.WorkerPoolSize
	state, err := eng.Start(engine.StartRequest{
		RunID:      rc.h.id,
		Definition: def,
		Runtime:    &engine.RuntimeOverrides{MaxParallel: &pool},
	})
	if err != nil {
		return fatal(domain.StateExecuting, err, "workflow configuration error")
	}
	for !state.Complete() {
		if ctx.Err() != nil {
			return cancelled(ctx, domain.StateExecuting)
		}
		claim, err := eng.Claim(rc.h.id, engine.ClaimRequest{})
		if err != nil {
			return fatal(domain.StateExecuting, err, "claim workflow steps")
		}
		if len(claim.Claims) == 0 {
			return fatal(domain.StateExecuting, nil, "workflow %s stalled with no runnable steps", def.ID)
		}
		results := make([]engine.StepResult, len(claim.Claims))
		group, gctx := errgroup.WithContext(ctx)
		for i, work := range claim.Claims {
			group.Go(func() error {
				status, attempts, msg := rc.runRole(gctx, work.Runner)
				results[i] = engine.StepResult{
					ID:         work.ID,
					Status:     status,
					Attempts:   attempts,
					Message:    msg,
					FinishedAt: rc.o.clock(),
				}
				return nil
			})
		}
		_ = group.Wait()
		if ctx.Err() != nil {
			return cancelled(ctx, domain.StateExecuting)
		}
		state, err = eng.Update(rc.h.id, engine.UpdateRequest{Results: results})
		if err != nil {
			return fatal(domain.StateExecuting, err, "update workflow state")
		}
	}
	if state.Status == engine.EngineStatusDegraded {
		rc.h.book.Warn("workflow degraded: %s", state.StatusReason)
	}
	return nil
}

// runConditional lets the router choose each role from accumulated context.
func (rc *runContext) runConditional(ctx context.Context) error {
	rt, err := router.New(rc.o.policy, rc.o.registry.Roles(), router.WithMaxSteps(rc.o.maxSteps), router.WithLogger(rc.o.logger))
	if err != nil {
		return fatal(domain.StateExecuting, err, "router configuration error")
	}
	path, err := rt.Walk(ctx, visitor{rc: rc})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx, domain.StateExecuting)
		}
		if router.IsConfigError(err) {
			return fatal(domain.StateExecuting, err, "router configuration error")
		}
		return fatal(domain.StateExecuting, err, "routing failed")
	}
	rc.h.book.Info("router path %v terminal=%s flags=%v", path.Nodes, path.Terminal, path.Flags)
	return nil
}

// visitor performs router side effects against the run.
type visitor struct {
	rc *runContext
}

func (v visitor) Flag(ctx context.Context, name string) error {
	if _, err := v.rc.store.Put(domain.FlagKey(name), true, "router"); err != nil {
		return err
	}
	v.rc.o.emit(v.rc.h, Event{Type: EventRouted, Message: "flag " + name})
	return nil
}

func (v visitor) Visit(ctx context.Context, role string) error {
	if _, err := v.rc.resolve(role, v.rc.stepConfig(role)); err != nil {
		return fmt.Errorf("resolve %s: %w", role, err)
	}
	v.rc.o.emit(v.rc.h, Event{Type: EventRouted, Role: role})
	v.rc.runRole(ctx, role)
	return ctx.Err()
}

func (v visitor) Snapshot() contextstore.View {
	return v.rc.store.Snapshot()
}

// stepConfig returns the definition's config for role, if it declares one.
func (rc *runContext) stepConfig(role string) runner.Config {
	for _, step := range rc.o.definition.Steps {
		if step.Runner == role {
			return runner.Config(step.Config)
		}
	}
	return nil
}

// runRole executes role once per subject through a bounded pool and returns
// the aggregate step status.
func (rc *runContext) runRole(ctx context.Context, role string) (domain.TaskStatus, int, string) {
	run, ok := rc.runner(role)
	if !ok {
		return domain.TaskFailed, 0, "runner not resolved"
	}
	subjects := rc.o.settings.Subjects
	tasks := make([]domain.Task, len(subjects))
	group := new(errgroup.Group)
	group.SetLimit(rc.o.settings.WorkerPoolSize)
	for i, subject := range subjects {
		group.Go(func() error {
			tasks[i] = rc.runTask(ctx, run, role, subject)
			return nil
		})
	}
	_ = group.Wait()
	status := domain.TaskSucceeded
	attempts := 0
	var message string
	for _, task := range tasks {
		attempts += task.Retries + 1
		if task.Status != domain.TaskSucceeded && status == domain.TaskSucceeded {
			status = task.Status
			message = task.Error
		}
	}
	return status, attempts, message
}

// runTask executes one task with per-attempt timeouts and exponential
// backoff between retries. A failed task records a synthetic finding.
func (rc *runContext) runTask(ctx context.Context, run runner.Runner, role, subject string) domain.Task {
	settings := rc.o.settings
	task := domain.Task{
		ID:       fmt.Sprintf("%s/%s/%s", rc.h.id, role, subject),
		RunID:    rc.h.id,
		Role:     role,
		Subject:  subject,
		Inputs:   []string{domain.KeyContracts, domain.KeyImages, domain.KeyPlanograms},
		Status:   domain.TaskQueued,
		Location: rc.req.LocationID,
		Date:     rc.req.Date,
	}
	rc.h.recordTask(task)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = settings.RetryBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = settings.MaxRetryBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(settings.MaxTaskRetries)), ctx)

	attempt := 0
	timedOut := false
	started := time.Now()
	finding, err := backoff.RetryNotifyWithData(func() (domain.Finding, error) {
		attempt++
		timedOut = false
		task.Status = domain.TaskRunning
		task.Retries = attempt - 1
		rc.h.recordTask(task)
		rc.o.emit(rc.h, Event{Type: EventTaskAttempt, Role: role, Subject: subject, Attempt: attempt})
		f, err := rc.attempt(ctx, run, task)
		switch {
		case err == nil:
			return f, nil
		case ctx.Err() != nil:
			return domain.Finding{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, errTaskTimeout):
			timedOut = true
			return domain.Finding{}, err
		case runner.IsPermanent(err):
			return domain.Finding{}, backoff.Permanent(err)
		}
		return domain.Finding{}, err
	}, retry, func(err error, wait time.Duration) {
		rc.h.book.Warn("%s/%s attempt %d failed, retrying in %s: %v", role, subject, attempt, wait, err)
	})

	if err == nil {
		if recErr := rc.record(finding, participantOrchestrator); recErr != nil {
			err = recErr
		}
	}
	if err == nil {
		task.Status = domain.TaskSucceeded
	} else {
		task.Status = domain.TaskFailed
		if timedOut && ctx.Err() == nil {
			task.Status = domain.TaskTimedOut
		}
		task.Error = err.Error()
		rc.markFailure(role, task.Error)
		synthetic := domain.UnavailableFinding(role, subject, task.Error, rc.o.clock())
		if recErr := rc.record(synthetic, participantOrchestrator); recErr != nil {
			rc.o.logger.Printf("orchestrator: record synthetic finding for %s: %v", role, recErr)
		}
	}
	rc.h.recordTask(task)
	rc.o.emit(rc.h, Event{
		Type:    EventTaskFinished,
		Role:    role,
		Subject: subject,
		Status:  task.Status,
		Attempt: attempt,
		Message: task.Error,
		Elapsed: time.Since(started),
	})
	return task
}

// attempt runs a single execution bounded by the task timeout and validates
// the returned finding.
func (rc *runContext) attempt(ctx context.Context, run runner.Runner, task domain.Task) (domain.Finding, error) {
	actx, cancel := context.WithTimeout(ctx, rc.o.settings.TaskTimeout)
	defer cancel()
	view := rc.store.Snapshot()
	type outcome struct {
		finding domain.Finding
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		f, err := run.Execute(actx, task, view)
		done <- outcome{f, err}
	}()
	var res outcome
	select {
	case res = <-done:
	case <-actx.Done():
		res = outcome{err: actx.Err()}
	}
	if ctx.Err() != nil {
		return domain.Finding{}, ctx.Err()
	}
	if res.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return domain.Finding{}, fmt.Errorf("%w after %s", errTaskTimeout, rc.o.settings.TaskTimeout)
	}
	if res.err != nil {
		return domain.Finding{}, res.err
	}
	f := res.finding
	if f.Producer == "" {
		f.Producer = task.Role
	}
	if f.Subject == "" {
		f.Subject = task.Subject
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = rc.o.clock()
	}
	if f.Producer != task.Role || f.Subject != task.Subject {
		return domain.Finding{}, runner.Permanent(task.Role, fmt.Errorf("finding for %s/%s returned by task %s", f.Producer, f.Subject, task.ID))
	}
	f, err := f.Normalized()
	if err != nil {
		return domain.Finding{}, runner.Permanent(task.Role, err)
	}
	f.Synthetic = false
	f.Disputed = false
	return f, nil
}
