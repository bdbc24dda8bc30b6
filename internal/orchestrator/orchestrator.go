package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/lattice-compliance/internal/channel"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/inputs"
	"github.com/kingrea/lattice-compliance/internal/logbook"
	"github.com/kingrea/lattice-compliance/internal/router"
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/workflow"
	"github.com/kingrea/lattice-compliance/internal/workflow/engine"
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSettings replaces the default settings. Invalid settings make New fail.
func WithSettings(settings Settings) Option {
	return func(o *Orchestrator) {
		o.settings = settings
	}
}

// WithDefinition sets the fixed-sequence workflow.
func WithDefinition(def workflow.WorkflowDefinition) Option {
	return func(o *Orchestrator) {
		o.definition = def
	}
}

// WithPolicy sets the routing policy used by conditional runs.
func WithPolicy(policy router.Policy, maxSteps int) Option {
	return func(o *Orchestrator) {
		if policy != nil {
			o.policy = policy
			o.maxSteps = maxSteps
		}
	}
}

// WithStateStore persists fixed-sequence engine snapshots in store.
func WithStateStore(store engine.StateStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.stateStore = store
		}
	}
}

// WithEmitter adds a report emitter. Emitters that implement RunRecorder
// also receive every finished run record.
func WithEmitter(emitter Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitters = append(o.emitters, emitter)
		}
	}
}

// WithObserver adds an observer for run events.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithLogger routes orchestrator logs to logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogbookDir keeps a per-run journal at <dir>/<runID>.log.
func WithLogbookDir(dir string) Option {
	return func(o *Orchestrator) {
		o.logbookDir = dir
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// Orchestrator owns the lifecycle of compliance runs.
type Orchestrator struct {
	registry   *runner.Registry
	source     inputs.Source
	settings   Settings
	definition workflow.WorkflowDefinition
	policy     router.Policy
	maxSteps   int
	stateStore engine.StateStore
	emitters   []Emitter
	observers  []Observer
	logger     Logger
	logbookDir string
	clock      func() time.Time
	newID      func() string

	mu       sync.RWMutex
	runs     map[string]*runHandle
	order    []string
	closing  bool
	inflight sync.WaitGroup
}

// New wires an orchestrator to a runner registry and an input source.
func New(registry *runner.Registry, source inputs.Source, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("orchestrator: runner registry is required")
	}
	if source == nil {
		return nil, fmt.Errorf("orchestrator: input source is required")
	}
	o := &Orchestrator{
		registry:   registry,
		source:     source,
		settings:   DefaultSettings(),
		definition: workflow.DefaultDefinition(),
		logger:     nopLogger{},
		clock:      func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		runs:       map[string]*runHandle{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	settings, err := o.settings.Normalized()
	if err != nil {
		return nil, err
	}
	o.settings = settings
	def, err := o.definition.Normalized()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.definition = def
	if o.policy == nil {
		rules, err := router.NewRulesPolicy(router.DefaultRules())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: default rules: %w", err)
		}
		o.policy = rules
		o.maxSteps = rules.MaxSteps()
	}
	if o.stateStore == nil {
		o.stateStore = engine.NewMemoryStore()
	}
	return o, nil
}

// Settings returns the normalized settings in use.
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// StartRun validates req, registers a run and executes it in the background.
// The returned ID can be passed to Status and Wait immediately.
func (o *Orchestrator) StartRun(req domain.RunRequest) (string, error) {
	h, err := o.start(context.Background(), req)
	if err != nil {
		return "", err
	}
	return h.id, nil
}

// Run executes req and blocks until the run finishes. Cancelling ctx fails
// the run. A failed run returns its FatalError.
func (o *Orchestrator) Run(ctx context.Context, req domain.RunRequest) (domain.Report, error) {
	h, err := o.start(ctx, req)
	if err != nil {
		return domain.Report{}, err
	}
	<-h.done
	return h.outcome()
}

// Wait blocks until the run finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	h, err := o.handle(runID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return h.snapshot(), ctx.Err()
	}
}

// Status returns the current record of a run.
func (o *Orchestrator) Status(runID string) (domain.WorkflowRun, error) {
	h, err := o.handle(runID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	return h.snapshot(), nil
}

// Report returns the report of a completed run.
func (o *Orchestrator) Report(runID string) (domain.Report, error) {
	h, err := o.handle(runID)
	if err != nil {
		return domain.Report{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.report == nil {
		return domain.Report{}, fmt.Errorf("%w: run %s is %s", ErrReportUnavailable, runID, h.run.Status)
	}
	return *h.report, nil
}

// Runs lists known runs, newest first. A non-positive limit returns all.
func (o *Orchestrator) Runs(limit int) []domain.WorkflowRun {
	o.mu.RLock()
	handles := make([]*runHandle, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		handles = append(handles, o.runs[o.order[i]])
		if limit > 0 && len(handles) == limit {
			break
		}
	}
	o.mu.RUnlock()
	out := make([]domain.WorkflowRun, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	return out
}

// Log returns up to n recent journal lines for a run and the total count.
func (o *Orchestrator) Log(runID string, n int) ([]string, int, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, 0, err
	}
	lines, total := h.book.Tail(n)
	return lines, total, nil
}

// Bus returns the message bus of a run. It is closed once the run finishes.
func (o *Orchestrator) Bus(runID string) (*channel.Bus, error) {
	h, err := o.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.bus, nil
}

// Shutdown rejects new runs, cancels active ones and waits for them to fail
// with reason "shutdown requested".
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	active := make([]*runHandle, 0, len(o.runs))
	for _, h := range o.runs {
		active = append(active, h)
	}
	o.mu.Unlock()
	for _, h := range active {
		h.cancel(errShutdown)
	}
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) start(parent context.Context, req domain.RunRequest) (*runHandle, error) {
	if req.Mode == "" {
		req.Mode = o.settings.Mode
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id := o.newID()
	book, err := o.openLogbook(id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open logbook: %w", err)
	}
	ctx, cancel := context.WithCancelCause(parent)
	now := o.clock()
	h := &runHandle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    channel.NewBus(channel.WithClock(o.clock), channel.WithLogger(o.logger)),
		book:   book,
		run: domain.WorkflowRun{
			ID:        id,
			Request:   req,
			State:     domain.StateInitialized,
			Status:    domain.StateInitialized.Status(),
			StartedAt: now,
		},
		phaseStart: now,
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		cancel(errShutdown)
		return nil, ErrShuttingDown
	}
	if _, dup := o.runs[id]; dup {
		o.mu.Unlock()
		cancel(nil)
		return nil, fmt.Errorf("orchestrator: duplicate run id %s", id)
	}
	o.runs[id] = h
	o.order = append(o.order, id)
	o.evictLocked()
	o.inflight.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.inflight.Done()
		defer cancel(nil)
		o.execute(ctx, h)
	}()
	return h, nil
}

// evictLocked drops the oldest finished runs beyond the history limit.
func (o *Orchestrator) evictLocked() {
	excess := len(o.order) - o.settings.HistoryLimit
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		h := o.runs[id]
		if excess > 0 && h.finished() {
			delete(o.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Orchestrator) handle(runID string) (*runHandle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return h, nil
}

func (o *Orchestrator) openLogbook(runID string) (*logbook.Logbook, error) {
	if o.logbookDir == "" {
		return nil, nil
	}
	return logbook.ForRun(o.logbookDir, runID, logbook.WithClock(o.clock))
}

func (o *Orchestrator) emit(h *runHandle, event Event) {
	event.RunID = h.id
	if event.Time.IsZero() {
		event.Time = o.clock()
	}
	if event.State == "" {
		event.State = h.state()
	}
	for _, obs := range o.observers {
		obs.Observe(event)
	}
	h.book.Info("%s %s", event.Type, describe(event))
	if _, err := h.bus.Broadcast(context.Background(), participantOrchestrator, TopicRunEvent, event); err != nil && !errors.Is(err, channel.ErrClosed) {
		o.logger.Printf("orchestrator: broadcast %s for %s: %v", event.Type, h.id, err)
	}
}

func describe(e Event) string {
	text := string(e.State)
	if e.Role != "" {
		text += " role=" + e.Role
	}
	if e.Subject != "" {
		text += " subject=" + e.Subject
	}
	if e.Status != "" {
		text += " status=" + string(e.Status)
	}
	if e.Attempt > 0 {
		text += fmt.Sprintf(" attempt=%d", e.Attempt)
	}
	if e.Round > 0 {
		text += fmt.Sprintf(" round=%d", e.Round)
	}
	if e.Message != "" {
		text += " " + e.Message
	}
	return text
}

// runHandle is the registry entry of one run.
type runHandle struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}
	bus    *channel.Bus
	book   *logbook.Logbook

	mu         sync.RWMutex
	run        domain.WorkflowRun
	report     *domain.Report
	fatal      *FatalError
	phaseStart time.Time
}

func (h *runHandle) snapshot() domain.WorkflowRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.Clone()
}

func (h *runHandle) state() domain.RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.State
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *runHandle) outcome() (domain.Report, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.fatal != nil {
		return domain.Report{}, h.fatal
	}
	if h.report == nil {
		return domain.Report{}, fmt.Errorf("%w: run %s", ErrReportUnavailable, h.id)
	}
	return *h.report, nil
}

// transition moves the run to next and closes the current phase record.
func (h *runHandle) transition(next domain.RunState, now time.Time, note string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ValidateTransition(h.run.State, next); err != nil {
		return err
	}
	h.run.Phases = append(h.run.Phases, domain.PhaseRecord{
		State:     h.run.State,
		StartedAt: h.phaseStart,
		EndedAt:   now,
		Note:      note,
	})
	h.run.State = next
	h.run.Status = next.Status()
	h.phaseStart = now
	if next.Terminal() {
		h.run.EndedAt = now
	}
	return nil
}

func (h *runHandle) recordTask(task domain.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.run.Tasks {
		if h.run.Tasks[i].ID == task.ID {
			h.run.Tasks[i] = task
			return
		}
	}
	h.run.Tasks = append(h.run.Tasks, task)
	sort.SliceStable(h.run.Tasks, func(i, j int) bool { return h.run.Tasks[i].ID < h.run.Tasks[j].ID })
}
