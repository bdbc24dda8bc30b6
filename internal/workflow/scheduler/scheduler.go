package scheduler

import (
	"errors"
	"fmt"

	"github.com/kingrea/lattice-compliance/internal/workflow/resolver"
)

// Selector hands out the next steps to dispatch.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler picks ready steps from a resolver snapshot. The resolver must
// be refreshed with current task statuses before each call.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New binds a Scheduler to res.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, errors.New("workflow: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest carries the dispatch limits for one selection.
type RunnableRequest struct {
	// Targets limits selection to these steps and their dependencies.
	Targets []string
	// BatchSize caps the nodes returned. Zero or less means no cap.
	BatchSize int
	// MaxParallel caps active steps, counting Running. Zero or less means
	// no cap.
	MaxParallel int
	// Running lists steps already dispatched.
	Running []string
}

// RunnableBatch is the outcome of a selection. Skipped explains every
// queued step that was left out.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// SkipReason says why a step was not selected.
type SkipReason struct {
	Reason SkipReasonCode `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// SkipReasonCode classifies a SkipReason.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable walks the resolver queue in definition order and selects ready
// steps until the batch or parallelism limit is met. Ready steps beyond the
// limit are reported as concurrency skips.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue(req.Targets...)
	if err != nil {
		return RunnableBatch{}, err
	}
	active := make(map[string]bool, len(req.Running))
	for _, id := range req.Running {
		if id != "" {
			active[id] = true
		}
	}
	slots := req.slots(len(active))
	var batch RunnableBatch
	for _, node := range queue {
		switch {
		case active[node.ID] || node.State == resolver.NodeStateRunning:
			batch.skip(node.ID, SkipReasonActive, "step already running")
		case node.State != resolver.NodeStateReady:
			batch.skip(node.ID, SkipReasonNotReady, string(node.State))
		case slots >= 0 && len(batch.Nodes) >= slots:
			batch.skip(node.ID, SkipReasonConcurrency, req.limitDetail())
		default:
			batch.Nodes = append(batch.Nodes, node)
		}
	}
	return batch, nil
}

// slots is how many nodes may be selected, or -1 when unbounded.
func (req RunnableRequest) slots(running int) int {
	slots := -1
	if req.BatchSize > 0 {
		slots = req.BatchSize
	}
	if req.MaxParallel > 0 {
		free := max(req.MaxParallel-running, 0)
		if slots < 0 || free < slots {
			slots = free
		}
	}
	return slots
}

func (req RunnableRequest) limitDetail() string {
	if req.MaxParallel > 0 {
		return fmt.Sprintf("max parallel %d reached", req.MaxParallel)
	}
	return fmt.Sprintf("batch size %d reached", req.BatchSize)
}

func (b *RunnableBatch) skip(id string, code SkipReasonCode, detail string) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = SkipReason{Reason: code, Detail: detail}
}
