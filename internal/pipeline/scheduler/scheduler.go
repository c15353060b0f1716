package scheduler

import (
	"fmt"

	"github.com/kingrea/reelflow/internal/pipeline/resolver"
)

// Selector exposes the minimal contract the engine needs to request
// runnable stage batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of a resolver.
type Scheduler struct {
	resolver *resolver.Resolver
}

// New wires a Scheduler to a resolver.
func New(res *resolver.Resolver) (*Scheduler, error) {
	if res == nil {
		return nil, fmt.Errorf("pipeline: scheduler requires a resolver")
	}
	return &Scheduler{resolver: res}, nil
}

// RunnableRequest captures the engine's runtime view.
type RunnableRequest struct {
	// MaxParallel caps in-flight stages, including those in Running. Values
	// <= 0 disable the limit.
	MaxParallel int
	// Running lists stage ids currently executing in this process.
	Running []string
	// Halted stops all new dispatches (job failing or cancelled).
	Halted bool
	// HaltReason is reported in skip details when Halted is set.
	HaltReason string
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Nodes   []*resolver.Node
	Skipped map[string]SkipReason
}

// SkipReason explains why a node was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
	SkipReasonHalted      SkipReasonCode = "halted"
)

// Runnable returns ready nodes in declaration order. Nodes whose records say
// Running but that are not executing in this process (left over from a
// crashed run) are returned too so they can be resumed.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	queue, err := s.resolver.Queue()
	if err != nil {
		return RunnableBatch{}, err
	}
	running := req.runningSet()
	remaining := req.capacity(len(running))
	result := RunnableBatch{}
	for _, node := range s.resolver.Nodes() {
		if !contains(queue, node) {
			continue
		}
		if _, active := running[node.ID]; active {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonActive, Detail: "stage already running"})
			continue
		}
		if node.State != resolver.NodeStateReady && node.State != resolver.NodeStateRunning {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonNotReady, Detail: string(node.State)})
			continue
		}
		if req.Halted {
			detail := req.HaltReason
			if detail == "" {
				detail = "job halted"
			}
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonHalted, Detail: detail})
			continue
		}
		if remaining == 0 {
			result.addSkip(node.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			continue
		}
		result.Nodes = append(result.Nodes, node)
		if remaining > 0 {
			remaining--
		}
	}
	return result, nil
}

func contains(nodes []*resolver.Node, target *resolver.Node) bool {
	for _, node := range nodes {
		if node == target {
			return true
		}
	}
	return false
}

func (req RunnableRequest) runningSet() map[string]struct{} {
	set := make(map[string]struct{}, len(req.Running))
	for _, id := range req.Running {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// capacity returns the number of free slots, or -1 when unbounded.
func (req RunnableRequest) capacity(runningCount int) int {
	if req.MaxParallel <= 0 {
		return -1
	}
	remaining := req.MaxParallel - runningCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
