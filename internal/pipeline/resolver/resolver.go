package resolver

import (
	"fmt"
	"sort"

	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
)

// NodeState represents the resolver's understanding of a stage's readiness.
type NodeState string

const (
	NodeStateReady       NodeState = "ready"
	NodeStateBlocked     NodeState = "blocked"
	NodeStatePending     NodeState = "pending"
	NodeStateRunning     NodeState = "running"
	NodeStateSucceeded   NodeState = "succeeded"
	NodeStateFailed      NodeState = "failed"
	NodeStateSkipped     NodeState = "skipped"
	NodeStateCancelled   NodeState = "cancelled"
	NodeStateUnreachable NodeState = "unreachable"
)

// Settled reports whether the node will not be dispatched again.
func (s NodeState) Settled() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateSkipped, NodeStateCancelled, NodeStateUnreachable:
		return true
	}
	return false
}

// Node captures a stage plus its dependency metadata.
type Node struct {
	ID           string
	Spec         pipeline.StageSpec
	Dependencies []string
	Dependents   []string

	State NodeState
	// BlockedBy lists dependencies that keep the node from running.
	BlockedBy []string
	Record    manifest.StageRecord
}

// Resolver builds and evaluates the stage dependency graph.
type Resolver struct {
	nodes      map[string]*Node
	orderedIDs []string
	topoIDs    []string
}

// New constructs a resolver for the provided definition.
func New(def pipeline.Definition) (*Resolver, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	topo, err := normalized.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*Node, len(normalized.Stages))
	ordered := make([]string, 0, len(normalized.Stages))
	for _, spec := range normalized.Stages {
		nodes[spec.ID] = &Node{
			ID:           spec.ID,
			Spec:         spec,
			Dependencies: append([]string(nil), spec.DependsOn...),
			State:        NodeStateBlocked,
		}
		ordered = append(ordered, spec.ID)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, fmt.Errorf("pipeline %s: dependency %s referenced by %s not declared", normalized.ID, depID, node.ID)
			}
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}
	for _, node := range nodes {
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
	}
	return &Resolver{
		nodes:      nodes,
		orderedIDs: ordered,
		topoIDs:    topo,
	}, nil
}

// Nodes returns the nodes in declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.nodes[id])
	}
	return out
}

// Node retrieves a specific node.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Evaluate refreshes node states from the manifest. Dependencies are
// visited before dependents so unreachability propagates in one pass.
//
// Stages listed in pending are still owned by the caller (in flight or
// waiting on a fallback) whatever their record says. They evaluate as
// pending and keep their dependents blocked.
func (r *Resolver) Evaluate(m manifest.Manifest, pending ...string) {
	owned := make(map[string]bool, len(pending))
	for _, id := range pending {
		owned[id] = true
	}
	for _, id := range r.topoIDs {
		node := r.nodes[id]
		node.Record = m.Stages[id]
		node.BlockedBy = nil
		if owned[id] {
			node.State = NodeStatePending
			continue
		}
		switch node.Record.State {
		case manifest.StageRunning:
			node.State = NodeStateRunning
			continue
		case manifest.StageSucceeded:
			node.State = NodeStateSucceeded
			continue
		case manifest.StageFailed:
			node.State = NodeStateFailed
			continue
		case manifest.StageSkipped:
			node.State = NodeStateSkipped
			continue
		case manifest.StageCancelled:
			node.State = NodeStateCancelled
			continue
		}
		var blockers []string
		unreachable := false
		for _, depID := range node.Dependencies {
			if !owned[depID] && m.DependencySatisfied(depID) {
				continue
			}
			blockers = append(blockers, depID)
			if r.nodes[depID].State.Settled() {
				unreachable = true
			}
		}
		switch {
		case len(blockers) == 0:
			node.State = NodeStateReady
		case unreachable:
			node.State = NodeStateUnreachable
			node.BlockedBy = blockers
		default:
			node.State = NodeStateBlocked
			node.BlockedBy = blockers
		}
	}
}

// Unreachable returns nodes that can never run because a dependency settled
// without satisfying them.
func (r *Resolver) Unreachable() []*Node {
	return r.withState(NodeStateUnreachable)
}

func (r *Resolver) withState(state NodeState) []*Node {
	var out []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.State == state {
			out = append(out, node)
		}
	}
	return out
}

// Queue returns unsettled nodes needed by targets, dependencies first. With
// no targets every unsettled node is considered.
func (r *Resolver) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = append([]string{}, r.orderedIDs...)
	}
	visited := make(map[string]bool, len(r.nodes))
	ordered := make([]*Node, 0, len(r.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("pipeline: unknown stage %s", id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if !node.State.Settled() {
			ordered = append(ordered, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Settled reports whether every node has reached an outcome.
func (r *Resolver) Settled() bool {
	for _, node := range r.nodes {
		if !node.State.Settled() {
			return false
		}
	}
	return true
}
