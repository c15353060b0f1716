package resolver

import (
	"testing"

	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
)

func diamond(allowDegraded bool) pipeline.Definition {
	return pipeline.Definition{
		ID:      "diamond",
		Runtime: pipeline.Runtime{AllowDegraded: allowDegraded},
		Stages: []pipeline.StageSpec{
			{ID: "a", Executor: "noop"},
			{ID: "b", Executor: "noop", DependsOn: []string{"a"}},
			{ID: "c", Executor: "noop", DependsOn: []string{"a"}, Mode: pipeline.ModeOptional},
			{ID: "d", Executor: "noop", DependsOn: []string{"b", "c"}},
		},
	}
}

func manifestWith(t *testing.T, def pipeline.Definition, states map[string]manifest.StageState) manifest.Manifest {
	t.Helper()
	normalized, err := def.Normalized()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	m := manifest.Manifest{Job: manifest.Job{ID: "job", Definition: normalized}, Stages: map[string]manifest.StageRecord{}}
	for id, state := range states {
		m.Stages[id] = manifest.StageRecord{StageID: id, State: state}
	}
	return m
}

func mustResolver(t *testing.T, def pipeline.Definition) *Resolver {
	t.Helper()
	res, err := New(def)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return res
}

func stateOf(t *testing.T, res *Resolver, id string) NodeState {
	t.Helper()
	node, ok := res.Node(id)
	if !ok {
		t.Fatalf("missing node %s", id)
	}
	return node.State
}

func readyIDs(res *Resolver) []string {
	var ids []string
	for _, node := range res.Nodes() {
		if node.State == NodeStateReady {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

func TestEvaluateStartsWithRoots(t *testing.T) {
	res := mustResolver(t, diamond(true))
	res.Evaluate(manifestWith(t, diamond(true), nil))
	ready := readyIDs(res)
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}
	if node, _ := res.Node("d"); node.State != NodeStateBlocked || len(node.BlockedBy) != 2 {
		t.Fatalf("expected d blocked by b and c, got %s %v", node.State, node.BlockedBy)
	}
}

func TestEvaluateFansOutInDeclarationOrder(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{"a": manifest.StageSucceeded}))
	ready := readyIDs(res)
	if len(ready) != 2 || ready[0] != "b" || ready[1] != "c" {
		t.Fatalf("expected b and c ready, got %v", ready)
	}
}

func TestEvaluateDegradedOptionalFailure(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{
		"a": manifest.StageSucceeded,
		"b": manifest.StageSucceeded,
		"c": manifest.StageFailed,
	}))
	if got := stateOf(t, res, "d"); got != NodeStateReady {
		t.Fatalf("degraded mode should let d run, got %s", got)
	}
}

func TestEvaluateStrictOptionalFailureMakesDependentsUnreachable(t *testing.T) {
	def := diamond(false)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{
		"a": manifest.StageSucceeded,
		"b": manifest.StageSucceeded,
		"c": manifest.StageFailed,
	}))
	if got := stateOf(t, res, "d"); got != NodeStateUnreachable {
		t.Fatalf("expected d unreachable, got %s", got)
	}
	if !res.Settled() {
		t.Fatalf("every node should be settled")
	}
}

func TestEvaluatePropagatesUnreachable(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{"a": manifest.StageFailed}))
	for _, id := range []string{"b", "c", "d"} {
		if got := stateOf(t, res, id); got != NodeStateUnreachable {
			t.Fatalf("expected %s unreachable, got %s", id, got)
		}
	}
}

func TestEvaluatePendingDependencyBlocksDegradedDependent(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	m := manifestWith(t, def, map[string]manifest.StageState{
		"a": manifest.StageSucceeded,
		"b": manifest.StageSucceeded,
		"c": manifest.StageFailed,
	})
	res.Evaluate(m, "c")
	if got := stateOf(t, res, "c"); got != NodeStatePending {
		t.Fatalf("expected c pending, got %s", got)
	}
	node, _ := res.Node("d")
	if node.State != NodeStateBlocked || len(node.BlockedBy) != 1 || node.BlockedBy[0] != "c" {
		t.Fatalf("expected d blocked by c, got %s %v", node.State, node.BlockedBy)
	}
	if res.Settled() {
		t.Fatalf("a pending stage is not settled")
	}

	res.Evaluate(m)
	if got := stateOf(t, res, "d"); got != NodeStateReady {
		t.Fatalf("d should run once c is released, got %s", got)
	}
}

func TestEvaluatePendingRequiredFailureIsNotUnreachable(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{"a": manifest.StageFailed}), "a")
	for _, id := range []string{"b", "c"} {
		if got := stateOf(t, res, id); got != NodeStateBlocked {
			t.Fatalf("expected %s blocked while a is pending, got %s", id, got)
		}
	}
}

func TestQueueOrdersDependenciesFirst(t *testing.T) {
	def := diamond(true)
	res := mustResolver(t, def)
	res.Evaluate(manifestWith(t, def, map[string]manifest.StageState{"a": manifest.StageSucceeded}))
	queue, err := res.Queue("d")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var ids []string
	for _, node := range queue {
		ids = append(ids, node.ID)
	}
	if len(ids) != 3 || ids[2] != "d" {
		t.Fatalf("unexpected queue %v", ids)
	}
	if _, err := res.Queue("missing"); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}
