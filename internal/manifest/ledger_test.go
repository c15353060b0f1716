package manifest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/task"
)

func testDefinition(t *testing.T) pipeline.Definition {
	t.Helper()
	def, err := pipeline.Definition{
		ID:      "test",
		Runtime: pipeline.Runtime{AllowDegraded: true},
		Stages: []pipeline.StageSpec{
			{ID: "a", Executor: "noop"},
			{ID: "b", Executor: "noop", DependsOn: []string{"a"}},
			{ID: "q", Executor: "noop", Mode: pipeline.ModeOptional},
			{ID: "c", Executor: "noop", DependsOn: []string{"q"}},
		},
	}.Normalized()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	return def
}

func newRunningJob(t *testing.T, store Store, id string) Manifest {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Create(ctx, Job{ID: id, Topic: "octopus", Definition: testDefinition(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := store.SetJobState(ctx, id, JobStateRequest{State: JobRunning})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	return m
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func sampleRef(name string) artifact.Ref {
	return artifact.Ref{Name: name, URI: "file:///tmp/" + name, Hash: artifact.HashBytes([]byte(name)), Kind: artifact.KindScript}
}

func TestLedgerVersionsIncreaseAndHistoryIsRetained(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend(), WithClock(fixedClock()))
	m := newRunningJob(t, ledger, "job-1")
	if m.Version != 2 {
		t.Fatalf("expected version 2 after create+start, got %d", m.Version)
	}
	steps := []TransitionRequest{
		{StageID: "a", State: StageRunning, Attempt: 1, Executor: "noop"},
		{StageID: "a", State: StageRunning, Attempt: 2, Executor: "noop", Retries: []AttemptRecord{{Number: 1, Kind: task.KindTransient, Error: "429"}}},
		{StageID: "a", State: StageSucceeded, Attempt: 2, Artifacts: []artifact.Ref{sampleRef("script.md")}},
	}
	last := m.Version
	for _, step := range steps {
		next, err := ledger.RecordTransition(ctx, "job-1", step)
		if err != nil {
			t.Fatalf("transition %s: %v", step.State, err)
		}
		if next.Version != last+1 {
			t.Fatalf("expected version %d, got %d", last+1, next.Version)
		}
		last = next.Version
	}
	current, err := ledger.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec := current.Stages["a"]
	if rec.State != StageSucceeded || rec.Attempts != 2 || len(rec.History) != 3 || len(rec.Retries) != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.StartedAt.IsZero() || !rec.EndedAt.After(rec.StartedAt) {
		t.Fatalf("expected start/end timestamps, got %s/%s", rec.StartedAt, rec.EndedAt)
	}
	versions, err := ledger.Versions(ctx, "job-1")
	if err != nil || len(versions) != int(current.Version) {
		t.Fatalf("expected every version retained, got %v (%v)", versions, err)
	}
	early, err := ledger.Snapshot(ctx, "job-1", 3)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if early.Stages["a"].State != StageRunning {
		t.Fatalf("snapshot 3 should show a running, got %s", early.Stages["a"].State)
	}
	hash, _ := ComputeHash(current)
	if hash != current.Hash || !strings.HasPrefix(hash, artifact.HashPrefix) {
		t.Fatalf("hash mismatch: stored %s computed %s", current.Hash, hash)
	}
}

func TestLedgerRejectsStaleExpectedVersion(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend())
	m := newRunningJob(t, ledger, "job-2")
	if _, err := ledger.RecordTransition(ctx, "job-2", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 1, ExpectedVersion: m.Version}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err := ledger.RecordTransition(ctx, "job-2", TransitionRequest{StageID: "q", State: StageRunning, Attempt: 1, ExpectedVersion: m.Version})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
}

func TestLedgerNotFound(t *testing.T) {
	ledger, _ := NewLedger(NewMemoryBackend())
	if _, err := ledger.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err := ledger.RecordTransition(context.Background(), "missing", TransitionRequest{StageID: "a", State: StageRunning})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on transition, got %v", err)
	}
}

func TestLedgerEnforcesDependencies(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend())
	newRunningJob(t, ledger, "job-3")
	_, err := ledger.RecordTransition(ctx, "job-3", TransitionRequest{StageID: "b", State: StageRunning, Attempt: 1})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("b must not start before a succeeds, got %v", err)
	}
	if _, err := ledger.RecordTransition(ctx, "job-3", TransitionRequest{StageID: "q", State: StageRunning, Attempt: 1}); err != nil {
		t.Fatalf("start q: %v", err)
	}
	if _, err := ledger.RecordTransition(ctx, "job-3", TransitionRequest{StageID: "q", State: StageFailed, Error: &StageError{Kind: task.KindFatal, Message: "no music"}}); err != nil {
		t.Fatalf("fail q: %v", err)
	}
	if _, err := ledger.RecordTransition(ctx, "job-3", TransitionRequest{StageID: "c", State: StageRunning, Attempt: 1}); err != nil {
		t.Fatalf("degraded run should allow c after optional q failed: %v", err)
	}
}

func TestLedgerFallbackReentryOnlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend())
	newRunningJob(t, ledger, "job-4")
	fail := TransitionRequest{StageID: "a", State: StageFailed, Error: &StageError{Kind: task.KindTransient, Message: "503"}}
	mustTransition(t, ledger, "job-4", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 1})
	mustTransition(t, ledger, "job-4", fail)
	if _, err := ledger.RecordTransition(ctx, "job-4", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 2}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-entry without fallback should fail, got %v", err)
	}
	m := mustTransition(t, ledger, "job-4", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 2, Executor: "alt", Fallback: true})
	if rec := m.Stages["a"]; !rec.FallbackUsed || rec.Executor != "alt" {
		t.Fatalf("expected fallback recorded, got %+v", rec)
	}
	mustTransition(t, ledger, "job-4", fail)
	if _, err := ledger.RecordTransition(ctx, "job-4", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 3, Fallback: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second fallback should be rejected, got %v", err)
	}
}

func TestLedgerJobTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend())
	newRunningJob(t, ledger, "job-5")
	if _, err := ledger.SetJobState(ctx, "job-5", JobStateRequest{State: JobSucceeded}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("job cannot succeed before required stages, got %v", err)
	}
	if _, err := ledger.SetJobState(ctx, "job-5", JobStateRequest{State: JobCancelled, Reason: "user"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := ledger.SetJobState(ctx, "job-5", JobStateRequest{State: JobRunning}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job must be immutable, got %v", err)
	}
	if _, err := ledger.RecordTransition(ctx, "job-5", TransitionRequest{StageID: "a", State: StageRunning}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stage writes after terminal state must fail, got %v", err)
	}
}

func TestLedgerSerializesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewLedger(NewMemoryBackend())
	newRunningJob(t, ledger, "job-6")
	mustTransition(t, ledger, "job-6", TransitionRequest{StageID: "a", State: StageRunning, Attempt: 1})
	mustTransition(t, ledger, "job-6", TransitionRequest{StageID: "q", State: StageRunning, Attempt: 1})
	var wg sync.WaitGroup
	versions := make(chan int64, 20)
	for i := 0; i < 10; i++ {
		for _, id := range []string{"a", "q"} {
			wg.Add(1)
			go func(stage string, attempt int) {
				defer wg.Done()
				m, err := ledger.RecordTransition(ctx, "job-6", TransitionRequest{StageID: stage, State: StageRunning, Attempt: attempt})
				if err != nil {
					t.Errorf("transition: %v", err)
					return
				}
				versions <- m.Version
			}(id, i+2)
		}
	}
	wg.Wait()
	close(versions)
	seen := map[int64]bool{}
	for v := range versions {
		if seen[v] {
			t.Fatalf("version %d produced twice", v)
		}
		seen[v] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct versions, got %d", len(seen))
	}
}

func mustTransition(t *testing.T, store Store, jobID string, req TransitionRequest) Manifest {
	t.Helper()
	m, err := store.RecordTransition(context.Background(), jobID, req)
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", req.StageID, req.State, err)
	}
	return m
}
