package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/task"
	"github.com/kingrea/reelflow/internal/tracer"
)

func testDefinition(t *testing.T) pipeline.Definition {
	t.Helper()
	def, err := pipeline.Definition{
		ID: "stage-test",
		Stages: []pipeline.StageSpec{
			{ID: "a", Executor: "primary", Retry: &pipeline.RetrySpec{MaxAttempts: 3}},
			{ID: "b", Executor: "primary", DependsOn: []string{"a"}},
		},
	}.Normalized()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	return def
}

type harness struct {
	store  *manifest.Ledger
	events *tracer.Tracer
	sink   *tracer.MemorySink
	exec   *Executor
	def    pipeline.Definition
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessOn(t, manifest.NewMemoryBackend(), opts...)
}

func newHarnessOn(t *testing.T, backend manifest.Backend, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	ledger, err := manifest.NewLedger(backend)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	def := testDefinition(t)
	if _, err := ledger.Create(ctx, manifest.Job{ID: "job", Topic: "octopus", Definition: def}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.SetJobState(ctx, "job", manifest.JobStateRequest{State: manifest.JobRunning}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sink := &tracer.MemorySink{}
	events := tracer.New(tracer.WithSink(sink))
	base := []Option{
		WithEmitter(events),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	}
	exec, err := New(ledger, append(base, opts...)...)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	return &harness{store: ledger, events: events, sink: sink, exec: exec, def: def}
}

func (h *harness) request(t *testing.T, id string, exec task.Executor) Request {
	t.Helper()
	spec, ok := h.def.Stage(id)
	if !ok {
		t.Fatalf("unknown stage %s", id)
	}
	return Request{JobID: "job", Stage: spec, Task: exec, ExecutorName: spec.Executor, Topic: "octopus"}
}

func (h *harness) flush(t *testing.T) []tracer.Event {
	t.Helper()
	if err := h.events.Close(context.Background()); err != nil {
		t.Fatalf("close tracer: %v", err)
	}
	return h.sink.Events()
}

func ref(name string) artifact.Ref {
	return artifact.Ref{Name: name, URI: "file:///out/" + name, Hash: artifact.HashBytes([]byte(name)), Kind: artifact.KindScript}
}

func succeedAfter(failures int32, fail error) task.ExecutorFunc {
	var calls int32
	return func(ctx context.Context, in task.Input) (task.Output, error) {
		if atomic.AddInt32(&calls, 1) <= failures {
			return task.Output{}, fail
		}
		return task.Output{Artifacts: []artifact.Ref{ref(in.StageID + ".md")}}, nil
	}
}

func eventKinds(events []tracer.Event) []string {
	kinds := make([]string, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, string(event.Kind))
	}
	return kinds
}

func TestRunRetriesTransientFailuresThenSucceeds(t *testing.T) {
	h := newHarness(t)
	res := h.exec.Run(context.Background(), h.request(t, "a", succeedAfter(2, task.Transient("rate limited", nil))))
	if res.State != manifest.StageSucceeded || res.Err != nil || res.StoreErr != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Attempts != 3 || len(res.Artifacts) != 1 {
		t.Fatalf("expected 3 attempts and one artifact, got %+v", res)
	}
	rec := res.Manifest.Stages["a"]
	if rec.State != manifest.StageSucceeded || rec.Attempts != 3 {
		t.Fatalf("record not updated: %+v", rec)
	}
	if len(rec.Retries) != 2 || rec.Retries[0].Number != 1 || rec.Retries[1].Kind != task.KindTransient {
		t.Fatalf("retry history incomplete: %+v", rec.Retries)
	}
	kinds := strings.Join(eventKinds(h.flush(t)), ",")
	want := "StageAttemptFailed,StageAttemptFailed,StageSucceeded"
	if kinds != want {
		t.Fatalf("events = %s, want %s", kinds, want)
	}
}

func TestRunFatalFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	var calls int32
	exec := task.ExecutorFunc(func(context.Context, task.Input) (task.Output, error) {
		atomic.AddInt32(&calls, 1)
		return task.Output{}, errors.New("invalid api key")
	})
	res := h.exec.Run(context.Background(), h.request(t, "a", exec))
	if res.State != manifest.StageFailed || res.Kind != task.KindFatal {
		t.Fatalf("expected fatal failure, got %+v", res)
	}
	if calls != 1 {
		t.Fatalf("fatal error retried: %d calls", calls)
	}
	rec := res.Manifest.Stages["a"]
	if rec.Error == nil || rec.Error.Kind != task.KindFatal || !strings.Contains(rec.Error.Message, "invalid api key") {
		t.Fatalf("error not recorded: %+v", rec.Error)
	}
	events := h.flush(t)
	last := events[len(events)-1]
	if last.Kind != tracer.KindStageFailed || last.ErrorKind != string(task.KindFatal) {
		t.Fatalf("expected terminal failure event, got %+v", last)
	}
}

func TestRunAttemptTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	req := h.request(t, "a", task.ExecutorFunc(func(ctx context.Context, _ task.Input) (task.Output, error) {
		<-ctx.Done()
		return task.Output{}, ctx.Err()
	}))
	req.Stage.Timeout = 10 * time.Millisecond
	req.Stage.Retry = &pipeline.RetrySpec{MaxAttempts: 2}
	res := h.exec.Run(context.Background(), req)
	if res.State != manifest.StageFailed || res.Kind != task.KindTransient {
		t.Fatalf("expected exhausted transient failure, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected both attempts to run, got %d", res.Attempts)
	}
	if !strings.Contains(res.Err.Error(), "timed out") {
		t.Fatalf("error should mention the timeout: %v", res.Err)
	}
}

func TestRunRecordsCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	req := h.request(t, "a", task.ExecutorFunc(func(ctx context.Context, _ task.Input) (task.Output, error) {
		close(started)
		<-ctx.Done()
		return task.Output{}, ctx.Err()
	}))
	done := make(chan Result, 1)
	go func() { done <- h.exec.Run(ctx, req) }()
	<-started
	cancel()
	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not observe cancellation")
	}
	if res.State != manifest.StageCancelled || res.Kind != task.KindCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	m, err := h.store.Get(context.Background(), "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.StageState("a") != manifest.StageCancelled {
		t.Fatalf("cancellation not recorded: %s", m.StageState("a"))
	}
}

func TestRunFallbackContinuesAttemptCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.exec.Run(ctx, h.request(t, "a", succeedAfter(1, task.Fatal("content policy", nil))))
	if first.State != manifest.StageFailed {
		t.Fatalf("expected failure, got %+v", first)
	}
	req := h.request(t, "a", succeedAfter(0, nil))
	req.ExecutorName = "backup"
	req.Fallback = true
	second := h.exec.Run(ctx, req)
	if second.State != manifest.StageSucceeded {
		t.Fatalf("fallback failed: %+v", second)
	}
	rec := second.Manifest.Stages["a"]
	if !rec.FallbackUsed || rec.Executor != "backup" || rec.Attempts != 2 {
		t.Fatalf("fallback not recorded: %+v", rec)
	}
}

func TestRunAbsorbsVersionConflictsFromOtherStages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	req := h.request(t, "a", succeedAfter(0, nil))
	req.ManifestVersion = m.Version
	req.Inputs = map[string][]artifact.Ref{}
	// Bump the version with an unrelated write before the stage records.
	if _, err := h.store.RecordTransition(ctx, "job", manifest.TransitionRequest{StageID: "b", State: manifest.StagePending}); err != nil {
		t.Fatalf("unrelated write: %v", err)
	}
	res := h.exec.Run(ctx, req)
	if res.State != manifest.StageSucceeded || res.StoreErr != nil {
		t.Fatalf("conflict not absorbed: %+v", res)
	}
}

func TestRunRejectsChangedOwnRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m, err := h.store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	req := h.request(t, "a", succeedAfter(0, nil))
	req.ManifestVersion = m.Version
	req.Inputs = map[string][]artifact.Ref{}
	if _, err := h.store.RecordTransition(ctx, "job", manifest.TransitionRequest{StageID: "a", State: manifest.StageRunning, Attempt: 1}); err != nil {
		t.Fatalf("competing write: %v", err)
	}
	res := h.exec.Run(ctx, req)
	if res.StoreErr == nil || !errors.Is(res.StoreErr, manifest.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %+v", res)
	}
}

func TestRunRejectsInvalidArtifacts(t *testing.T) {
	h := newHarness(t)
	exec := task.ExecutorFunc(func(context.Context, task.Input) (task.Output, error) {
		return task.Output{Artifacts: []artifact.Ref{{URI: "file:///x", Kind: artifact.KindScript}}}, nil
	})
	res := h.exec.Run(context.Background(), h.request(t, "a", exec))
	if res.State != manifest.StageFailed || res.Kind != task.KindFatal {
		t.Fatalf("expected fatal failure for unhashed artifact, got %+v", res)
	}
}

func TestRunResolvesUpstreamArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if res := h.exec.Run(ctx, h.request(t, "a", succeedAfter(0, nil))); res.State != manifest.StageSucceeded {
		t.Fatalf("stage a: %+v", res)
	}
	var seen []artifact.Ref
	exec := task.ExecutorFunc(func(_ context.Context, in task.Input) (task.Output, error) {
		seen = in.Upstream["a"]
		if in.Attempt != 1 || in.Topic != "octopus" {
			t.Errorf("unexpected input: %+v", in)
		}
		return task.Output{}, nil
	})
	if res := h.exec.Run(ctx, h.request(t, "b", exec)); res.State != manifest.StageSucceeded {
		t.Fatalf("stage b: %+v", res)
	}
	if len(seen) != 1 || seen[0].Name != "a.md" {
		t.Fatalf("upstream artifacts not resolved: %+v", seen)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestRunStopsRetryingOnceHalted(t *testing.T) {
	h := newHarness(t)
	halt := make(chan struct{})
	close(halt)
	req := h.request(t, "a", succeedAfter(5, task.Transient("503 from provider", nil)))
	req.Halt = halt
	res := h.exec.Run(context.Background(), req)
	if res.State != manifest.StageFailed || res.Kind != task.KindTransient {
		t.Fatalf("expected failed transient result, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("halted stage retried: %d attempts", res.Attempts)
	}
	if got := res.Manifest.StageState("a"); got != manifest.StageFailed {
		t.Fatalf("record state = %s", got)
	}
}

// outageBackend fails Saves that record stage as Succeeded until failures
// runs out.
type outageBackend struct {
	manifest.Backend

	mu       sync.Mutex
	stage    string
	failures int
}

func (b *outageBackend) Save(ctx context.Context, m manifest.Manifest) error {
	b.mu.Lock()
	if b.failures > 0 && m.StageState(b.stage) == manifest.StageSucceeded {
		b.failures--
		b.mu.Unlock()
		return fmt.Errorf("%w: dial tcp: i/o timeout", manifest.ErrStorageUnavailable)
	}
	b.mu.Unlock()
	return b.Backend.Save(ctx, m)
}

func TestRunRetriesManifestWriteThroughShortOutage(t *testing.T) {
	backend := &outageBackend{Backend: manifest.NewMemoryBackend(), stage: "a", failures: 2}
	h := newHarnessOn(t, backend)
	res := h.exec.Run(context.Background(), h.request(t, "a", succeedAfter(0, nil)))
	if res.StoreErr != nil || res.State != manifest.StageSucceeded {
		t.Fatalf("expected the write to survive the outage, got %+v", res)
	}
	if rec := res.Manifest.Stages["a"]; rec.State != manifest.StageSucceeded || len(rec.Artifacts) != 1 {
		t.Fatalf("record not persisted: %+v", rec)
	}
}

func TestRunReportsPersistentManifestOutage(t *testing.T) {
	backend := &outageBackend{Backend: manifest.NewMemoryBackend(), stage: "a", failures: 3}
	h := newHarnessOn(t, backend)
	res := h.exec.Run(context.Background(), h.request(t, "a", succeedAfter(0, nil)))
	if !errors.Is(res.StoreErr, manifest.ErrStorageUnavailable) {
		t.Fatalf("expected storage outage, got %+v", res)
	}
	m, err := h.store.Get(context.Background(), "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.StageState("a") != manifest.StageRunning {
		t.Fatalf("unwritten outcome must leave the record as it was, got %s", m.StageState("a"))
	}
}
