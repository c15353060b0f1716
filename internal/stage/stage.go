// Package stage runs one stage of a job: it invokes the task executor under
// a per-attempt timeout inside the retry policy and records every attempt
// and the terminal outcome in the manifest.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/retry"
	"github.com/kingrea/reelflow/internal/task"
	"github.com/kingrea/reelflow/internal/tracer"
)

var errHalted = errors.New("stage: job halted")

const (
	instrumentationName = "github.com/kingrea/reelflow/internal/stage"
	maxVersionConflicts = 64
)

// Logger is satisfied by internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes an Executor.
type Option func(*Executor)

// WithEmitter routes stage events to the tracer.
func WithEmitter(events tracer.Emitter) Option {
	return func(x *Executor) {
		if events != nil {
			x.events = events
		}
	}
}

// WithLogger injects the process logger.
func WithLogger(logger Logger) Option {
	return func(x *Executor) {
		x.logger = logger
	}
}

// WithTracer overrides the OpenTelemetry tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(x *Executor) {
		if t != nil {
			x.spans = t
		}
	}
}

// WithDefaultRetry sets the policy used when a stage declares no override.
func WithDefaultRetry(policy retry.Policy) Option {
	return func(x *Executor) {
		x.defaults = policy
	}
}

// WithStoreRetry sets the bounded policy for manifest writes.
func WithStoreRetry(policy retry.Policy) Option {
	return func(x *Executor) {
		x.storeRetry = policy
	}
}

// WithClassifier sets the failure classifier for task errors.
func WithClassifier(classify task.Classifier) Option {
	return func(x *Executor) {
		if classify != nil {
			x.classify = classify
		}
	}
}

// WithTimeouts sets default attempt timeouts keyed by stage id or executor
// name. A stage's own Timeout takes precedence.
func WithTimeouts(timeouts map[string]time.Duration) Option {
	return func(x *Executor) {
		for key, value := range timeouts {
			if value > 0 {
				x.timeouts[key] = value
			}
		}
	}
}

// WithSleep replaces the backoff wait for both task and store retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(x *Executor) {
		x.sleep = sleep
	}
}

// WithWorkDir sets the directory handed to executors as scratch space root.
func WithWorkDir(dir string) Option {
	return func(x *Executor) {
		x.workDir = dir
	}
}

// Executor runs stages against a manifest store.
type Executor struct {
	store      manifest.Store
	events     tracer.Emitter
	logger     Logger
	spans      trace.Tracer
	defaults   retry.Policy
	storeRetry retry.Policy
	classify   task.Classifier
	timeouts   map[string]time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	workDir    string
}

// New builds a stage executor.
func New(store manifest.Store, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("stage: manifest store is required")
	}
	x := &Executor{
		store:    store,
		events:   tracer.Nop{},
		spans:    otel.Tracer(instrumentationName),
		defaults: retry.Default(),
		storeRetry: retry.Policy{
			MaxAttempts: 3,
			Base:        100 * time.Millisecond,
			Cap:         2 * time.Second,
			Jitter:      0.2,
		},
		classify: task.DefaultClassifier,
		timeouts: map[string]time.Duration{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x, nil
}

// Request describes one stage run.
type Request struct {
	JobID string
	Stage pipeline.StageSpec
	// Task is the resolved executor; ExecutorName labels it in the manifest.
	Task         task.Executor
	ExecutorName string
	// Inputs maps dependency ids to their artifacts. When nil they are
	// resolved from the manifest.
	Inputs map[string][]artifact.Ref
	// ManifestVersion and Record are the caller's view of the stage; writes
	// are rejected if another writer changed the record in between.
	ManifestVersion int64
	Record          manifest.StageRecord
	Topic           string
	Options         map[string]string
	// Fallback marks re-entry from Failed onto an alternate executor.
	Fallback bool
	// Halt, once closed, stops further retries. The attempt in flight still
	// finishes and its outcome is recorded.
	Halt <-chan struct{}
}

// Result is the terminal outcome of Run.
type Result struct {
	StageID   string
	State     manifest.StageState
	Attempts  int
	Artifacts []artifact.Ref
	Metadata  map[string]string
	Err       error
	Kind      task.ErrorKind
	// StoreErr is set when the manifest could not be written; the job
	// cannot continue safely.
	StoreErr error
	Manifest manifest.Manifest
}

// ResolveInputs collects the artifacts recorded by a stage's dependencies.
func ResolveInputs(m manifest.Manifest, spec pipeline.StageSpec) map[string][]artifact.Ref {
	inputs := make(map[string][]artifact.Ref, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if m.StageState(dep) == manifest.StageSucceeded {
			inputs[dep] = m.Artifacts(dep)
		}
	}
	return inputs
}

// Run executes req and records its outcome. It never mutates job state.
func (x *Executor) Run(ctx context.Context, req Request) Result {
	r := &run{x: x, req: req, version: req.ManifestVersion, record: req.Record}
	return r.execute(ctx)
}

type run struct {
	x       *Executor
	req     Request
	version int64
	record  manifest.StageRecord
	latest  manifest.Manifest
	pending []manifest.AttemptRecord
	started bool
	output  task.Output
}

func (r *run) execute(ctx context.Context) Result {
	spec := r.req.Stage
	result := Result{StageID: spec.ID}
	if r.req.Task == nil {
		result.State = manifest.StageFailed
		result.Err = task.Engine("no executor bound to stage "+spec.ID, nil)
		result.Kind = task.KindEngine
		result.StoreErr = result.Err
		return result
	}
	inputs := r.req.Inputs
	if inputs == nil {
		m, err := r.x.store.Get(context.WithoutCancel(ctx), r.req.JobID)
		if err != nil {
			result.State = manifest.StageFailed
			result.Err = task.Engine("load manifest", err)
			result.Kind = task.KindEngine
			result.StoreErr = err
			return result
		}
		inputs = ResolveInputs(m, spec)
		if r.version == 0 {
			r.version = m.Version
			r.record = m.Stages[spec.ID]
		}
	}
	offset := r.record.Attempts
	policy := r.policy()
	var storeErr error
	policy.OnAttemptFailed = func(a retry.Attempt) {
		if storeErr != nil {
			return
		}
		attempt := offset + a.Number
		r.pending = append(r.pending, manifest.AttemptRecord{
			Number:     attempt,
			Executor:   r.req.ExecutorName,
			Kind:       a.Kind,
			Error:      a.Err,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Backoff:    a.Backoff,
		})
		r.x.events.Emit(tracer.Event{
			JobID:     r.req.JobID,
			Kind:      tracer.KindStageAttemptFailed,
			StageID:   spec.ID,
			Attempt:   attempt,
			Executor:  r.req.ExecutorName,
			ErrorKind: string(a.Kind),
			Message:   a.Err,
		})
	}
	outcome, err := policy.Do(ctx, func(ctx context.Context, n int) error {
		attempt := offset + n
		if werr := r.write(ctx, manifest.TransitionRequest{
			StageID:  spec.ID,
			State:    manifest.StageRunning,
			Attempt:  attempt,
			Executor: r.req.ExecutorName,
			Fallback: r.req.Fallback && !r.started,
			Note:     fmt.Sprintf("attempt %d", attempt),
		}); werr != nil {
			storeErr = werr
			return task.Engine("record attempt start", werr)
		}
		r.started = true
		return r.attempt(ctx, inputs, attempt)
	})
	result.Attempts = outcome.Attempts
	if storeErr != nil {
		result.State = manifest.StageFailed
		result.Err = err
		result.Kind = task.KindEngine
		result.StoreErr = storeErr
		r.logf("stage: job %s stage %s: manifest write failed: %v", r.req.JobID, spec.ID, storeErr)
		return result
	}
	if err == nil {
		return r.finish(ctx, result, manifest.StageSucceeded, nil, "")
	}
	if errors.Is(err, errHalted) && len(outcome.History) > 0 {
		last := outcome.History[len(outcome.History)-1]
		err = &task.Error{Kind: last.Kind, Reason: "retries stopped after job halted", Err: errors.New(last.Err)}
		return r.finish(ctx, result, manifest.StageFailed, err, last.Kind)
	}
	kind, ok := task.KindOf(err)
	if !ok {
		kind = r.x.classify(err)
	}
	state := manifest.StageFailed
	if kind == task.KindCancelled {
		state = manifest.StageCancelled
		if !r.started {
			result.State = manifest.StageCancelled
			result.Err = err
			result.Kind = kind
			result.Manifest = r.latest
			return result
		}
	}
	return r.finish(ctx, result, state, err, kind)
}

func (r *run) attempt(ctx context.Context, inputs map[string][]artifact.Ref, attempt int) error {
	spec := r.req.Stage
	attemptCtx := ctx
	timeout := r.timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	attemptCtx, span := r.x.spans.Start(attemptCtx, "stage.attempt", trace.WithAttributes(
		attribute.String("reelflow.job_id", r.req.JobID),
		attribute.String("reelflow.stage_id", spec.ID),
		attribute.String("reelflow.executor", r.req.ExecutorName),
		attribute.Int("reelflow.attempt", attempt),
		attribute.Int64("reelflow.manifest_version", r.version),
	))
	defer span.End()
	out, err := r.req.Task.Execute(attemptCtx, task.Input{
		JobID:    r.req.JobID,
		StageID:  spec.ID,
		Topic:    r.req.Topic,
		Options:  r.req.Options,
		Upstream: inputs,
		Attempt:  attempt,
		WorkDir:  r.x.workDir,
		Config:   task.Config(spec.Config.Clone()),
	})
	if err == nil {
		for _, ref := range out.Artifacts {
			if verr := ref.Validate(); verr != nil {
				err = task.Fatal("executor returned an invalid artifact", verr)
				break
			}
		}
	}
	if err == nil {
		r.output = out
		span.SetStatus(codes.Ok, "")
		return nil
	}
	switch {
	case ctx.Err() != nil:
		err = task.Cancelled("job cancelled", err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		if _, explicit := task.KindOf(err); !explicit {
			err = task.Transient(fmt.Sprintf("attempt timed out after %s", timeout), err)
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *run) finish(ctx context.Context, result Result, state manifest.StageState, err error, kind task.ErrorKind) Result {
	spec := r.req.Stage
	req := manifest.TransitionRequest{
		StageID:  spec.ID,
		State:    state,
		Attempt:  r.record.Attempts,
		Executor: r.req.ExecutorName,
	}
	if state == manifest.StageSucceeded {
		req.Artifacts = r.output.Artifacts
		req.Note = "succeeded"
	} else {
		req.Error = &manifest.StageError{Kind: kind, Message: err.Error()}
		req.Note = string(kind)
	}
	result.State = state
	result.Err = err
	result.Kind = kind
	if werr := r.write(ctx, req); werr != nil {
		result.StoreErr = werr
		r.logf("stage: job %s stage %s: record %s: %v", r.req.JobID, spec.ID, state, werr)
		return result
	}
	result.Manifest = r.latest
	if state == manifest.StageSucceeded {
		result.Artifacts = artifact.CloneRefs(r.output.Artifacts)
		result.Metadata = r.output.Metadata
	}
	event := tracer.Event{
		JobID:    r.req.JobID,
		StageID:  spec.ID,
		Attempt:  r.record.Attempts,
		Executor: r.req.ExecutorName,
		State:    string(state),
		Duration: r.record.Duration(),
	}
	if state == manifest.StageSucceeded {
		event.Kind = tracer.KindStageSucceeded
	} else {
		event.Kind = tracer.KindStageFailed
		event.ErrorKind = string(kind)
		event.Message = err.Error()
	}
	r.x.events.Emit(event)
	return result
}

// write records a transition with optimistic concurrency on the caller's
// view of the manifest. Version conflicts caused by other stages are
// absorbed by re-reading; a change to this stage's own record is an error.
// Writes outlive job cancellation so in-flight outcomes are kept.
func (r *run) write(ctx context.Context, req manifest.TransitionRequest) error {
	ctx = context.WithoutCancel(ctx)
	req.Retries = r.pending
	policy := r.x.storeRetry
	policy.Classify = classifyStoreError
	if r.x.sleep != nil {
		policy.Sleep = r.x.sleep
	}
	_, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		for conflicts := 0; ; conflicts++ {
			req.ExpectedVersion = r.version
			m, err := r.x.store.RecordTransition(ctx, r.req.JobID, req)
			if err == nil {
				r.version = m.Version
				r.latest = m
				r.record = m.Stages[req.StageID]
				return nil
			}
			if !errors.Is(err, manifest.ErrConcurrentModification) {
				return err
			}
			if conflicts >= maxVersionConflicts {
				return err
			}
			current, gerr := r.x.store.Get(ctx, r.req.JobID)
			if gerr != nil {
				return gerr
			}
			if !sameRecord(current.Stages[req.StageID], r.record) {
				return fmt.Errorf("stage %s record changed by another writer: %w", req.StageID, err)
			}
			r.version = current.Version
		}
	})
	if err != nil {
		return err
	}
	r.pending = nil
	return nil
}

func classifyStoreError(err error) task.ErrorKind {
	if errors.Is(err, manifest.ErrStorageUnavailable) {
		return task.KindTransient
	}
	return task.KindEngine
}

func sameRecord(a, b manifest.StageRecord) bool {
	return a.State == b.State && a.Attempts == b.Attempts && len(a.History) == len(b.History)
}

func (r *run) policy() retry.Policy {
	policy := r.x.defaults
	if spec := r.req.Stage.Retry; spec != nil {
		if spec.MaxAttempts > 0 {
			policy.MaxAttempts = spec.MaxAttempts
		}
		if spec.Base > 0 {
			policy.Base = spec.Base
		}
		if spec.Cap > 0 {
			policy.Cap = spec.Cap
		}
		if spec.Jitter > 0 {
			policy.Jitter = spec.Jitter
		}
	}
	policy.Classify = r.x.classify
	sleep := retry.Sleep
	if r.x.sleep != nil {
		sleep = r.x.sleep
	}
	policy.Sleep = sleep
	if halt := r.req.Halt; halt != nil {
		policy.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-halt:
				return errHalted
			default:
			}
			waitCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-halt:
					cancel()
				case <-waitCtx.Done():
				}
			}()
			err := sleep(waitCtx, d)
			if err != nil && ctx.Err() == nil {
				select {
				case <-halt:
					return errHalted
				default:
				}
			}
			return err
		}
	}
	return policy
}

func (r *run) timeout() time.Duration {
	spec := r.req.Stage
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	if d, ok := r.x.timeouts[spec.ID]; ok {
		return d
	}
	return r.x.timeouts[r.req.ExecutorName]
}

func (r *run) logf(format string, args ...any) {
	if r.x.logger != nil {
		r.x.logger.Printf(format, args...)
	}
}
