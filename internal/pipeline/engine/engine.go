package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/reelflow/internal/escalation"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/retry"
	"github.com/kingrea/reelflow/internal/stage"
	"github.com/kingrea/reelflow/internal/task"
	"github.com/kingrea/reelflow/internal/tracer"
)

// DefaultMaxParallel bounds in-flight stages when neither the job nor its
// definition says otherwise.
const DefaultMaxParallel = 4

// Logger is satisfied by internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Engine runs jobs against a manifest store and an executor registry.
type Engine struct {
	store       manifest.Store
	registry    *task.Registry
	events      tracer.Emitter
	logger      Logger
	router      escalation.Resolver
	maxParallel int
	newID       func() string
	storeRetry  retry.Policy
	stageOpts   []stage.Option
	stages      *stage.Executor

	mu     sync.Mutex
	active map[string]*Handle
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithEmitter routes job and stage events to the tracer.
func WithEmitter(events tracer.Emitter) Option {
	return func(e *Engine) {
		if events != nil {
			e.events = events
		}
	}
}

// WithLogger injects the process logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRouter overrides the escalation policy.
func WithRouter(router escalation.Resolver) Option {
	return func(e *Engine) {
		if router != nil {
			e.router = router
		}
	}
}

// WithMaxParallel sets the default concurrency budget.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithIDGenerator replaces the job id source (primarily for tests).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithStoreRetry sets the bounded retry for the engine's own manifest
// writes.
func WithStoreRetry(policy retry.Policy) Option {
	return func(e *Engine) {
		e.storeRetry = policy
	}
}

// WithStageOptions passes options through to the stage executor.
func WithStageOptions(opts ...stage.Option) Option {
	return func(e *Engine) {
		e.stageOpts = append(e.stageOpts, opts...)
	}
}

// New wires an engine to its manifest store and executor registry.
func New(store manifest.Store, registry *task.Registry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: manifest store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine: executor registry is required")
	}
	e := &Engine{
		store:       store,
		registry:    registry,
		events:      tracer.Nop{},
		maxParallel: DefaultMaxParallel,
		newID:       uuid.NewString,
		storeRetry: retry.Policy{
			MaxAttempts: 3,
			Base:        100 * time.Millisecond,
			Cap:         2 * time.Second,
			Jitter:      0.2,
		},
		active: map[string]*Handle{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.router == nil {
		e.router = escalation.NewRouter(escalation.WithAvailability(registry.Has))
	}
	stageOpts := []stage.Option{stage.WithEmitter(e.events), stage.WithStoreRetry(e.storeRetry)}
	if e.logger != nil {
		stageOpts = append(stageOpts, stage.WithLogger(e.logger))
	}
	stages, err := stage.New(store, append(stageOpts, e.stageOpts...)...)
	if err != nil {
		return nil, err
	}
	e.stages = stages
	return e, nil
}

// JobSpec describes a job to start.
type JobSpec struct {
	// ID is optional; a random id is generated when empty.
	ID          string
	Topic       string
	Options     map[string]string
	Definition  pipeline.Definition
	MaxParallel int
}

// Handle tracks a job running in the background.
type Handle struct {
	JobID string

	cancel   context.CancelFunc
	done     chan struct{}
	manifest manifest.Manifest
	err      error
}

// Cancel requests cooperative cancellation. In-flight stages drain and the
// job settles as Cancelled.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the job reaches a terminal state or the engine gives
// up on it.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes and returns its last manifest.
func (h *Handle) Wait() (manifest.Manifest, error) {
	<-h.done
	return h.manifest, h.err
}

// Start validates and persists a new job, then runs it in the background.
// Cancelling ctx cancels the job.
func (e *Engine) Start(ctx context.Context, spec JobSpec) (*Handle, error) {
	def, err := spec.Definition.Normalized()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	if err := e.checkExecutors(def); err != nil {
		return nil, err
	}
	jobID := strings.TrimSpace(spec.ID)
	if jobID == "" {
		jobID = e.newID()
	}
	if def.Runtime.MaxParallel <= 0 {
		def.Runtime.MaxParallel = e.maxParallel
	}
	if spec.MaxParallel > 0 {
		def.Runtime.MaxParallel = spec.MaxParallel
	}
	job := manifest.Job{
		ID:         jobID,
		Topic:      spec.Topic,
		Options:    cloneOptions(spec.Options),
		Definition: def,
	}
	if _, err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}
	m, err := e.setJobState(ctx, jobID, manifest.JobRunning, "")
	if err != nil {
		return nil, err
	}
	e.logf("engine: started job %s (%s, %d stages)", jobID, def.ID, len(def.Stages))
	return e.launch(ctx, m)
}

// Run starts a job and blocks until it finishes. A job that does not
// succeed is reported as a *JobError alongside its manifest.
func (e *Engine) Run(ctx context.Context, spec JobSpec) (manifest.Manifest, error) {
	handle, err := e.Start(ctx, spec)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return handle.Wait()
}

// Resume continues a job from its manifest alone. Stages recorded as
// Running by a previous process are dispatched again with the next attempt
// number.
func (e *Engine) Resume(ctx context.Context, jobID string) (*Handle, error) {
	m, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.Job.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, m.Job.State)
	}
	if err := e.checkExecutors(m.Job.Definition); err != nil {
		return nil, err
	}
	if m.Job.State == manifest.JobCreated {
		if m, err = e.setJobState(ctx, jobID, manifest.JobRunning, "resumed"); err != nil {
			return nil, err
		}
	}
	e.logf("engine: resuming job %s at version %d", jobID, m.Version)
	return e.launch(ctx, m)
}

// Cancel cancels an active job by id.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	handle, ok := e.active[jobID]
	e.mu.Unlock()
	if ok {
		handle.Cancel()
	}
	return ok
}

// Status returns the latest manifest snapshot for a job.
func (e *Engine) Status(ctx context.Context, jobID string) (manifest.Manifest, error) {
	return e.store.Get(ctx, jobID)
}

func (e *Engine) launch(ctx context.Context, m manifest.Manifest) (*Handle, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	handle := &Handle{JobID: m.Job.ID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if _, exists := e.active[m.Job.ID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrJobActive, m.Job.ID)
	}
	e.active[m.Job.ID] = handle
	e.mu.Unlock()
	e.events.Emit(tracer.Event{JobID: m.Job.ID, Kind: tracer.KindJobStateChanged, State: string(manifest.JobRunning)})
	run, err := newJobRun(e, jobCtx, m)
	if err != nil {
		e.mu.Lock()
		delete(e.active, m.Job.ID)
		e.mu.Unlock()
		cancel()
		return nil, err
	}
	go func() {
		defer close(handle.done)
		defer cancel()
		handle.manifest, handle.err = run.loop()
		e.mu.Lock()
		delete(e.active, m.Job.ID)
		e.mu.Unlock()
	}()
	return handle, nil
}

func (e *Engine) checkExecutors(def pipeline.Definition) error {
	var missing []string
	for _, spec := range def.Stages {
		if !e.registry.Has(spec.Executor) {
			missing = append(missing, fmt.Sprintf("%s (%s)", spec.Executor, spec.ID))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: unknown executors: %s", ErrInvalidJob, strings.Join(missing, ", "))
	}
	return nil
}

// storeDo retries fn on storage outages only. Writes outlive job
// cancellation.
func (e *Engine) storeDo(ctx context.Context, fn func(ctx context.Context) error) error {
	policy := e.storeRetry
	policy.Classify = func(err error) task.ErrorKind {
		if errors.Is(err, manifest.ErrStorageUnavailable) {
			return task.KindTransient
		}
		return task.KindEngine
	}
	_, err := policy.Do(context.WithoutCancel(ctx), func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
	return unwrapKind(err)
}

func (e *Engine) setJobState(ctx context.Context, jobID string, state manifest.JobState, reason string) (manifest.Manifest, error) {
	var m manifest.Manifest
	err := e.storeDo(ctx, func(ctx context.Context) error {
		var err error
		m, err = e.store.SetJobState(ctx, jobID, manifest.JobStateRequest{State: state, Reason: reason})
		return err
	})
	return m, err
}

func (e *Engine) getManifest(ctx context.Context, jobID string) (manifest.Manifest, error) {
	var m manifest.Manifest
	err := e.storeDo(ctx, func(ctx context.Context) error {
		var err error
		m, err = e.store.Get(ctx, jobID)
		return err
	})
	return m, err
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// unwrapKind strips the classification wrapper the retry policy adds so
// callers can match store sentinels directly.
func unwrapKind(err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	var typed *task.Error
	if errors.As(err, &typed) && typed.Err != nil && typed.Reason == "" {
		return typed.Err
	}
	return err
}

func cloneOptions(options map[string]string) map[string]string {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]string, len(options))
	for key, value := range options {
		out[key] = value
	}
	return out
}
