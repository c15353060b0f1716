package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/reelflow/internal/escalation"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/pipeline/resolver"
	"github.com/kingrea/reelflow/internal/pipeline/scheduler"
	"github.com/kingrea/reelflow/internal/stage"
	"github.com/kingrea/reelflow/internal/task"
	"github.com/kingrea/reelflow/internal/tracer"
)

// jobRun is the single writer of job-level state for one job.
type jobRun struct {
	e           *Engine
	ctx         context.Context
	jobID       string
	def         pipeline.Definition
	resolver    *resolver.Resolver
	scheduler   *scheduler.Scheduler
	maxParallel int
	pool        *errgroup.Group
	results     chan stage.Result

	inflight  map[string]struct{}
	fallbacks map[string]string
	halt      chan struct{}
	halted    bool
	reason    string
	engineErr error
}

func newJobRun(e *Engine, ctx context.Context, m manifest.Manifest) (*jobRun, error) {
	def := m.Job.Definition
	res, err := resolver.New(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	sched, err := scheduler.New(res)
	if err != nil {
		return nil, err
	}
	maxParallel := def.Runtime.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.maxParallel
	}
	pool := &errgroup.Group{}
	pool.SetLimit(maxParallel)
	return &jobRun{
		e:           e,
		ctx:         ctx,
		jobID:       m.Job.ID,
		def:         def,
		resolver:    res,
		scheduler:   sched,
		maxParallel: maxParallel,
		pool:        pool,
		results:     make(chan stage.Result, len(def.Stages)),
		inflight:    map[string]struct{}{},
		fallbacks:   map[string]string{},
		halt:        make(chan struct{}),
	}, nil
}

// loop runs evaluation cycles until nothing is in flight and nothing more
// can be dispatched, then settles the job.
func (j *jobRun) loop() (manifest.Manifest, error) {
	for {
		m, err := j.e.getManifest(j.ctx, j.jobID)
		if err != nil {
			j.stop(fmt.Sprintf("manifest unavailable: %v", err), err)
			if len(j.inflight) == 0 {
				break
			}
		} else {
			progressed, err := j.cycle(m)
			if err != nil {
				j.stop(err.Error(), err)
			}
			if len(j.inflight) == 0 && !progressed {
				break
			}
		}
		if len(j.inflight) == 0 {
			continue
		}
		j.handle(<-j.results)
	}
	_ = j.pool.Wait()
	return j.settle()
}

// cycle dispatches everything runnable. It reports whether it changed
// anything so the loop can tell a stalled job from a busy one.
func (j *jobRun) cycle(m manifest.Manifest) (bool, error) {
	j.resolver.Evaluate(m, j.pendingIDs()...)
	halted := j.halted || j.ctx.Err() != nil
	progressed := false
	if !halted {
		for _, node := range j.resolver.Nodes() {
			alt, ok := j.fallbacks[node.ID]
			if !ok {
				continue
			}
			if len(j.inflight) >= j.maxParallel {
				break
			}
			delete(j.fallbacks, node.ID)
			j.dispatch(node, alt, true, m)
			progressed = true
		}
	}
	batch, err := j.scheduler.Runnable(scheduler.RunnableRequest{
		MaxParallel: j.maxParallel,
		Running:     j.inflightIDs(),
		Halted:      halted,
		HaltReason:  j.haltReason(),
	})
	if err != nil {
		return progressed, err
	}
	for _, node := range batch.Nodes {
		executor := node.Spec.Executor
		if node.Record.Executor != "" {
			executor = node.Record.Executor
		}
		j.dispatch(node, executor, false, m)
		progressed = true
	}
	if halted || len(j.fallbacks) > 0 {
		return progressed, nil
	}
	for _, node := range j.resolver.Unreachable() {
		if !node.Spec.Optional() || node.Record.State != "" {
			continue
		}
		if err := j.skip(node); err != nil {
			return progressed, err
		}
		progressed = true
	}
	return progressed, nil
}

func (j *jobRun) dispatch(node *resolver.Node, executorName string, fallback bool, m manifest.Manifest) {
	spec := node.Spec
	exec, err := j.e.registry.Resolve(executorName, task.Config(spec.Config.Clone()))
	if err != nil {
		j.stop(fmt.Sprintf("stage %s: %v", spec.ID, err), err)
		return
	}
	req := stage.Request{
		JobID:           j.jobID,
		Stage:           spec,
		Task:            exec,
		ExecutorName:    executorName,
		Inputs:          stage.ResolveInputs(m, spec),
		ManifestVersion: m.Version,
		Record:          node.Record,
		Topic:           m.Job.Topic,
		Options:         m.Job.Options,
		Fallback:        fallback,
		Halt:            j.halt,
	}
	j.inflight[spec.ID] = struct{}{}
	j.pool.Go(func() error {
		j.e.events.Emit(tracer.Event{
			JobID:    j.jobID,
			Kind:     tracer.KindStageDispatched,
			StageID:  spec.ID,
			Attempt:  node.Record.Attempts + 1,
			Executor: executorName,
		})
		j.results <- j.e.stages.Run(j.ctx, req)
		return nil
	})
}

func (j *jobRun) handle(res stage.Result) {
	delete(j.inflight, res.StageID)
	if res.StoreErr != nil {
		j.stop(fmt.Sprintf("stage %s: manifest write failed: %v", res.StageID, res.StoreErr), res.StoreErr)
		return
	}
	if res.State != manifest.StageFailed || j.halted || j.ctx.Err() != nil {
		return
	}
	spec, _ := j.def.Stage(res.StageID)
	decision := j.e.router.Resolve(spec, res.Manifest.Stages[res.StageID], res.Err)
	switch decision.Action {
	case escalation.ActionRetry:
		j.fallbacks[res.StageID] = decision.Executor
		j.e.events.Emit(tracer.Event{
			JobID:    j.jobID,
			Kind:     tracer.KindStageFallback,
			StageID:  res.StageID,
			Executor: decision.Executor,
			Message:  decision.Reason,
		})
		j.e.logf("engine: job %s: %s", j.jobID, decision.Reason)
	case escalation.ActionSkip:
		j.e.events.Emit(tracer.Event{
			JobID:     j.jobID,
			Kind:      tracer.KindStageSkipped,
			StageID:   res.StageID,
			ErrorKind: string(res.Kind),
			Message:   decision.Reason,
		})
		j.e.logf("engine: job %s: %s", j.jobID, decision.Reason)
	default:
		j.stop(decision.Reason, nil)
	}
}

// skip records an optional stage that can no longer run.
func (j *jobRun) skip(node *resolver.Node) error {
	note := "unreachable: " + strings.Join(node.BlockedBy, ", ")
	err := j.e.storeDo(j.ctx, func(ctx context.Context) error {
		_, err := j.e.store.RecordTransition(ctx, j.jobID, manifest.TransitionRequest{
			StageID: node.ID,
			State:   manifest.StageSkipped,
			Note:    note,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("skip %s: %w", node.ID, err)
	}
	j.e.events.Emit(tracer.Event{JobID: j.jobID, Kind: tracer.KindStageSkipped, StageID: node.ID, Message: note})
	return nil
}

// stop halts dispatching. In-flight stages finish without further retries.
func (j *jobRun) stop(reason string, err error) {
	if err != nil && j.engineErr == nil {
		j.engineErr = err
	}
	if j.halted {
		return
	}
	j.halted = true
	j.reason = reason
	close(j.halt)
	j.e.logf("engine: job %s halted: %s", j.jobID, reason)
}

func (j *jobRun) settle() (manifest.Manifest, error) {
	state, reason := j.outcome()
	if j.engineErr != nil {
		j.failStranded(reason)
	}
	m, err := j.e.setJobState(j.ctx, j.jobID, state, reason)
	if err != nil {
		j.e.logf("engine: job %s: record %s: %v", j.jobID, state, err)
		last, _ := j.e.store.Get(context.WithoutCancel(j.ctx), j.jobID)
		return last, &JobError{JobID: j.jobID, State: state, Reason: fmt.Sprintf("%s (not recorded: %v)", reason, err)}
	}
	j.e.events.Emit(tracer.Event{JobID: j.jobID, Kind: tracer.KindJobStateChanged, State: string(state), Message: reason})
	j.e.logf("engine: job %s %s", j.jobID, state)
	if state != manifest.JobSucceeded {
		return m, &JobError{JobID: j.jobID, State: state, Reason: reason}
	}
	return m, nil
}

// failStranded records stages left Running by a failed manifest write as
// Failed, so the job itself can leave Running.
func (j *jobRun) failStranded(reason string) {
	m, err := j.e.getManifest(j.ctx, j.jobID)
	if err != nil {
		return
	}
	for _, node := range j.resolver.Nodes() {
		if m.StageState(node.ID) != manifest.StageRunning {
			continue
		}
		stageErr := &manifest.StageError{Kind: task.KindEngine, Message: reason}
		err := j.e.storeDo(j.ctx, func(ctx context.Context) error {
			_, err := j.e.store.RecordTransition(ctx, j.jobID, manifest.TransitionRequest{
				StageID: node.ID,
				State:   manifest.StageFailed,
				Error:   stageErr,
				Note:    "stranded by engine error",
			})
			return err
		})
		if err != nil {
			j.e.logf("engine: job %s: release stage %s: %v", j.jobID, node.ID, err)
			continue
		}
		j.e.events.Emit(tracer.Event{
			JobID:     j.jobID,
			Kind:      tracer.KindStageFailed,
			StageID:   node.ID,
			State:     string(manifest.StageFailed),
			ErrorKind: string(task.KindEngine),
			Message:   reason,
		})
	}
}

func (j *jobRun) outcome() (manifest.JobState, string) {
	if j.engineErr != nil {
		return manifest.JobFailed, j.reason
	}
	if j.ctx.Err() != nil {
		return manifest.JobCancelled, "cancelled"
	}
	if j.halted {
		return manifest.JobFailed, j.reason
	}
	m, err := j.e.getManifest(j.ctx, j.jobID)
	if err != nil {
		return manifest.JobFailed, fmt.Sprintf("manifest unavailable: %v", err)
	}
	if m.RequiredSucceeded() {
		return manifest.JobSucceeded, ""
	}
	var stuck []string
	for _, id := range m.Job.Definition.Required() {
		if m.StageState(id) != manifest.StageSucceeded {
			stuck = append(stuck, id)
		}
	}
	return manifest.JobFailed, "required stages cannot complete: " + strings.Join(stuck, ", ")
}

func (j *jobRun) haltReason() string {
	if j.halted {
		return j.reason
	}
	if j.ctx.Err() != nil {
		return "cancelled"
	}
	return ""
}

// pendingIDs lists stages the run still owns: in flight or queued for a
// fallback. Their dependents wait for them whatever the manifest says.
func (j *jobRun) pendingIDs() []string {
	ids := j.inflightIDs()
	for id := range j.fallbacks {
		ids = append(ids, id)
	}
	return ids
}

func (j *jobRun) inflightIDs() []string {
	ids := make([]string, 0, len(j.inflight))
	for id := range j.inflight {
		ids = append(ids, id)
	}
	return ids
}
