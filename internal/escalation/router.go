// Package escalation decides what happens to a stage once it fails
// terminally: re-run it once on an alternate executor, skip it when
// optional, or fail the job.
package escalation

import (
	"fmt"
	"strings"

	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/task"
)

// Action is the router's verdict.
type Action string

const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionFail  Action = "fail"
)

// Decision is returned by Resolve. Executor is set for ActionRetry.
type Decision struct {
	Action   Action
	Executor string
	Reason   string
}

// Resolver is what the engine consults after a terminal stage failure.
type Resolver interface {
	Resolve(stage pipeline.StageSpec, record manifest.StageRecord, err error) Decision
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithFallbacks maps stage ids or executor names to alternate executors.
// Stage ids win over executor names; an inline StageSpec.Fallback wins over
// both.
func WithFallbacks(fallbacks map[string]string) RouterOption {
	return func(r *Router) {
		for key, value := range fallbacks {
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
			if key != "" && value != "" {
				r.fallbacks[key] = value
			}
		}
	}
}

// WithAvailability filters fallbacks to executors that can be resolved.
func WithAvailability(available func(executor string) bool) RouterOption {
	return func(r *Router) {
		if available != nil {
			r.available = available
		}
	}
}

// WithClassifier overrides how the failure is classified.
func WithClassifier(classify task.Classifier) RouterOption {
	return func(r *Router) {
		if classify != nil {
			r.classify = classify
		}
	}
}

// Router is the default Resolver.
type Router struct {
	fallbacks map[string]string
	available func(string) bool
	classify  task.Classifier
}

// NewRouter builds a router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		fallbacks: map[string]string{},
		available: func(string) bool { return true },
		classify:  task.DefaultClassifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve picks the next step for a stage whose attempts are exhausted.
// Cancellations and engine faults always fail. A fallback is offered at most
// once per stage, and only after transient failures used up the retry
// budget; fatal failures go straight to skip or fail.
func (r *Router) Resolve(stage pipeline.StageSpec, record manifest.StageRecord, err error) Decision {
	kind := r.classify(err)
	switch kind {
	case task.KindCancelled:
		return Decision{Action: ActionFail, Reason: "cancelled"}
	case task.KindEngine:
		return Decision{Action: ActionFail, Reason: fmt.Sprintf("engine error: %v", err)}
	}
	if kind == task.KindTransient && !record.FallbackUsed {
		if alt := r.fallbackFor(stage); alt != "" && alt != currentExecutor(stage, record) && r.available(alt) {
			return Decision{Action: ActionRetry, Executor: alt, Reason: fmt.Sprintf("%s failed (%s); falling back to %s", stage.ID, kind, alt)}
		}
	}
	if stage.Optional() {
		return Decision{Action: ActionSkip, Reason: fmt.Sprintf("optional stage %s failed (%s)", stage.ID, kind)}
	}
	return Decision{Action: ActionFail, Reason: fmt.Sprintf("required stage %s failed (%s)", stage.ID, kind)}
}

func (r *Router) fallbackFor(stage pipeline.StageSpec) string {
	if stage.Fallback != "" {
		return stage.Fallback
	}
	if alt, ok := r.fallbacks[stage.ID]; ok {
		return alt
	}
	return r.fallbacks[stage.Executor]
}

func currentExecutor(stage pipeline.StageSpec, record manifest.StageRecord) string {
	if record.Executor != "" {
		return record.Executor
	}
	return stage.Executor
}
