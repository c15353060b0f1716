package manifest

import (
	"fmt"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
)

var allowedStageTransitions = map[StageState][]StageState{
	"":             {StagePending, StageRunning, StageSkipped, StageCancelled},
	StagePending:   {StageRunning, StageSkipped, StageCancelled},
	StageRunning:   {StageRunning, StageSucceeded, StageFailed, StageCancelled},
	StageFailed:    {StageRunning},
	StageSucceeded: {},
	StageSkipped:   {},
	StageCancelled: {},
}

var allowedJobTransitions = map[JobState][]JobState{
	JobCreated:   {JobRunning, JobFailed, JobCancelled},
	JobRunning:   {JobSucceeded, JobFailed, JobCancelled},
	JobSucceeded: {},
	JobFailed:    {},
	JobCancelled: {},
}

// ValidateStageTransition reports whether from -> to is permitted.
func ValidateStageTransition(from, to StageState) error {
	for _, candidate := range allowedStageTransitions[from] {
		if candidate == to {
			return nil
		}
	}
	label := string(from)
	if label == "" {
		label = "none"
	}
	return fmt.Errorf("%w: stage %s -> %s", ErrInvalidTransition, label, to)
}

// ValidateJobTransition reports whether from -> to is permitted.
func ValidateJobTransition(from, to JobState) error {
	for _, candidate := range allowedJobTransitions[from] {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, from, to)
}

func applyStageTransition(m *Manifest, req TransitionRequest, version int64, now time.Time) error {
	if m.Job.State != JobRunning {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, m.Job.ID, m.Job.State)
	}
	spec, ok := m.Job.Definition.Stage(req.StageID)
	if !ok {
		return fmt.Errorf("manifest: job %s has no stage %s", m.Job.ID, req.StageID)
	}
	rec := m.Stages[req.StageID]
	if err := ValidateStageTransition(rec.State, req.State); err != nil {
		return fmt.Errorf("%s: %w", req.StageID, err)
	}
	if req.State == StageRunning {
		if rec.State == StageFailed {
			if !req.Fallback {
				return fmt.Errorf("%w: stage %s failed; re-entry requires a fallback", ErrInvalidTransition, req.StageID)
			}
			if rec.FallbackUsed {
				return fmt.Errorf("%w: stage %s already used its fallback", ErrInvalidTransition, req.StageID)
			}
		}
		if rec.State != StageRunning {
			for _, dep := range spec.DependsOn {
				if !m.DependencySatisfied(dep) {
					return fmt.Errorf("%w: stage %s dependency %s is %s", ErrInvalidTransition, req.StageID, dep, stateLabel(m.StageState(dep)))
				}
			}
		}
	}
	for _, ref := range req.Artifacts {
		if err := ref.Validate(); err != nil {
			return fmt.Errorf("manifest: stage %s: %w", req.StageID, err)
		}
	}

	rec.StageID = req.StageID
	if req.Executor != "" {
		rec.Executor = req.Executor
	}
	if req.Attempt > rec.Attempts {
		rec.Attempts = req.Attempt
	}
	if len(req.Retries) > 0 {
		rec.Retries = append(rec.Retries, req.Retries...)
	}
	switch req.State {
	case StageRunning:
		if rec.State == StageFailed {
			rec.FallbackUsed = true
			rec.EndedAt = time.Time{}
		}
		if rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
	case StageSucceeded:
		rec.Artifacts = artifact.CloneRefs(req.Artifacts)
		rec.Error = nil
		rec.EndedAt = now
	case StageFailed, StageCancelled, StageSkipped:
		if len(req.Artifacts) > 0 {
			rec.Artifacts = artifact.CloneRefs(req.Artifacts)
		}
		if req.Error != nil {
			errCopy := *req.Error
			rec.Error = &errCopy
		}
		rec.EndedAt = now
	}
	rec.State = req.State
	entry := TransitionEntry{
		Version:  version,
		State:    req.State,
		Attempt:  req.Attempt,
		Executor: req.Executor,
		Note:     req.Note,
		At:       now,
	}
	if req.Error != nil {
		errCopy := *req.Error
		entry.Error = &errCopy
	}
	rec.History = append(rec.History, entry)
	if m.Stages == nil {
		m.Stages = map[string]StageRecord{}
	}
	m.Stages[req.StageID] = rec
	return nil
}

func applyJobTransition(m *Manifest, req JobStateRequest, version int64, now time.Time) error {
	if err := ValidateJobTransition(m.Job.State, req.State); err != nil {
		return fmt.Errorf("job %s: %w", m.Job.ID, err)
	}
	if req.State == JobSucceeded {
		for _, id := range m.Job.Definition.Required() {
			if state := m.StageState(id); state != StageSucceeded {
				return fmt.Errorf("%w: job %s cannot succeed while required stage %s is %s", ErrInvalidTransition, m.Job.ID, id, stateLabel(state))
			}
		}
	}
	if req.State == JobSucceeded || req.State == JobFailed || req.State == JobCancelled {
		for id, rec := range m.Stages {
			if rec.State == StageRunning {
				return fmt.Errorf("%w: job %s cannot finish while stage %s is running", ErrInvalidTransition, m.Job.ID, id)
			}
		}
	}
	m.Job.State = req.State
	m.Job.Reason = req.Reason
	m.JobHistory = append(m.JobHistory, JobTransition{Version: version, State: req.State, Reason: req.Reason, At: now})
	return nil
}

func stateLabel(state StageState) string {
	if state == "" {
		return "not started"
	}
	return string(state)
}
