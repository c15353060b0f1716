package engine

import (
	"errors"
	"fmt"

	"github.com/kingrea/reelflow/internal/manifest"
)

var (
	// ErrInvalidJob rejects jobs whose definition or executors are unusable.
	ErrInvalidJob = errors.New("engine: invalid job")
	// ErrJobFinished is returned when resuming a job in a terminal state.
	ErrJobFinished = errors.New("engine: job already finished")
	// ErrJobActive is returned when a job is already running in this engine.
	ErrJobActive = errors.New("engine: job already active")
)

// JobError reports a job that did not succeed.
type JobError struct {
	JobID  string
	State  manifest.JobState
	Reason string
}

func (e *JobError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine: job %s %s", e.JobID, e.State)
	}
	return fmt.Sprintf("engine: job %s %s: %s", e.JobID, e.State, e.Reason)
}
