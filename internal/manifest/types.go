// Package manifest is the durable record of a job: its stage execution
// records, their artifacts and the full transition history. Every mutation
// produces a new, hashed version; prior versions stay retrievable.
package manifest

import (
	"encoding/json"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/task"
)

// JobState is the coarse lifecycle position of a job.
type JobState string

const (
	JobCreated   JobState = "Created"
	JobRunning   JobState = "Running"
	JobSucceeded JobState = "Succeeded"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageState is a stage execution record's state machine position.
type StageState string

const (
	StagePending   StageState = "Pending"
	StageRunning   StageState = "Running"
	StageSucceeded StageState = "Succeeded"
	StageFailed    StageState = "Failed"
	StageSkipped   StageState = "Skipped"
	StageCancelled StageState = "Cancelled"
)

// Settled reports whether the record has reached an outcome.
func (s StageState) Settled() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// Job is one production request.
type Job struct {
	ID         string              `json:"id"`
	Topic      string              `json:"topic"`
	Options    map[string]string   `json:"options,omitempty"`
	State      JobState            `json:"state"`
	Reason     string              `json:"reason,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Definition pipeline.Definition `json:"definition"`
}

// StageError is the last failure recorded for a stage.
type StageError struct {
	Kind    task.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// AttemptRecord is one failed invocation kept in the retry history.
type AttemptRecord struct {
	Number     int            `json:"number"`
	Executor   string         `json:"executor,omitempty"`
	Kind       task.ErrorKind `json:"kind"`
	Error      string         `json:"error"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Backoff    time.Duration  `json:"backoff,omitempty"`
}

// TransitionEntry is an immutable history line for a stage record.
type TransitionEntry struct {
	Version  int64       `json:"version"`
	State    StageState  `json:"state"`
	Attempt  int         `json:"attempt,omitempty"`
	Executor string      `json:"executor,omitempty"`
	Note     string      `json:"note,omitempty"`
	Error    *StageError `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}

// JobTransition is an immutable history line for the job itself.
type JobTransition struct {
	Version int64     `json:"version"`
	State   JobState  `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// StageRecord is the mutable execution record of one stage.
type StageRecord struct {
	StageID      string            `json:"stage_id"`
	State        StageState        `json:"state"`
	Attempts     int               `json:"attempts"`
	Executor     string            `json:"executor,omitempty"`
	FallbackUsed bool              `json:"fallback_used,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	EndedAt      time.Time         `json:"ended_at,omitempty"`
	Artifacts    []artifact.Ref    `json:"artifacts,omitempty"`
	Error        *StageError       `json:"error,omitempty"`
	Retries      []AttemptRecord   `json:"retries,omitempty"`
	History      []TransitionEntry `json:"history,omitempty"`
}

// Duration returns the wall time between start and end, or zero.
func (r StageRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Manifest is the versioned snapshot of a job.
type Manifest struct {
	Job        Job                    `json:"job"`
	Stages     map[string]StageRecord `json:"stages"`
	JobHistory []JobTransition        `json:"job_history,omitempty"`
	Version    int64                  `json:"version"`
	Hash       string                 `json:"hash"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Clone returns a deep copy. The round trip through JSON keeps nested
// slices and maps from aliasing the stored snapshot.
func (m Manifest) Clone() Manifest {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	if out.Stages == nil {
		out.Stages = map[string]StageRecord{}
	}
	return out
}

// Stage returns the record for id.
func (m Manifest) Stage(id string) (StageRecord, bool) {
	rec, ok := m.Stages[id]
	return rec, ok
}

// StageState returns the record state, or "" when no record exists yet.
func (m Manifest) StageState(id string) StageState {
	return m.Stages[id].State
}

// Artifacts returns the artifacts recorded by a stage.
func (m Manifest) Artifacts(id string) []artifact.Ref {
	return artifact.CloneRefs(m.Stages[id].Artifacts)
}

// DependencySatisfied reports whether dep no longer blocks its dependents:
// it succeeded, or it is optional, settled without success, and the
// definition allows degraded runs.
func (m Manifest) DependencySatisfied(dep string) bool {
	state := m.StageState(dep)
	if state == StageSucceeded {
		return true
	}
	spec, ok := m.Job.Definition.Stage(dep)
	if !ok || !spec.Optional() || !m.Job.Definition.Runtime.AllowDegraded {
		return false
	}
	return state == StageFailed || state == StageSkipped
}

// RequiredSucceeded reports whether every required stage succeeded.
func (m Manifest) RequiredSucceeded() bool {
	for _, id := range m.Job.Definition.Required() {
		if m.StageState(id) != StageSucceeded {
			return false
		}
	}
	return true
}

// ComputeHash digests the manifest with the Hash field blanked.
func ComputeHash(m Manifest) (string, error) {
	m.Hash = ""
	return artifact.HashJSON(m)
}
