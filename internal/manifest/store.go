package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
)

var (
	// ErrNotFound is returned for unknown jobs or versions.
	ErrNotFound = errors.New("manifest: not found")
	// ErrConcurrentModification is returned when the caller's expected
	// version does not match the stored one.
	ErrConcurrentModification = errors.New("manifest: concurrent modification")
	// ErrStorageUnavailable wraps backend failures.
	ErrStorageUnavailable = errors.New("manifest: storage unavailable")
	// ErrInvalidTransition rejects state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("manifest: invalid transition")
	// ErrJobExists is returned when creating a job id twice.
	ErrJobExists = errors.New("manifest: job already exists")
)

// TransitionRequest moves one stage record to a new state.
type TransitionRequest struct {
	StageID string
	State   StageState
	// Attempt is the cumulative attempt number for Running transitions.
	Attempt   int
	Executor  string
	Artifacts []artifact.Ref
	Error     *StageError
	// Retries are appended to the record's retry history.
	Retries []AttemptRecord
	// Fallback marks re-entry from Failed onto an alternate executor.
	Fallback bool
	// ExpectedVersion enables optimistic concurrency when non-zero.
	ExpectedVersion int64
	Note            string
}

// JobStateRequest moves the job itself.
type JobStateRequest struct {
	State           JobState
	Reason          string
	ExpectedVersion int64
}

// Store is the manifest contract the engine depends on.
type Store interface {
	Create(ctx context.Context, job Job) (Manifest, error)
	RecordTransition(ctx context.Context, jobID string, req TransitionRequest) (Manifest, error)
	SetJobState(ctx context.Context, jobID string, req JobStateRequest) (Manifest, error)
	Get(ctx context.Context, jobID string) (Manifest, error)
	Snapshot(ctx context.Context, jobID string, version int64) (Manifest, error)
	Versions(ctx context.Context, jobID string) ([]int64, error)
	List(ctx context.Context) ([]string, error)
}

// Backend persists manifest snapshots. Save must retain every version.
type Backend interface {
	Load(ctx context.Context, jobID string) (Manifest, error)
	Save(ctx context.Context, m Manifest) error
	LoadVersion(ctx context.Context, jobID string, version int64) (Manifest, error)
	ListVersions(ctx context.Context, jobID string) ([]int64, error)
	ListJobs(ctx context.Context) ([]string, error)
}

// Ledger implements Store over a Backend, serializing writes per job.
type Ledger struct {
	backend Backend
	clock   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLedger wires a ledger to its backend.
func NewLedger(backend Backend, opts ...LedgerOption) (*Ledger, error) {
	if backend == nil {
		return nil, fmt.Errorf("manifest: backend is required")
	}
	l := &Ledger{backend: backend, clock: time.Now, locks: map[string]*sync.Mutex{}}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) lockFor(jobID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[jobID] = lock
	}
	return lock
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

// Create persists version 1 of a new job. The definition must already be
// normalized.
func (l *Ledger) Create(ctx context.Context, job Job) (Manifest, error) {
	if job.ID == "" {
		return Manifest{}, fmt.Errorf("manifest: job id is required")
	}
	if err := job.Definition.Validate(); err != nil {
		return Manifest{}, err
	}
	lock := l.lockFor(job.ID)
	lock.Lock()
	defer lock.Unlock()
	if _, err := l.backend.Load(ctx, job.ID); err == nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return Manifest{}, err
	}
	now := l.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = JobCreated
	}
	m := Manifest{
		Job:        job,
		Stages:     map[string]StageRecord{},
		JobHistory: []JobTransition{{Version: 1, State: job.State, At: now}},
	}
	return l.commit(ctx, m.Clone(), now)
}

// Get returns the latest snapshot.
func (l *Ledger) Get(ctx context.Context, jobID string) (Manifest, error) {
	m, err := l.backend.Load(ctx, jobID)
	if err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Snapshot returns a specific retained version.
func (l *Ledger) Snapshot(ctx context.Context, jobID string, version int64) (Manifest, error) {
	return l.backend.LoadVersion(ctx, jobID, version)
}

// Versions lists retained versions in ascending order.
func (l *Ledger) Versions(ctx context.Context, jobID string) ([]int64, error) {
	return l.backend.ListVersions(ctx, jobID)
}

// List returns known job ids.
func (l *Ledger) List(ctx context.Context) ([]string, error) {
	return l.backend.ListJobs(ctx)
}

// RecordTransition applies req to the stage record and persists a new version.
func (l *Ledger) RecordTransition(ctx context.Context, jobID string, req TransitionRequest) (Manifest, error) {
	return l.mutate(ctx, jobID, req.ExpectedVersion, func(m *Manifest, version int64, now time.Time) error {
		return applyStageTransition(m, req, version, now)
	})
}

// SetJobState moves the job and persists a new version.
func (l *Ledger) SetJobState(ctx context.Context, jobID string, req JobStateRequest) (Manifest, error) {
	return l.mutate(ctx, jobID, req.ExpectedVersion, func(m *Manifest, version int64, now time.Time) error {
		return applyJobTransition(m, req, version, now)
	})
}

func (l *Ledger) mutate(ctx context.Context, jobID string, expected int64, apply func(*Manifest, int64, time.Time) error) (Manifest, error) {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	current, err := l.backend.Load(ctx, jobID)
	if err != nil {
		return Manifest{}, err
	}
	if expected > 0 && current.Version != expected {
		return Manifest{}, fmt.Errorf("%w: job %s at version %d, expected %d", ErrConcurrentModification, jobID, current.Version, expected)
	}
	next := current.Clone()
	now := l.now()
	if err := apply(&next, current.Version+1, now); err != nil {
		return Manifest{}, err
	}
	next.Job.UpdatedAt = now
	return l.commit(ctx, next, now)
}

func (l *Ledger) commit(ctx context.Context, m Manifest, now time.Time) (Manifest, error) {
	m.Version++
	m.UpdatedAt = now
	hash, err := ComputeHash(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: hash job %s: %w", m.Job.ID, err)
	}
	m.Hash = hash
	if err := l.backend.Save(ctx, m); err != nil {
		return Manifest{}, err
	}
	return m.Clone(), nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
