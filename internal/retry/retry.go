// Package retry runs a single stage invocation under a bounded, jittered
// exponential backoff. Only transient failures consume further attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kingrea/reelflow/internal/task"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = 2 * time.Second
	DefaultCap         = 60 * time.Second
	DefaultJitter      = 0.5
)

// Attempt summarizes one failed invocation.
type Attempt struct {
	Number     int            `json:"number"`
	Kind       task.ErrorKind `json:"kind"`
	Err        string         `json:"error"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	// Backoff is the wait scheduled after this attempt; zero when no
	// further attempt followed.
	Backoff time.Duration `json:"backoff,omitempty"`
}

// Outcome describes the invocations made by Do.
type Outcome struct {
	Attempts int
	History  []Attempt
}

// ExhaustedError annotates the last failure with the attempts consumed.
type ExhaustedError struct {
	Attempts int
	Kind     task.ErrorKind
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy configures the backoff shape and failure classification.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// Jitter is the fraction of the computed delay randomly added or removed.
	Jitter   float64
	Classify task.Classifier
	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand            func() float64
	Clock           func() time.Time
	OnAttemptFailed func(Attempt)
}

// Default returns the policy used when a stage declares no override.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		Cap:         DefaultCap,
		Jitter:      DefaultJitter,
	}
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base < 0 {
		p.Base = 0
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Classify == nil {
		p.Classify = task.DefaultClassifier
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return p
}

// Delay returns the wait before attempt n+1 after attempt n failed:
// min(cap, base*2^(n-1)) adjusted by up to ±Jitter of itself.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	capped := float64(p.Cap)
	raw := float64(p.Base) * math.Pow(2, float64(n-1))
	if p.Cap > 0 && raw > capped {
		raw = capped
	}
	if p.Jitter > 0 {
		r := 0.5
		if p.Rand != nil {
			r = p.Rand()
		}
		raw += raw * p.Jitter * (2*r - 1)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// Do invokes fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. fn receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (Outcome, error) {
	p = p.WithDefaults()
	var out Outcome
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, task.Cancelled("retry: cancelled before attempt", err)
		}
		started := p.Clock()
		out.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		kind := p.Classify(err)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			kind = task.KindCancelled
		}
		record := Attempt{
			Number:     attempt,
			Kind:       kind,
			Err:        err.Error(),
			StartedAt:  started,
			FinishedAt: p.Clock(),
		}
		last := !kind.Retryable() || attempt >= p.MaxAttempts
		if !last {
			record.Backoff = p.Delay(attempt)
		}
		out.History = append(out.History, record)
		if p.OnAttemptFailed != nil {
			p.OnAttemptFailed(record)
		}
		switch {
		case kind == task.KindCancelled:
			return out, ensureKind(err, task.KindCancelled)
		case !kind.Retryable():
			return out, ensureKind(err, kind)
		case attempt >= p.MaxAttempts:
			return out, &ExhaustedError{Attempts: attempt, Kind: kind, Err: ensureKind(err, kind)}
		}
		if err := p.Sleep(ctx, record.Backoff); err != nil {
			return out, task.Cancelled("retry: wait aborted", err)
		}
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ensureKind(err error, kind task.ErrorKind) error {
	if existing, ok := task.KindOf(err); ok && existing == kind {
		return err
	}
	return &task.Error{Kind: kind, Err: err}
}
