// Package tracer is the append-only event stream for job runs. Emit never
// blocks the engine: events are queued on a bounded buffer and drained to
// sinks by a single goroutine. When the buffer is full an event is dropped
// and counted.
package tracer

import (
	"strconv"
	"strings"
	"time"
)

// Kind names an event type.
type Kind string

const (
	KindStageDispatched    Kind = "StageDispatched"
	KindStageAttemptFailed Kind = "StageAttemptFailed"
	KindStageSucceeded     Kind = "StageSucceeded"
	KindStageFailed        Kind = "StageFailed"
	KindStageSkipped       Kind = "StageSkipped"
	KindStageFallback      Kind = "StageFallback"
	KindJobStateChanged    Kind = "JobStateChanged"
)

// Event is one observation. ErrorKind is set for failures; State carries
// the new job or stage state.
type Event struct {
	ID        string        `json:"id"`
	Seq       uint64        `json:"seq"`
	JobID     string        `json:"job_id"`
	Kind      Kind          `json:"kind"`
	StageID   string        `json:"stage_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Executor  string        `json:"executor,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
	State     string        `json:"state,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Critical events are kept over others when the buffer overflows.
func (e Event) Critical() bool {
	return e.Kind == KindJobStateChanged || e.Kind == KindStageFailed
}

// preferredDrop events are the first to go under pressure.
func (e Event) preferredDrop() bool {
	return e.Kind == KindStageDispatched
}

// Summary renders the event as a single journal line.
func (e Event) Summary() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StageID != "" {
		b.WriteString(" stage=")
		b.WriteString(e.StageID)
	}
	if e.Attempt > 0 {
		b.WriteString(" attempt=")
		b.WriteString(strconv.Itoa(e.Attempt))
	}
	if e.Executor != "" {
		b.WriteString(" executor=")
		b.WriteString(e.Executor)
	}
	if e.State != "" {
		b.WriteString(" state=")
		b.WriteString(e.State)
	}
	if e.ErrorKind != "" {
		b.WriteString(" kind=")
		b.WriteString(e.ErrorKind)
	}
	if e.Duration > 0 {
		b.WriteString(" duration=")
		b.WriteString(e.Duration.Round(time.Millisecond).String())
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func shouldDropOldest(oldest, incoming Event) bool {
	switch {
	case oldest.Critical() && !incoming.Critical():
		return false
	case !oldest.Critical() && incoming.Critical():
		return true
	}
	if oldest.preferredDrop() && !incoming.preferredDrop() {
		return true
	}
	if !oldest.preferredDrop() && incoming.preferredDrop() {
		return false
	}
	return true
}
