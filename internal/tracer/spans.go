package tracer

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanSink turns the event stream into OpenTelemetry spans: one span per
// job with a child span per stage execution.
type SpanSink struct {
	tracer trace.Tracer

	mu     sync.Mutex
	jobs   map[string]jobSpan
	stages map[string]trace.Span
}

type jobSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewSpanSink records spans through tracer.
func NewSpanSink(tracer trace.Tracer) *SpanSink {
	return &SpanSink{tracer: tracer, jobs: map[string]jobSpan{}, stages: map[string]trace.Span{}}
}

func (s *SpanSink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobSpan(event)
	key := event.JobID + "/" + event.StageID
	at := trace.WithTimestamp(event.Timestamp)
	switch event.Kind {
	case KindStageDispatched:
		if prev, ok := s.stages[key]; ok {
			prev.End(at)
		}
		_, span := s.tracer.Start(job.ctx, "stage "+event.StageID, at,
			trace.WithAttributes(
				attribute.String("reelflow.job_id", event.JobID),
				attribute.String("reelflow.stage_id", event.StageID),
				attribute.String("reelflow.executor", event.Executor),
			))
		s.stages[key] = span
	case KindStageAttemptFailed, KindStageFallback:
		if span, ok := s.stages[key]; ok {
			span.AddEvent(string(event.Kind), at, trace.WithAttributes(
				attribute.Int("reelflow.attempt", event.Attempt),
				attribute.String("reelflow.error_kind", event.ErrorKind),
				attribute.String("reelflow.message", event.Message),
			))
		}
	case KindStageSucceeded, KindStageFailed, KindStageSkipped:
		span, ok := s.stages[key]
		if !ok {
			return nil
		}
		span.SetAttributes(attribute.Int("reelflow.attempts", event.Attempt))
		if event.Kind == KindStageFailed {
			span.SetStatus(codes.Error, event.Message)
		} else {
			span.SetStatus(codes.Ok, string(event.Kind))
		}
		span.End(at)
		delete(s.stages, key)
	case KindJobStateChanged:
		job.span.AddEvent("state "+event.State, at)
		switch event.State {
		case "Succeeded":
			job.span.SetStatus(codes.Ok, event.State)
		case "Failed", "Cancelled":
			job.span.SetStatus(codes.Error, event.Message)
		default:
			return nil
		}
		prefix := event.JobID + "/"
		for stageKey, span := range s.stages {
			if strings.HasPrefix(stageKey, prefix) {
				span.End(at)
				delete(s.stages, stageKey)
			}
		}
		job.span.End(at)
		delete(s.jobs, event.JobID)
	}
	return nil
}

func (s *SpanSink) jobSpan(event Event) jobSpan {
	if job, ok := s.jobs[event.JobID]; ok {
		return job
	}
	ctx, span := s.tracer.Start(context.Background(), "job "+event.JobID,
		trace.WithTimestamp(event.Timestamp),
		trace.WithAttributes(attribute.String("reelflow.job_id", event.JobID)))
	job := jobSpan{ctx: ctx, span: span}
	s.jobs[event.JobID] = job
	return job
}
