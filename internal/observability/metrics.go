package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/reelflow/internal/tracer"
)

// Metrics exports run statistics. It consumes the tracer event stream, so
// the engine never touches collectors directly.
type Metrics struct {
	registry *prometheus.Registry

	StageDispatched *prometheus.CounterVec
	AttemptFailures *prometheus.CounterVec
	StageOutcomes   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	Fallbacks       *prometheus.CounterVec
	JobOutcomes     *prometheus.CounterVec
	ActiveJobs      prometheus.Gauge
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StageDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_stage_dispatched_total",
				Help: "Stage executions dispatched by the engine",
			},
			[]string{"stage"},
		),
		AttemptFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_stage_attempt_failures_total",
				Help: "Failed stage attempts by error kind",
			},
			[]string{"stage", "kind"},
		),
		StageOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_stage_outcomes_total",
				Help: "Terminal stage outcomes",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reelflow_stage_duration_seconds",
				Help:    "Wall time from stage start to terminal outcome",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"stage"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_stage_fallbacks_total",
				Help: "Stages re-run on an alternate executor",
			},
			[]string{"stage"},
		),
		JobOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_jobs_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"state"},
		),
		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reelflow_active_jobs",
				Help: "Jobs currently running",
			},
		),
	}
}

// TrackDropped exposes a tracer's drop counter.
func (m *Metrics) TrackDropped(dropped func() uint64) {
	promauto.With(m.registry).NewCounterFunc(
		prometheus.CounterOpts{
			Name: "reelflow_events_dropped_total",
			Help: "Tracer events dropped because the buffer was full",
		},
		func() float64 { return float64(dropped()) },
	)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Write implements tracer.Sink.
func (m *Metrics) Write(_ context.Context, event tracer.Event) error {
	switch event.Kind {
	case tracer.KindStageDispatched:
		m.StageDispatched.WithLabelValues(event.StageID).Inc()
	case tracer.KindStageAttemptFailed:
		m.AttemptFailures.WithLabelValues(event.StageID, event.ErrorKind).Inc()
	case tracer.KindStageSucceeded:
		m.StageOutcomes.WithLabelValues(event.StageID, "succeeded").Inc()
		m.observeDuration(event)
	case tracer.KindStageFailed:
		m.StageOutcomes.WithLabelValues(event.StageID, "failed").Inc()
		m.observeDuration(event)
	case tracer.KindStageSkipped:
		m.StageOutcomes.WithLabelValues(event.StageID, "skipped").Inc()
	case tracer.KindStageFallback:
		m.Fallbacks.WithLabelValues(event.StageID).Inc()
	case tracer.KindJobStateChanged:
		switch event.State {
		case "Running":
			m.ActiveJobs.Inc()
		case "Succeeded", "Failed", "Cancelled":
			m.ActiveJobs.Dec()
			m.JobOutcomes.WithLabelValues(event.State).Inc()
		}
	}
	return nil
}

func (m *Metrics) observeDuration(event tracer.Event) {
	if event.Duration > 0 {
		m.StageDuration.WithLabelValues(event.StageID).Observe(event.Duration.Seconds())
	}
}
