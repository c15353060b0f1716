package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/config"
	"github.com/kingrea/reelflow/internal/escalation"
	"github.com/kingrea/reelflow/internal/logging"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/observability"
	"github.com/kingrea/reelflow/internal/pipeline/engine"
	"github.com/kingrea/reelflow/internal/retry"
	"github.com/kingrea/reelflow/internal/stage"
	"github.com/kingrea/reelflow/internal/task"
	"github.com/kingrea/reelflow/internal/task/builtin"
	"github.com/kingrea/reelflow/internal/tracer"
)

const shutdownTimeout = 5 * time.Second

// runtimeOptions are the process-level overrides shared by subcommands.
type runtimeOptions struct {
	projectDir  string
	metricsAddr string
	maxParallel int
	verbose     io.Writer
}

// runtime is the wired process: config, manifest store, registry, event
// tracer and the engine on top of them.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *manifest.Ledger
	registry *task.Registry
	events   *tracer.Tracer
	jsonl    *tracer.JSONLSink
	metrics  *observability.Metrics
	tracing  *observability.Tracing
	engine   *engine.Engine

	metricsServer *http.Server
}

func resolveProjectDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

// loadConfig initializes .reelflow when needed and loads its config.
func loadConfig(projectDir string) (*config.Config, error) {
	abs, err := resolveProjectDir(projectDir)
	if err != nil {
		return nil, err
	}
	if err := config.Init(abs); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.ProjectDir, err)
	}
	return config.Load(abs)
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig(opts.projectDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}
	if opts.verbose != nil {
		logger.Mirror(opts.verbose)
	}
	rt := &runtime{cfg: cfg, logger: logger}
	if err := rt.wire(ctx, opts); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context, opts runtimeOptions) error {
	project := rt.cfg.Project

	backend, err := openBackend(ctx, rt.cfg)
	if err != nil {
		return err
	}
	if rt.store, err = manifest.NewLedger(backend); err != nil {
		return err
	}

	rt.registry = task.NewRegistry()
	artifacts := artifact.NewStore(rt.cfg.ArtifactsDir())
	if err := builtin.Register(rt.registry, artifacts, project.Executors); err != nil {
		return err
	}

	rt.tracing, err = observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    project.Telemetry.Exporter,
		Endpoint:    project.Telemetry.Endpoint,
		Insecure:    project.Telemetry.Insecure,
		Headers:     project.Telemetry.Headers,
		SampleRatio: project.Telemetry.SampleRatio,
		ServiceName: project.Telemetry.ServiceName,
		Environment: project.Telemetry.Environment,
	})
	if err != nil {
		return err
	}

	rt.metrics = observability.NewMetrics()
	tracerOpts := []tracer.Option{
		tracer.WithBufferSize(project.Events.BufferSize),
		tracer.WithLogger(rt.logger),
		tracer.WithSink(rt.metrics),
		tracer.WithSink(tracer.NewSpanSink(rt.tracing.Tracer())),
	}
	if !project.Events.DisableJSONL {
		rt.jsonl = tracer.NewJSONLSink(rt.cfg.JobsDir())
		tracerOpts = append(tracerOpts, tracer.WithSink(rt.jsonl))
	}
	if !project.Events.DisableLogbook {
		tracerOpts = append(tracerOpts, tracer.WithSink(tracer.NewLogbookSink(rt.cfg.JobsDir())))
	}
	rt.events = tracer.New(tracerOpts...)
	rt.metrics.TrackDropped(rt.events.Dropped)

	maxParallel := project.Engine.MaxParallel
	if opts.maxParallel > 0 {
		maxParallel = opts.maxParallel
	}
	router := escalation.NewRouter(
		escalation.WithFallbacks(project.Fallbacks),
		escalation.WithAvailability(rt.registry.Has),
	)
	rt.engine, err = engine.New(rt.store, rt.registry,
		engine.WithEmitter(rt.events),
		engine.WithLogger(rt.logger),
		engine.WithRouter(router),
		engine.WithMaxParallel(maxParallel),
		engine.WithStoreRetry(policyFrom(project.Engine.StoreRetry)),
		engine.WithStageOptions(
			stage.WithDefaultRetry(policyFrom(project.Retry)),
			stage.WithTimeouts(project.Timeouts),
			stage.WithTracer(rt.tracing.Tracer()),
			stage.WithWorkDir(rt.cfg.ArtifactsDir()),
		),
	)
	if err != nil {
		return err
	}

	addr := project.Telemetry.MetricsAddr
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	if addr != "" {
		return rt.serveMetrics(addr)
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (manifest.Backend, error) {
	store := cfg.Project.Store
	switch store.Backend {
	case "memory":
		return manifest.NewMemoryBackend(), nil
	case "minio":
		return manifest.NewMinIOBackend(ctx, manifest.MinIOConfig{
			Endpoint:  store.MinIO.Endpoint,
			AccessKey: store.MinIO.AccessKey,
			SecretKey: store.MinIO.SecretKey,
			Bucket:    store.MinIO.Bucket,
			Prefix:    store.MinIO.Prefix,
			UseSSL:    store.MinIO.UseSSL,
		})
	default:
		return manifest.NewFileBackend(cfg.JobsDir()), nil
	}
}

// policyFrom overlays the configured fields on the engine defaults.
func policyFrom(rc config.RetryConfig) retry.Policy {
	policy := retry.Default()
	if rc.MaxAttempts > 0 {
		policy.MaxAttempts = rc.MaxAttempts
	}
	if rc.Base > 0 {
		policy.Base = rc.Base
	}
	if rc.Cap > 0 {
		policy.Cap = rc.Cap
	}
	if rc.Jitter > 0 {
		policy.Jitter = rc.Jitter
	}
	return policy
}

func (rt *runtime) serveMetrics(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	rt.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Printf("metrics: serve %s: %v", addr, err)
		}
	}()
	rt.logger.Printf("metrics: serving on %s/metrics", listener.Addr())
	return nil
}

// flush waits for queued events to reach the sinks.
func (rt *runtime) flush() {
	if rt.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.events.Close(ctx); err != nil {
		rt.logger.Printf("events: flush: %v", err)
	}
}

// Close flushes events and releases every resource the runtime holds.
func (rt *runtime) Close() {
	rt.flush()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(ctx)
	}
	if err := rt.tracing.Shutdown(ctx); err != nil {
		rt.logger.Printf("tracing: shutdown: %v", err)
	}
	_ = rt.logger.Close()
}
