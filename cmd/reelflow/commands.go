package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/reelflow/internal/config"
	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/pipeline/engine"
	"github.com/kingrea/reelflow/internal/tracer"
	"github.com/kingrea/reelflow/internal/tui"
)

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	project := fs.String("project", "", "path to the project directory (defaults to cwd)")
	return fs, project
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runJob(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("run", stderr)
	templateID := fs.String("template", "", "template id (defaults to templates.default)")
	templateFile := fs.String("template-file", "", "path to a YAML pipeline definition")
	jobID := fs.String("id", "", "job id (random when empty)")
	maxParallel := fs.Int("max-parallel", 0, "override the concurrent stage budget")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	validate := fs.Bool("validate", false, "check the definition and executors, then exit")
	verbose := fs.Bool("verbose", false, "mirror the process log to stderr")
	asJSON := fs.Bool("json", false, "print the final manifest as JSON")
	opts := keyValueFlag{}
	fs.Var(&opts, "opt", "job option (key=value, repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	topic := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if topic == "" && !*validate {
		fmt.Fprintln(stderr, "reelflow run: a topic is required")
		return exitUsage
	}

	ctx, stop := signalContext()
	defer stop()
	rtOpts := runtimeOptions{projectDir: *project, metricsAddr: *metricsAddr, maxParallel: *maxParallel}
	if *verbose {
		rtOpts.verbose = stderr
	}
	rt, err := newRuntime(ctx, rtOpts)
	if err != nil {
		return fail(stderr, "start", err)
	}
	defer rt.Close()

	def, err := selectDefinition(rt.cfg, *templateID, *templateFile)
	if err != nil {
		return fail(stderr, "load template", err)
	}
	if *validate {
		if missing := missingExecutors(def, rt.registry.Has); len(missing) > 0 {
			fmt.Fprintf(stderr, "reelflow: template %s: unknown executors: %s\n", def.ID, strings.Join(missing, ", "))
			return exitFailed
		}
		fmt.Fprintf(stdout, "template %s is valid (%d stages)\n", def.ID, len(def.Stages))
		return exitSucceeded
	}

	handle, err := rt.engine.Start(ctx, engine.JobSpec{
		ID:         *jobID,
		Topic:      topic,
		Options:    opts,
		Definition: def,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidJob) {
			fmt.Fprintf(stderr, "reelflow: %v\n", err)
			return exitUsage
		}
		return fail(stderr, "start job", err)
	}
	fmt.Fprintf(stderr, "job %s started (template %s)\n", handle.JobID, def.ID)
	return finish(rt, handle, stdout, stderr, *asJSON)
}

func resumeJob(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("resume", stderr)
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	verbose := fs.Bool("verbose", false, "mirror the process log to stderr")
	asJSON := fs.Bool("json", false, "print the final manifest as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "reelflow resume: exactly one job id is required")
		return exitUsage
	}
	ctx, stop := signalContext()
	defer stop()
	rtOpts := runtimeOptions{projectDir: *project, metricsAddr: *metricsAddr}
	if *verbose {
		rtOpts.verbose = stderr
	}
	rt, err := newRuntime(ctx, rtOpts)
	if err != nil {
		return fail(stderr, "start", err)
	}
	defer rt.Close()

	handle, err := rt.engine.Resume(ctx, fs.Arg(0))
	if err != nil {
		return fail(stderr, "resume", err)
	}
	fmt.Fprintf(stderr, "job %s resumed\n", handle.JobID)
	return finish(rt, handle, stdout, stderr, *asJSON)
}

func finish(rt *runtime, handle *engine.Handle, stdout, stderr io.Writer, asJSON bool) int {
	m, err := handle.Wait()
	rt.flush()
	if m.Job.ID == "" {
		return fail(stderr, "job", err)
	}
	if err := printManifest(stdout, m, asJSON); err != nil {
		return fail(stderr, "print manifest", err)
	}
	var jobErr *engine.JobError
	if err != nil && !errors.As(err, &jobErr) {
		fmt.Fprintf(stderr, "reelflow: %v\n", err)
	}
	return exitCode(m.Job.State)
}

func showStatus(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("status", stderr)
	asJSON := fs.Bool("json", false, "print the manifest as JSON")
	version := fs.Int64("version", 0, "show a retained snapshot instead of the latest")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	ctx := context.Background()
	store, err := openStore(ctx, *project)
	if err != nil {
		return fail(stderr, "open store", err)
	}
	if fs.NArg() == 0 {
		return listJobs(ctx, store, stdout, stderr)
	}
	var m manifest.Manifest
	if *version > 0 {
		m, err = store.Snapshot(ctx, fs.Arg(0), *version)
	} else {
		m, err = store.Get(ctx, fs.Arg(0))
	}
	if err != nil {
		return fail(stderr, "status", err)
	}
	if err := printManifest(stdout, m, *asJSON); err != nil {
		return fail(stderr, "print manifest", err)
	}
	return exitSucceeded
}

func listJobs(ctx context.Context, store manifest.Store, stdout, stderr io.Writer) int {
	ids, err := store.List(ctx)
	if err != nil {
		return fail(stderr, "list jobs", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(stdout, "no jobs")
		return exitSucceeded
	}
	for _, id := range ids {
		m, err := store.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(stdout, "%-38s %s\n", id, "unreadable")
			continue
		}
		fmt.Fprintf(stdout, "%-38s %-10s v%-4d %s\n", id, m.Job.State, m.Version, m.Job.Topic)
	}
	return exitSucceeded
}

func showEvents(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("events", stderr)
	asJSON := fs.Bool("json", false, "print raw JSON lines")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "reelflow events: exactly one job id is required")
		return exitUsage
	}
	cfg, err := loadConfig(*project)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	path := tracer.NewJSONLSink(cfg.JobsDir()).Path(fs.Arg(0))
	events, err := tracer.ReadJSONL(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "reelflow: no event log for job %s\n", fs.Arg(0))
			return exitNotFound
		}
		return fail(stderr, "read events", err)
	}
	enc := json.NewEncoder(stdout)
	for _, event := range events {
		if *asJSON {
			if err := enc.Encode(event); err != nil {
				return fail(stderr, "encode event", err)
			}
			continue
		}
		fmt.Fprintf(stdout, "%s  %s\n", event.Timestamp.Format(time.RFC3339), event.Summary())
	}
	return exitSucceeded
}

func watchJob(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("watch", stderr)
	interval := fs.Duration("interval", time.Second, "manifest poll interval")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "reelflow watch: exactly one job id is required")
		return exitUsage
	}
	ctx, stop := signalContext()
	defer stop()
	store, err := openStore(ctx, *project)
	if err != nil {
		return fail(stderr, "open store", err)
	}
	if _, err := store.Get(ctx, fs.Arg(0)); err != nil {
		return fail(stderr, "watch", err)
	}
	watcher := tui.NewWatcher(store, fs.Arg(0), tui.WithRefreshInterval(*interval), tui.WithExitOnFinish(true))
	program := tea.NewProgram(watcher, tea.WithContext(ctx), tea.WithOutput(stdout))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fail(stderr, "watch", err)
	}
	m, ok := watcher.Manifest()
	if !ok || !m.Job.State.Terminal() {
		return exitSucceeded
	}
	return exitCode(m.Job.State)
}

func showTemplates(args []string, stdout, stderr io.Writer) int {
	fs, project := newFlagSet("templates", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, err := loadConfig(*project)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	catalog := pipeline.NewCatalog()
	if err := catalog.LoadDir(cfg.TemplatesDir()); err != nil {
		return fail(stderr, "load templates", err)
	}
	if fs.NArg() == 0 {
		for _, id := range catalog.IDs() {
			def, _ := catalog.Get(id)
			marker := " "
			if id == cfg.DefaultTemplate() {
				marker = "*"
			}
			fmt.Fprintf(stdout, "%s %-24s %2d stages  %s\n", marker, id, len(def.Stages), def.Name)
		}
		return exitSucceeded
	}
	def, ok := catalog.Get(fs.Arg(0))
	if !ok {
		fmt.Fprintf(stderr, "reelflow: unknown template %q\n", fs.Arg(0))
		return exitNotFound
	}
	data, err := pipeline.MarshalDefinitionYAML(def)
	if err != nil {
		return fail(stderr, "render template", err)
	}
	_, _ = stdout.Write(data)
	return exitSucceeded
}

// selectDefinition resolves --template-file, then --template, then the
// configured default.
func selectDefinition(cfg *config.Config, templateID, templateFile string) (pipeline.Definition, error) {
	if templateFile != "" {
		path := templateFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.ProjectDir, path)
		}
		return pipeline.LoadDefinitionFile(path)
	}
	catalog := pipeline.NewCatalog()
	if err := catalog.LoadDir(cfg.TemplatesDir()); err != nil {
		return pipeline.Definition{}, err
	}
	if templateID == "" {
		templateID = cfg.DefaultTemplate()
	}
	def, ok := catalog.Get(templateID)
	if !ok {
		return pipeline.Definition{}, fmt.Errorf("unknown template %q (have %s)", templateID, strings.Join(catalog.IDs(), ", "))
	}
	return def, nil
}

func missingExecutors(def pipeline.Definition, has func(string) bool) []string {
	var missing []string
	for _, spec := range def.Stages {
		if !has(spec.Executor) {
			missing = append(missing, fmt.Sprintf("%s (%s)", spec.Executor, spec.ID))
		}
		if spec.Fallback != "" && !has(spec.Fallback) {
			missing = append(missing, fmt.Sprintf("%s (%s fallback)", spec.Fallback, spec.ID))
		}
	}
	return missing
}

// openStore opens the manifest store without starting the engine.
func openStore(ctx context.Context, projectDir string) (*manifest.Ledger, error) {
	cfg, err := loadConfig(projectDir)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return manifest.NewLedger(backend)
}

func printManifest(w io.Writer, m manifest.Manifest, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	_, err := fmt.Fprintln(w, tui.RenderStatus(m))
	return err
}
