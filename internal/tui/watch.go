package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/reelflow/internal/manifest"
)

const defaultRefreshInterval = time.Second

var (
	labelStyleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	boxStyle            = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#444444")).
				Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Source loads manifests; manifest.Store satisfies it.
type Source interface {
	Get(ctx context.Context, jobID string) (manifest.Manifest, error)
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithRefreshInterval sets how often the manifest is polled.
func WithRefreshInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithExitOnFinish quits once the job reaches a terminal state.
func WithExitOnFinish(exit bool) WatcherOption {
	return func(w *Watcher) {
		w.exitOnFinish = exit
	}
}

// Watcher is a Bubble Tea model that follows one job's manifest.
type Watcher struct {
	source       Source
	jobID        string
	interval     time.Duration
	exitOnFinish bool
	spinner      spinner.Model
	manifest     manifest.Manifest
	loaded       bool
	err          error
	quitting     bool
}

type manifestMsg struct {
	manifest manifest.Manifest
	err      error
}

type refreshMsg struct{}

// NewWatcher builds the model.
func NewWatcher(source Source, jobID string, opts ...WatcherOption) *Watcher {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyleRunning
	w := &Watcher{source: source, jobID: jobID, interval: defaultRefreshInterval, spinner: sp}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Manifest returns the last snapshot loaded.
func (w *Watcher) Manifest() (manifest.Manifest, bool) {
	return w.manifest, w.loaded
}

func (w *Watcher) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.fetch())
}

func (w *Watcher) fetch() tea.Cmd {
	return func() tea.Msg {
		m, err := w.source.Get(context.Background(), w.jobID)
		return manifestMsg{manifest: m, err: err}
	}
}

func (w *Watcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.KeyMsg:
		switch m.String() {
		case "q", "esc", "ctrl+c":
			w.quitting = true
			return w, tea.Quit
		case "r":
			return w, w.fetch()
		}
	case manifestMsg:
		w.err = m.err
		if m.err == nil {
			w.manifest = m.manifest
			w.loaded = true
			if w.exitOnFinish && m.manifest.Job.State.Terminal() {
				w.quitting = true
				return w, tea.Quit
			}
		}
		return w, tea.Tick(w.interval, func(time.Time) tea.Msg { return refreshMsg{} })
	case refreshMsg:
		return w, w.fetch()
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(m)
		return w, cmd
	}
	return w, nil
}

func (w *Watcher) View() string {
	var b strings.Builder
	switch {
	case w.err != nil && !w.loaded:
		b.WriteString(labelStyleFailed.Render(fmt.Sprintf("cannot load job %s: %v", w.jobID, w.err)))
	case !w.loaded:
		b.WriteString(w.spinner.View() + " loading " + w.jobID)
	default:
		b.WriteString(renderManifest(w.manifest, w.spinner.View()))
		if w.err != nil {
			b.WriteString("\n" + labelStyleFailed.Render("refresh failed: "+w.err.Error()))
		}
	}
	if !w.quitting {
		b.WriteString("\n" + footerStyle.Render("q quit • r refresh"))
	}
	return b.String() + "\n"
}

// RenderStatus formats a manifest snapshot for terminal output.
func RenderStatus(m manifest.Manifest) string {
	return renderManifest(m, "")
}

func renderManifest(m manifest.Manifest, runningMark string) string {
	header := headerStyle.Render(fmt.Sprintf("job %s", m.Job.ID)) + "  " + jobLabel(m.Job.State)
	meta := detailTextStyle.Render(fmt.Sprintf("template %s • version %d • topic %q", m.Job.Definition.ID, m.Version, m.Job.Topic))
	lines := []string{header, meta, ""}
	for _, spec := range m.Job.Definition.Stages {
		rec, started := m.Stage(spec.ID)
		label := stageLabel(rec.State, started)
		mark := "  "
		if rec.State == manifest.StageRunning && runningMark != "" {
			mark = runningMark + " "
		}
		name := spec.ID
		if spec.Optional() {
			name += "?"
		}
		line := fmt.Sprintf("%s%-14s %s", mark, name, label)
		var details []string
		if rec.Attempts > 0 {
			details = append(details, fmt.Sprintf("attempt %d", rec.Attempts))
		}
		if rec.Executor != "" {
			details = append(details, rec.Executor)
		}
		if rec.FallbackUsed {
			details = append(details, "fallback")
		}
		if d := rec.Duration(); d > 0 && rec.State.Settled() {
			details = append(details, d.Round(time.Millisecond).String())
		}
		if len(rec.Artifacts) > 0 {
			details = append(details, fmt.Sprintf("%d artifact(s)", len(rec.Artifacts)))
		}
		if len(details) > 0 {
			line += "  " + detailTextStyle.Render(strings.Join(details, " • "))
		}
		lines = append(lines, line)
		if rec.Error != nil {
			lines = append(lines, "    "+labelStyleFailed.Render(string(rec.Error.Kind))+" "+detailTextStyle.Render(rec.Error.Message))
		}
	}
	if m.Job.Reason != "" {
		lines = append(lines, "", detailTextStyle.Render(m.Job.Reason))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func jobLabel(state manifest.JobState) string {
	switch state {
	case manifest.JobSucceeded:
		return labelStyleSucceeded.Render(string(state))
	case manifest.JobFailed:
		return labelStyleFailed.Render(string(state))
	case manifest.JobCancelled:
		return labelStyleCancelled.Render(string(state))
	case manifest.JobRunning:
		return labelStyleRunning.Render(string(state))
	default:
		return labelStyleDefault.Render(string(state))
	}
}

func stageLabel(state manifest.StageState, started bool) string {
	if !started {
		return labelStyleDefault.Render("waiting")
	}
	switch state {
	case manifest.StageSucceeded:
		return labelStyleSucceeded.Render(string(state))
	case manifest.StageFailed:
		return labelStyleFailed.Render(string(state))
	case manifest.StageRunning:
		return labelStyleRunning.Render(string(state))
	case manifest.StageCancelled:
		return labelStyleCancelled.Render(string(state))
	case manifest.StageSkipped:
		return labelStyleSkipped.Render(string(state))
	default:
		return labelStyleDefault.Render(string(state))
	}
}
