package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/reelflow/internal/manifest"
	"github.com/kingrea/reelflow/internal/pipeline"
	"github.com/kingrea/reelflow/internal/task"
)

type staticSource struct {
	m   manifest.Manifest
	err error
}

func (s staticSource) Get(context.Context, string) (manifest.Manifest, error) {
	return s.m, s.err
}

func sampleManifest(state manifest.JobState) manifest.Manifest {
	return manifest.Manifest{
		Version: 7,
		Job: manifest.Job{
			ID:    "job-1",
			Topic: "octopus",
			State: state,
			Definition: pipeline.Definition{
				ID: "video-production",
				Stages: []pipeline.StageSpec{
					{ID: "script", Executor: "placeholder"},
					{ID: "voiceover", Executor: "placeholder", DependsOn: []string{"script"}},
					{ID: "music", Executor: "placeholder", Mode: pipeline.ModeOptional},
				},
			},
		},
		Stages: map[string]manifest.StageRecord{
			"script":    {StageID: "script", State: manifest.StageSucceeded, Attempts: 1, Executor: "placeholder"},
			"voiceover": {StageID: "voiceover", State: manifest.StageRunning, Attempts: 2, Executor: "placeholder"},
			"music": {StageID: "music", State: manifest.StageFailed, Attempts: 3,
				Error: &manifest.StageError{Kind: task.KindTransient, Message: "rate limited"}},
		},
	}
}

func TestRenderStatusListsStages(t *testing.T) {
	out := RenderStatus(sampleManifest(manifest.JobRunning))
	for _, want := range []string{"job-1", "script", "voiceover", "music?", "attempt 2", "rate limited", "version 7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}

func TestWatcherLoadsAndPolls(t *testing.T) {
	w := NewWatcher(staticSource{m: sampleManifest(manifest.JobRunning)}, "job-1")
	msg := w.fetch()()
	_, cmd := w.Update(msg)
	if cmd == nil {
		t.Fatalf("expected a refresh tick to be scheduled")
	}
	m, ok := w.Manifest()
	if !ok || m.Version != 7 {
		t.Fatalf("manifest not stored: %+v", m)
	}
	if !strings.Contains(w.View(), "voiceover") {
		t.Fatalf("view missing stages:\n%s", w.View())
	}
}

func TestWatcherQuitsWhenJobFinishes(t *testing.T) {
	w := NewWatcher(staticSource{m: sampleManifest(manifest.JobSucceeded)}, "job-1", WithExitOnFinish(true))
	_, cmd := w.Update(w.fetch()())
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestWatcherShowsLoadErrors(t *testing.T) {
	w := NewWatcher(staticSource{err: errors.New("manifest: not found")}, "ghost")
	w.Update(w.fetch()())
	if !strings.Contains(w.View(), "cannot load job ghost") {
		t.Fatalf("unexpected view:\n%s", w.View())
	}
	_, cmd := w.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("q should quit")
	}
}
