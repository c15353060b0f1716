package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefinitionYAMLRejectsMissingStages(t *testing.T) {
	const payload = `
id: empty
stages: []
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil {
		t.Fatalf("expected error when stages are missing")
	}
	if !errors.Is(err, ErrInvalidDefinition) || !strings.Contains(err.Error(), "at least one stage is required") {
		t.Fatalf("unexpected error for missing stages: %v", err)
	}
}

func TestParseDefinitionYAMLRejectsUnknownDependency(t *testing.T) {
	const payload = `
id: bad-dep
stages:
  - id: script
    executor: script
    depends_on: [research]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if err == nil || !strings.Contains(err.Error(), "depends on unknown stage research") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestParseDefinitionYAMLRejectsCycle(t *testing.T) {
	const payload = `
id: loop
stages:
  - id: a
    executor: noop
    depends_on: [c]
  - id: b
    executor: noop
    depends_on: [a]
  - id: c
    executor: noop
    depends_on: [b]
`
	_, err := ParseDefinitionYAML([]byte(payload))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("cycle should also be an invalid definition: %v", err)
	}
}

func TestSelfDependencyIsACycle(t *testing.T) {
	def := Definition{ID: "self", Stages: []StageSpec{{ID: "a", Executor: "noop", DependsOn: []string{"a"}}}}
	if _, err := def.Normalized(); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestParseDefinitionYAMLDecodesStageOverrides(t *testing.T) {
	const payload = `
id: overrides
runtime:
  max_parallel: 2
  allow_degraded: true
stages:
  - id: script
    executor: script
    timeout: 90s
    retry:
      max_attempts: 5
      base: 500ms
      cap: 10s
      jitter: 0.25
  - id: music
    executor: music
    mode: Optional
    fallback: music-library
    depends_on: [script]
`
	def, err := ParseDefinitionYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	script, _ := def.Stage("script")
	if script.Timeout != 90*time.Second || script.Retry == nil || script.Retry.Base != 500*time.Millisecond {
		t.Fatalf("durations not decoded: %+v", script)
	}
	if script.Mode != ModeRequired {
		t.Fatalf("expected default mode required, got %s", script.Mode)
	}
	music, _ := def.Stage("music")
	if !music.Optional() || music.Fallback != "music-library" {
		t.Fatalf("unexpected music stage %+v", music)
	}
	if !def.Runtime.AllowDegraded || def.Runtime.MaxParallel != 2 {
		t.Fatalf("runtime not decoded: %+v", def.Runtime)
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	def := DefaultTemplate()
	order, err := def.TopologicalOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	position := map[string]int{}
	for i, id := range order {
		position[id] = i
	}
	for _, stage := range def.Stages {
		for _, dep := range stage.DependsOn {
			if position[dep] >= position[stage.ID] {
				t.Fatalf("%s ordered before its dependency %s: %v", stage.ID, dep, order)
			}
		}
	}
	if len(order) != len(def.Stages) {
		t.Fatalf("expected %d stages, got %v", len(def.Stages), order)
	}
}

func TestDefaultTemplateShape(t *testing.T) {
	def := DefaultTemplate()
	required := strings.Join(def.Required(), ",")
	if required != "script,voiceover,visuals,assemble,qc,publish,report" {
		t.Fatalf("unexpected required stages %s", required)
	}
	if deps := def.Dependents("script"); len(deps) != 3 {
		t.Fatalf("expected script to fan out to three stages, got %v", deps)
	}
}

func TestCatalogLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("id: short\nstages:\n  - id: script\n    executor: script\n")
	if err := os.WriteFile(filepath.Join(dir, "short.yaml"), payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	catalog := NewCatalog()
	if err := catalog.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if got := strings.Join(catalog.IDs(), ","); got != "short,video-production" {
		t.Fatalf("unexpected catalog ids %s", got)
	}
	def, ok := catalog.Get("short")
	if !ok || len(def.Stages) != 1 {
		t.Fatalf("expected short template, got %+v", def)
	}
	if err := catalog.LoadDir(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("missing dir should be ignored: %v", err)
	}
}
