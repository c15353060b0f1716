package builtin

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/config"
	"github.com/kingrea/reelflow/internal/task"
)

func input(stage string) task.Input {
	return task.Input{
		JobID:   "job-1",
		StageID: stage,
		Topic:   "octopus camouflage",
		Options: map[string]string{"voice": "calm"},
		Attempt: 1,
		Upstream: map[string][]artifact.Ref{
			"script": {{Name: "script.md", URI: "file:///tmp/script.md", Hash: artifact.HashBytes([]byte("x")), Kind: artifact.KindScript}},
		},
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestPlaceholderWritesHashedBrief(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	out, err := NewPlaceholder(store, artifact.KindAudio, "").Execute(context.Background(), input("voiceover"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("expected one artifact, got %+v", out.Artifacts)
	}
	ref := out.Artifacts[0]
	if ref.Kind != artifact.KindAudio || ref.Name != "voiceover.md" {
		t.Fatalf("unexpected ref %+v", ref)
	}
	path, ok := artifact.LocalPath(ref)
	if !ok {
		t.Fatalf("expected file uri, got %s", ref.URI)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if artifact.HashBytes(data) != ref.Hash {
		t.Fatalf("hash mismatch")
	}
	for _, want := range []string{"octopus camouflage", "voice: calm", "script: script.md"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("brief missing %q:\n%s", want, data)
		}
	}
}

func TestPlaceholderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPlaceholder(artifact.NewStore(t.TempDir()), "", "").Execute(ctx, input("script"))
	if kind, _ := task.KindOf(err); kind != task.KindCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}

func TestCommandCollectsOutputs(t *testing.T) {
	requireShell(t)
	store := artifact.NewStore(t.TempDir())
	cmd, err := NewCommand(store, CommandSpec{
		Command: "sh",
		Args:    []string{"-c", `printf hello > "$REELFLOW_OUTPUT_DIR/out.txt"; echo "$REELFLOW_TOPIC/$REELFLOW_OPT_VOICE"`},
		Kind:    artifact.KindVideo,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := cmd.Execute(context.Background(), input("assemble"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Artifacts) != 2 {
		t.Fatalf("expected output file and stdout log, got %+v", out.Artifacts)
	}
	produced := out.Artifacts[0]
	if produced.Name != "out.txt" || produced.Kind != artifact.KindVideo || produced.Hash != artifact.HashBytes([]byte("hello")) {
		t.Fatalf("unexpected output ref %+v", produced)
	}
	logPath, _ := artifact.LocalPath(out.Artifacts[1])
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if strings.TrimSpace(string(data)) != "octopus camouflage/calm" {
		t.Fatalf("unexpected stdout %q", data)
	}
}

func TestCommandExitCodesAreClassified(t *testing.T) {
	requireShell(t)
	store := artifact.NewStore(t.TempDir())
	cases := map[string]task.ErrorKind{
		"exit 75":                    task.KindTransient,
		"echo bad input >&2; exit 2": task.KindFatal,
	}
	for script, want := range cases {
		cmd, err := NewCommand(store, CommandSpec{Command: "sh", Args: []string{"-c", script}})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		_, err = cmd.Execute(context.Background(), input("publish"))
		if kind, _ := task.KindOf(err); kind != want {
			t.Fatalf("%q: kind = %s, want %s (%v)", script, kind, want, err)
		}
	}
}

func TestTailKeepsRunesWhole(t *testing.T) {
	stderr := strings.Repeat("é", 300)
	got := tail(stderr, maxStderrDetail)
	if !utf8.ValidString(got) {
		t.Fatalf("tail split a rune: %q", got[:4])
	}
	if len(got) > maxStderrDetail || len(got) < maxStderrDetail-utf8.UTFMax {
		t.Fatalf("unexpected tail length %d", len(got))
	}
	if short := "ffmpeg: no such file"; tail(short, maxStderrDetail) != short {
		t.Fatalf("short detail should be kept whole")
	}
	if got := tail("a€b", 3); got != "b" {
		t.Fatalf("tail = %q, want %q", got, "b")
	}
}

func TestRegisterBuildsConfiguredExecutors(t *testing.T) {
	reg := task.NewRegistry()
	store := artifact.NewStore(t.TempDir())
	err := Register(reg, store, map[string]config.ExecutorConfig{
		"placeholder": {Type: TypePlaceholder},
		"narrate":     {Type: TypeCommand, Command: "narrate"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.Has("placeholder") || !reg.Has("narrate") {
		t.Fatalf("executors missing: %v", reg.Names())
	}
	executor, err := reg.Resolve("placeholder", task.Config{"kind": "image", "output": "thumb.md"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, err := executor.Execute(context.Background(), input("thumbnail"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Artifacts[0].Name != "thumb.md" || out.Artifacts[0].Kind != artifact.KindImage {
		t.Fatalf("stage config not applied: %+v", out.Artifacts[0])
	}
	if err := Register(task.NewRegistry(), store, map[string]config.ExecutorConfig{"x": {Type: "lambda"}}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
