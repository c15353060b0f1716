package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/task"
)

// DefaultTransientExitCodes are treated as retryable when a command spec
// lists none (EX_TEMPFAIL).
var DefaultTransientExitCodes = []int{75}

// CommandSpec configures an external program.
type CommandSpec struct {
	Command            string
	Args               []string
	Env                map[string]string
	Dir                string
	TransientExitCodes []int
	Kind               artifact.Kind
}

// Command runs a program per attempt. The program receives the job context
// in REELFLOW_* variables, writes outputs into REELFLOW_OUTPUT_DIR, and its
// stdout is kept as a log artifact.
type Command struct {
	store *artifact.Store
	spec  CommandSpec
}

// NewCommand validates spec and builds the executor.
func NewCommand(store *artifact.Store, spec CommandSpec) (*Command, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("builtin: command is required")
	}
	if len(spec.TransientExitCodes) == 0 {
		spec.TransientExitCodes = DefaultTransientExitCodes
	}
	if spec.Kind == "" {
		spec.Kind = artifact.KindOther
	}
	return &Command{store: store, spec: spec}, nil
}

// Execute implements task.Executor.
func (c *Command) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	outDir := filepath.Join(c.store.Root(), in.JobID, in.StageID, "attempt-"+strconv.Itoa(in.Attempt))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return task.Output{}, task.Transient("prepare output dir", err)
	}
	inputs, err := json.Marshal(in.Upstream)
	if err != nil {
		return task.Output{}, task.Fatal("encode inputs", err)
	}

	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	cmd.Dir = c.spec.Dir
	cmd.Env = append(os.Environ(),
		"REELFLOW_JOB_ID="+in.JobID,
		"REELFLOW_STAGE_ID="+in.StageID,
		"REELFLOW_TOPIC="+in.Topic,
		"REELFLOW_ATTEMPT="+strconv.Itoa(in.Attempt),
		"REELFLOW_OUTPUT_DIR="+outDir,
		"REELFLOW_INPUTS="+string(inputs),
	)
	for key, value := range in.Options {
		cmd.Env = append(cmd.Env, "REELFLOW_OPT_"+envName(key)+"="+value)
	}
	for key, value := range c.spec.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return task.Output{}, c.classify(ctx, err, stderr.String())
	}

	var refs []artifact.Ref
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return task.Output{}, task.Transient("read output dir", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ref, err := artifact.FileRef(filepath.Join(outDir, entry.Name()), entry.Name(), c.spec.Kind, nil)
		if err != nil {
			return task.Output{}, task.Transient("hash output", err)
		}
		refs = append(refs, ref)
	}
	logRef, err := c.store.Write(in.JobID, in.StageID, "stdout.log", artifact.KindOther, stdout.Bytes())
	if err != nil {
		return task.Output{}, task.Transient("write stdout", err)
	}
	refs = append(refs, logRef)
	return task.Output{
		Artifacts: refs,
		Metadata:  map[string]string{"executor": TypeCommand, "command": c.spec.Command},
	}, nil
}

func (c *Command) classify(ctx context.Context, err error, stderr string) error {
	detail := tail(strings.TrimSpace(stderr), maxStderrDetail)
	reason := fmt.Sprintf("%s failed", filepath.Base(c.spec.Command))
	if detail != "" {
		reason += ": " + detail
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return task.Cancelled(reason, ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return task.Transient(reason, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		for _, transient := range c.spec.TransientExitCodes {
			if code == transient {
				return task.Transient(reason, err)
			}
		}
		return task.Fatal(reason, err)
	}
	return task.Fatal(reason, err)
}

func envName(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
}

const maxStderrDetail = 512

// tail returns at most the last n bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
