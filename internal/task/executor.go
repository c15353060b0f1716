package task

import (
	"context"

	"github.com/kingrea/reelflow/internal/artifact"
)

// Input is what a stage's executor receives for one attempt.
type Input struct {
	JobID   string
	StageID string
	Topic   string
	Options map[string]string
	// Upstream maps dependency stage IDs to the artifacts they recorded.
	Upstream map[string][]artifact.Ref
	Attempt  int
	WorkDir  string
	Config   Config
}

// Output is returned by a successful execution.
type Output struct {
	Artifacts []artifact.Ref
	Metadata  map[string]string
}

// Executor performs the work for one stage type.
type Executor interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, in Input) (Output, error)

// Execute calls f(ctx, in).
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}
