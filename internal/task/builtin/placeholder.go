package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/task"
)

// Placeholder writes a markdown brief describing the stage input. It lets a
// template run end to end before real providers are wired in.
type Placeholder struct {
	store  *artifact.Store
	kind   artifact.Kind
	output string
}

// NewPlaceholder builds a placeholder executor. output defaults to
// <stage>.md.
func NewPlaceholder(store *artifact.Store, kind artifact.Kind, output string) *Placeholder {
	if kind == "" {
		kind = artifact.KindDocument
	}
	return &Placeholder{store: store, kind: kind, output: strings.TrimSpace(output)}
}

// Execute implements task.Executor.
func (p *Placeholder) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	if err := ctx.Err(); err != nil {
		return task.Output{}, task.Cancelled("placeholder", err)
	}
	name := p.output
	if name == "" {
		name = in.StageID + ".md"
	}
	ref, err := p.store.Write(in.JobID, in.StageID, name, p.kind, []byte(brief(in)))
	if err != nil {
		return task.Output{}, task.Transient("write placeholder artifact", err)
	}
	return task.Output{
		Artifacts: []artifact.Ref{ref},
		Metadata:  map[string]string{"executor": TypePlaceholder},
	}, nil
}

func brief(in task.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.StageID)
	fmt.Fprintf(&b, "- job: %s\n", in.JobID)
	fmt.Fprintf(&b, "- topic: %s\n", in.Topic)
	fmt.Fprintf(&b, "- attempt: %d\n", in.Attempt)
	if len(in.Options) > 0 {
		keys := make([]string, 0, len(in.Options))
		for key := range in.Options {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("\n## Options\n\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", key, in.Options[key])
		}
	}
	if len(in.Upstream) > 0 {
		deps := make([]string, 0, len(in.Upstream))
		for dep := range in.Upstream {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		b.WriteString("\n## Inputs\n\n")
		for _, dep := range deps {
			for _, ref := range in.Upstream[dep] {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", dep, ref.Name, ref.Hash)
			}
		}
	}
	return b.String()
}
