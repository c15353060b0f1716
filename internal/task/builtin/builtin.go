// Package builtin provides the executors reelflow ships with: a placeholder
// that writes a stage brief as its artifact, and a command executor that
// delegates a stage to an external program.
package builtin

import (
	"fmt"
	"sort"

	"github.com/kingrea/reelflow/internal/artifact"
	"github.com/kingrea/reelflow/internal/config"
	"github.com/kingrea/reelflow/internal/task"
)

const (
	TypePlaceholder = "placeholder"
	TypeCommand     = "command"
)

// Register installs one factory per configured executor. Stage config keys
// (kind, output) are applied per stage when the factory runs.
func Register(reg *task.Registry, store *artifact.Store, executors map[string]config.ExecutorConfig) error {
	if reg == nil {
		return fmt.Errorf("builtin: registry is required")
	}
	if store == nil {
		return fmt.Errorf("builtin: artifact store is required")
	}
	names := make([]string, 0, len(executors))
	for name := range executors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := executors[name]
		var factory task.Factory
		switch spec.Type {
		case TypePlaceholder:
			factory = func(cfg task.Config) (task.Executor, error) {
				return NewPlaceholder(store, stageKind(cfg), cfg.String("output")), nil
			}
		case TypeCommand:
			factory = func(cfg task.Config) (task.Executor, error) {
				return NewCommand(store, CommandSpec{
					Command:            spec.Command,
					Args:               spec.Args,
					Env:                spec.Env,
					Dir:                spec.Dir,
					TransientExitCodes: spec.TransientExitCodes,
					Kind:               stageKind(cfg),
				})
			}
		default:
			return fmt.Errorf("builtin: executor %s has unknown type %q", name, spec.Type)
		}
		if err := reg.Register(name, factory); err != nil {
			return err
		}
	}
	return nil
}

func stageKind(cfg task.Config) artifact.Kind {
	return artifact.NormalizeKind(cfg.String("kind"))
}
