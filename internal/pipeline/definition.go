// Package pipeline declares the stage graphs jobs are instantiated from.
// Definitions are validated once, before any dispatch, and never mutated
// afterwards; only the per-job execution records change.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidDefinition wraps every rejection raised by Validate.
	ErrInvalidDefinition = errors.New("pipeline: invalid definition")
	// ErrCycle marks a dependency loop.
	ErrCycle = errors.New("pipeline: dependency cycle")
)

// Mode declares whether the job may finish without a stage.
type Mode string

const (
	ModeRequired Mode = "required"
	ModeOptional Mode = "optional"
)

// RetrySpec overrides the default retry shape for one stage.
type RetrySpec struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Base        time.Duration `json:"base,omitempty" yaml:"base,omitempty"`
	Cap         time.Duration `json:"cap,omitempty" yaml:"cap,omitempty"`
	Jitter      float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// StageConfig carries executor-specific settings (opaque to the engine).
type StageConfig map[string]any

// Clone returns a shallow copy of the config map.
func (cfg StageConfig) Clone() StageConfig {
	if len(cfg) == 0 {
		return nil
	}
	clone := make(StageConfig, len(cfg))
	for key, value := range cfg {
		clone[key] = value
	}
	return clone
}

// StageSpec is one node of the graph.
type StageSpec struct {
	ID          string        `json:"id" yaml:"id"`
	Executor    string        `json:"executor" yaml:"executor"`
	Fallback    string        `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Mode        Mode          `json:"mode,omitempty" yaml:"mode,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry       *RetrySpec    `json:"retry,omitempty" yaml:"retry,omitempty"`
	Config      StageConfig   `json:"config,omitempty" yaml:"config,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Optional reports whether the job may succeed without this stage.
func (s StageSpec) Optional() bool {
	return s.Mode == ModeOptional
}

// Clone returns a deep copy of the stage.
func (s StageSpec) Clone() StageSpec {
	clone := s
	clone.DependsOn = cloneStringSlice(s.DependsOn)
	clone.Config = s.Config.Clone()
	if s.Retry != nil {
		retry := *s.Retry
		clone.Retry = &retry
	}
	return clone
}

func (s StageSpec) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stage id is required")
	}
	if strings.TrimSpace(s.Executor) == "" {
		return fmt.Errorf("stage %s: executor is required", s.ID)
	}
	switch s.Mode {
	case ModeRequired, ModeOptional:
	default:
		return fmt.Errorf("stage %s: unknown mode %q", s.ID, s.Mode)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("stage %s: timeout must be >= 0", s.ID)
	}
	if s.Retry != nil {
		if s.Retry.MaxAttempts < 0 {
			return fmt.Errorf("stage %s: retry.max_attempts must be >= 0", s.ID)
		}
		if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
			return fmt.Errorf("stage %s: retry.jitter must be within [0,1]", s.ID)
		}
	}
	deps := append([]string{}, s.DependsOn...)
	sort.Strings(deps)
	for i, dep := range deps {
		if dep == s.ID {
			return fmt.Errorf("stage %s depends on itself: %w", s.ID, ErrCycle)
		}
		if i > 0 && deps[i-1] == dep {
			return fmt.Errorf("stage %s has duplicate dependency on %s", s.ID, dep)
		}
	}
	return nil
}

// Runtime configures execution constraints for jobs built from a definition.
type Runtime struct {
	// MaxParallel bounds in-flight stages; zero means unbounded.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	// AllowDegraded lets dependents of a failed optional stage proceed.
	AllowDegraded bool `json:"allow_degraded,omitempty" yaml:"allow_degraded,omitempty"`
}

// Definition declares an executable stage graph.
type Definition struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageSpec `json:"stages" yaml:"stages"`
	Runtime     Runtime     `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// Clone returns a deep copy.
func (def Definition) Clone() Definition {
	clone := def
	if len(def.Stages) > 0 {
		clone.Stages = make([]StageSpec, len(def.Stages))
		for i, stage := range def.Stages {
			clone.Stages[i] = stage.Clone()
		}
	}
	return clone
}

// Validate ensures the graph is self-consistent and acyclic.
func (def Definition) Validate() error {
	if err := def.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return nil
}

func (def Definition) validate() error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("definition %s: at least one stage is required", def.ID)
	}
	if def.Runtime.MaxParallel < 0 {
		return fmt.Errorf("definition %s: max_parallel must be >= 0", def.ID)
	}
	seen := make(map[string]struct{}, len(def.Stages))
	for idx, stage := range def.Stages {
		if err := stage.validate(); err != nil {
			return fmt.Errorf("definition %s stage[%d]: %w", def.ID, idx, err)
		}
		if _, exists := seen[stage.ID]; exists {
			return fmt.Errorf("definition %s: duplicate stage id %s", def.ID, stage.ID)
		}
		seen[stage.ID] = struct{}{}
	}
	for _, stage := range def.Stages {
		for _, dep := range stage.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("definition %s: stage %s depends on unknown stage %s", def.ID, stage.ID, dep)
			}
		}
	}
	if _, err := def.topologicalOrder(); err != nil {
		return fmt.Errorf("definition %s: %w", def.ID, err)
	}
	return nil
}

// Normalized clones the definition, fills defaults and validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	for i := range clone.Stages {
		stage := &clone.Stages[i]
		stage.ID = strings.TrimSpace(stage.ID)
		stage.Executor = strings.TrimSpace(stage.Executor)
		stage.Fallback = strings.TrimSpace(stage.Fallback)
		stage.Mode = Mode(strings.ToLower(strings.TrimSpace(string(stage.Mode))))
		if stage.Mode == "" {
			stage.Mode = ModeRequired
		}
		stage.DependsOn = trimAll(stage.DependsOn)
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// Stage returns the stage with id.
func (def Definition) Stage(id string) (StageSpec, bool) {
	for _, stage := range def.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return StageSpec{}, false
}

// StageIDs returns identifiers in declaration order.
func (def Definition) StageIDs() []string {
	ids := make([]string, 0, len(def.Stages))
	for _, stage := range def.Stages {
		ids = append(ids, stage.ID)
	}
	return ids
}

// Required returns the identifiers of required stages in declaration order.
func (def Definition) Required() []string {
	var ids []string
	for _, stage := range def.Stages {
		if !stage.Optional() {
			ids = append(ids, stage.ID)
		}
	}
	return ids
}

// TopologicalOrder returns stage ids so every stage follows its
// dependencies. Ties keep declaration order.
func (def Definition) TopologicalOrder() ([]string, error) {
	return def.topologicalOrder()
}

func (def Definition) topologicalOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	index := make(map[string]int, len(def.Stages))
	for i, stage := range def.Stages {
		index[stage.ID] = i
	}
	marks := make(map[string]int, len(def.Stages))
	order := make([]string, 0, len(def.Stages))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			loop := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(loop, " -> "))
		}
		i, ok := index[id]
		if !ok {
			return fmt.Errorf("unknown stage %s", id)
		}
		marks[id] = visiting
		path = append(path, id)
		for _, dep := range def.Stages[i].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[id] = visited
		order = append(order, id)
		return nil
	}
	for _, stage := range def.Stages {
		if err := visit(stage.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Dependents returns the stages that declare id as a dependency.
func (def Definition) Dependents(id string) []string {
	var out []string
	for _, stage := range def.Stages {
		for _, dep := range stage.DependsOn {
			if dep == id {
				out = append(out, stage.ID)
				break
			}
		}
	}
	return out
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}
