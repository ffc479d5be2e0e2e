package workflow

import (
	"fmt"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Validate checks a definition ahead of execution: unique step names,
// depends_on referencing only earlier-declared steps, an acyclic graph,
// registered step types, and per-type config validation. Templates are
// already expanded by Load, so config checks see the merged config.
func Validate(def *Definition, registry *Registry) error {
	if def.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(def.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if _, dup := seen[step.Name]; dup {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s", step.Name),
				Message: "duplicate step name",
			}
		}
		seen[step.Name] = i

		// Declaration order doubles as the DAG check: a dependency that
		// only references earlier steps can never form a cycle.
		for _, dep := range step.DependsOn {
			depIdx, ok := seen[dep]
			if !ok {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps.%s.depends_on", step.Name),
					Message:    fmt.Sprintf("unknown or later-declared step %q", dep),
					Suggestion: "depends_on may reference only earlier-declared steps",
				}
			}
			if depIdx == i {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.depends_on", step.Name),
					Message: "step cannot depend on itself",
				}
			}
		}

		if step.Type == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.type", step.Name),
				Message: "step type is required",
			}
		}

		if step.Type == StepTypeSubworkflow {
			if name, _ := step.Config["workflow"].(string); name == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.config.workflow", step.Name),
					Message: "sub-workflow steps require a workflow name",
				}
			}
		} else if registry != nil {
			impl, err := registry.Get(step.Type)
			if err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.type", step.Name),
					Message: fmt.Sprintf("unregistered step type %q", step.Type),
				}
			}
			if err := impl.ValidateConfig(step.Config); err != nil {
				return errors.Wrapf(err, "steps.%s config", step.Name)
			}
		}

		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.retry.max_attempts", step.Name),
				Message: "max_attempts must be at least 1",
			}
		}
	}
	return nil
}
