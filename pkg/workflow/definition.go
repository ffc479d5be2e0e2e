// Package workflow provides the declarative workflow engine that drives
// task execution: YAML definitions, template expansion, DAG validation,
// variable resolution, condition evaluation, and the step scheduler.
//
// A workflow is a DAG of named steps. Each step selects an implementation
// by type, carries type-specific config (strings may contain ${...}
// placeholders resolved against the run context), and constrains ordering
// through depends_on. Steps may inherit config from a named template,
// declare outputs published into the context, and opt into retry and
// timeout policies.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Definition represents a YAML workflow definition, immutable per version.
type Definition struct {
	// Name is the workflow identifier
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the workflow definition version (optional, defaults to "1.0")
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Trigger is an optional condition gating whether the workflow runs at all
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Templates are named reusable step specs that steps extend via the
	// step's template field. Step config overrides template config.
	Templates map[string]StepTemplate `yaml:"templates,omitempty" json:"templates,omitempty"`

	// Steps are the executable units of the workflow, in declaration order
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepTemplate is a reusable fragment of step configuration.
type StepTemplate struct {
	// Type is the default step type for steps using this template
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Config holds default config keys merged under the step's own config
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Retry is the default retry policy
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutMS is the default per-attempt timeout in milliseconds
	TimeoutMS int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// StepDefinition represents a single step in a workflow.
type StepDefinition struct {
	// Name is the unique step identifier within this workflow
	Name string `yaml:"name" json:"name"`

	// Type selects the step implementation
	Type string `yaml:"type" json:"type"`

	// Template names a StepTemplate this step inherits config from
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Config is type-specific configuration; string values may contain
	// ${...} placeholders resolved at execution time
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// DependsOn lists prior step names that must reach a terminal state
	// before this step becomes ready
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Condition is a boolean expression gating execution. A false
	// condition skips the step; downstream dependents still run.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Outputs names the context variables this step publishes on success
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Retry configures the retry policy for this step
	Retry *RetryDefinition `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutMS is the per-attempt timeout in milliseconds (0 = none)
	TimeoutMS int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// RetryDefinition configures retry behavior for a step.
type RetryDefinition struct {
	// MaxAttempts is the total number of attempts (1 = no retry)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBaseMS overrides the base backoff in milliseconds
	BackoffBaseMS int `yaml:"backoff_base_ms,omitempty" json:"backoff_base_ms,omitempty"`
}

// Default retry values applied when a step declares no policy.
const (
	// DefaultMaxAttempts is applied when a step has no retry block.
	DefaultMaxAttempts = 1

	// DefaultBackoffBaseMS is the base for exponential backoff between
	// attempts: base * 2^n plus jitter, capped at MaxBackoffMS.
	DefaultBackoffBaseMS = 500

	// MaxBackoffMS caps the computed backoff for any single wait.
	MaxBackoffMS = 15000

	// MaxBackoffJitterMS bounds the random jitter added to each backoff.
	MaxBackoffJitterMS = 300
)

// Load parses a workflow definition from YAML and expands templates.
// The returned definition has template config flattened into each step,
// so the engine never consults Templates at execution time.
func Load(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ConfigError{Reason: "workflow YAML parse failed", Cause: err}
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	if err := def.expandTemplates(); err != nil {
		return nil, err
	}
	return &def, nil
}

// expandTemplates merges template config into each step that references
// one. Step values win over template values; the merge is a single flat
// pass over config keys.
func (d *Definition) expandTemplates() error {
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Template == "" {
			continue
		}
		tpl, ok := d.Templates[step.Template]
		if !ok {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("steps.%s.template", step.Name),
				Reason: fmt.Sprintf("template %q not defined", step.Template),
			}
		}

		if step.Type == "" {
			step.Type = tpl.Type
		}
		if step.Retry == nil {
			step.Retry = tpl.Retry
		}
		if step.TimeoutMS == 0 {
			step.TimeoutMS = tpl.TimeoutMS
		}

		merged := make(map[string]interface{}, len(tpl.Config)+len(step.Config))
		for k, v := range tpl.Config {
			merged[k] = v
		}
		for k, v := range step.Config {
			merged[k] = v
		}
		step.Config = merged
	}
	return nil
}

// step returns the definition of a named step, or nil.
func (d *Definition) step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// maxAttempts returns the effective attempt budget for the step.
func (s *StepDefinition) maxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return s.Retry.MaxAttempts
}

// backoffBaseMS returns the effective backoff base for the step.
func (s *StepDefinition) backoffBaseMS() int {
	if s.Retry == nil || s.Retry.BackoffBaseMS <= 0 {
		return DefaultBackoffBaseMS
	}
	return s.Retry.BackoffBaseMS
}
