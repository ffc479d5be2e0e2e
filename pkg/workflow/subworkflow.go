package workflow

import (
	"context"
)

// StepTypeSubworkflow is the built-in step type that runs another
// workflow definition to completion inside the parent run. It is
// handled by the engine directly rather than the registry because the
// child run needs the engine itself.
const StepTypeSubworkflow = "subworkflow"

// MaxNestingDepth bounds sub-workflow nesting.
const MaxNestingDepth = 5

// executeSubworkflow loads the named definition, builds a child context
// inheriting the whitelisted variables plus explicit inputs, runs the
// child to completion, and exposes the step's declared outputs from the
// child's variables.
//
// Config keys:
//   - workflow: definition name (required)
//   - inherit:  list of parent variable names copied into the child
//   - inputs:   explicit child variables (resolved against the parent)
func (e *Engine) executeSubworkflow(ctx context.Context, step *StepDefinition, run *Context) *StepResult {
	if e.loader == nil {
		return AbortFailure("step %s: no workflow loader configured", step.Name)
	}
	if run.depth >= MaxNestingDepth {
		return AbortFailure("step %s: sub-workflow nesting exceeds depth %d", step.Name, MaxNestingDepth)
	}

	config := ResolveConfig(step.Config, run.Vars())
	name, _ := config["workflow"].(string)
	if name == "" {
		return AbortFailure("step %s: config key 'workflow' is required", step.Name)
	}

	def, err := e.loader.Load(name)
	if err != nil {
		return AbortFailure("step %s: loading workflow %s: %s", step.Name, name, err.Error())
	}

	child := NewContext(run.WorkflowID, run.ProjectID, run.RepoRoot, run.Branch, run.Transport)
	child.depth = run.depth + 1

	parentVars := run.Vars()
	for _, key := range toStringSlice(config["inherit"]) {
		if val, ok := parentVars[key]; ok {
			child.SetVar(key, val)
		}
	}
	if inputs, ok := config["inputs"].(map[string]interface{}); ok {
		for key, val := range inputs {
			child.SetVar(key, val)
		}
	}

	if _, err := e.Run(ctx, def, child); err != nil {
		// A child abort invalidates the parent run as well.
		if fs, reason := child.AbortReason(); reason != "" {
			run.Diag("sub-workflow %s aborted at %s: %s", name, fs, reason)
		}
		return AbortFailure("sub-workflow %s failed: %s", name, err.Error())
	}

	outputs := make(map[string]interface{}, len(step.Outputs))
	for _, out := range step.Outputs {
		if val, ok := child.Var(out); ok {
			outputs[out] = val
		}
	}
	return Success(outputs)
}

// toStringSlice coerces a YAML list into []string, dropping non-strings.
func toStringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
