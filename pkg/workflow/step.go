package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maestrohq/maestro/pkg/errors"
)

// StepStatus is the terminal status of a step within a run.
type StepStatus string

const (
	// StepStatusSuccess indicates the step completed successfully.
	StepStatusSuccess StepStatus = "success"
	// StepStatusFailure indicates the step failed.
	StepStatusFailure StepStatus = "failure"
	// StepStatusSkipped indicates the step did not execute.
	StepStatusSkipped StepStatus = "skipped"
)

// Skip reasons recorded on skipped steps.
const (
	// SkipReasonCondition marks a step whose condition evaluated false.
	SkipReasonCondition = "skipped_due_to_condition"
	// SkipReasonDependency marks a step with a failed or invalidated
	// ancestor.
	SkipReasonDependency = "skipped_due_to_dependency"
)

// StepResult is what a step implementation returns from Execute.
type StepResult struct {
	// Status is success or failure. Skips are decided by the engine,
	// never by step implementations.
	Status StepStatus

	// Outputs is the step's result object. Declared output names are
	// copied into context variables; the whole object is exposed as
	// ${<step_name>.<field>}.
	Outputs map[string]interface{}

	// Error carries the failure description when Status is failure.
	Error string

	// Abort forces an immediate workflow abort regardless of the retry
	// policy. Used for policy and integrity violations.
	Abort bool
}

// Step is a step implementation registered under a type name.
type Step interface {
	// Type returns the step type this implementation handles.
	Type() string

	// ValidateConfig checks a step's config ahead of execution. It runs
	// during workflow validation, before any step starts.
	ValidateConfig(config map[string]interface{}) error

	// Execute runs the step. config has ${...} placeholders already
	// resolved. Blocking work must honor ctx cancellation.
	Execute(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error)
}

// Registry maps step types to implementations.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step implementation, replacing any previous one of the
// same type.
func (r *Registry) Register(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Type()] = step
}

// Get returns the implementation for a step type.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepType]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step type", ID: stepType}
	}
	return step, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Failure is a convenience constructor for failed step results.
func Failure(format string, args ...interface{}) *StepResult {
	return &StepResult{Status: StepStatusFailure, Error: sprintf(format, args...)}
}

// AbortFailure is a convenience constructor for failures that must abort
// the workflow immediately.
func AbortFailure(format string, args ...interface{}) *StepResult {
	return &StepResult{Status: StepStatusFailure, Error: sprintf(format, args...), Abort: true}
}

// Success is a convenience constructor for successful step results.
func Success(outputs map[string]interface{}) *StepResult {
	return &StepResult{Status: StepStatusSuccess, Outputs: outputs}
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
