// Package errors defines the orchestrator error taxonomy.
//
// Errors are typed so callers can decide retry behavior structurally
// instead of matching message strings. Types that may recover on retry
// implement Retryable() bool; IsRetryable inspects the whole error tree.
package errors

import (
	"fmt"
	"time"
)

// ConfigError represents configuration problems: workflow YAML parse
// failures, unresolved step templates, or invalid settings. Fatal at
// workflow start, never retried.
type ConfigError struct {
	// Key is the configuration or spec key at fault (e.g. "steps.qa.template")
	Key string

	// Reason explains what is wrong
	Reason string

	// Cause is the underlying error (file read, YAML parse)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ValidationError represents step-specific config validation failures.
// Fatal at workflow start, never retried.
type ValidationError struct {
	// Field identifies which field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a missing resource (workflow, step type, task).
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "step", "task")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// DependencyBlockedError marks a step skipped because a predecessor
// failed or was skipped in a way that invalidates it.
type DependencyBlockedError struct {
	// Step is the step that cannot run
	Step string

	// Dependency is the predecessor that blocks it
	Dependency string
}

// Error implements the error interface.
func (e *DependencyBlockedError) Error() string {
	return fmt.Sprintf("step %s blocked by dependency %s", e.Step, e.Dependency)
}

// TimeoutError represents a step or persona wait exceeding its budget.
// Retriable per the step/persona retry policy.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "persona request", "step qa")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Retryable reports that timeouts may recover on retry.
func (e *TimeoutError) Retryable() bool { return true }

// PersonaError represents a responder event with status "error".
// Retriable up to the persona's retry budget.
type PersonaError struct {
	// Persona is the responder that failed
	Persona string

	// Step is the workflow step that issued the request
	Step string

	// CorrID correlates the failed request
	CorrID string

	// Message is the responder-reported error text
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *PersonaError) Error() string {
	msg := fmt.Sprintf("persona %s error", e.Persona)
	if e.Step != "" {
		msg = fmt.Sprintf("%s at step %s", msg, e.Step)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.CorrID != "" {
		msg = fmt.Sprintf("%s (corr-id: %s)", msg, e.CorrID)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersonaError) Unwrap() error {
	return e.Cause
}

// Retryable reports that persona errors may recover on retry.
func (e *PersonaError) Retryable() bool { return true }

// PolicyViolationError represents a guard rejection: language policy,
// artifact path guard, or review coverage guard. Never retried; aborts
// the workflow.
type PolicyViolationError struct {
	// Policy names the guard (e.g. "language_policy", "artifact_path")
	Policy string

	// Detail describes the violation
	Detail string
}

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Policy, e.Detail)
}

// IntegrityError represents state that must never be wrong: branch
// mismatch, optimistic-lock conflict, missing task description.
// Never retried; aborts the workflow.
type IntegrityError struct {
	// Check names the violated invariant (e.g. "branch", "lock_version")
	Check string

	// Detail describes the mismatch
	Detail string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check %s failed: %s", e.Check, e.Detail)
}

// TransportError represents a stream append/read/ack failure.
// Retried a bounded number of times; persistent failure aborts.
type TransportError struct {
	// Op is the transport operation ("append", "read_group", "ack", ...)
	Op string

	// Stream is the stream key involved
	Stream string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Stream != "" {
		return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Stream, e.Cause)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Retryable reports that transport failures may recover on retry.
func (e *TransportError) Retryable() bool { return true }

// ExternalError represents a dashboard or HTTP fetch failure.
// Retried with exponential backoff on transient status codes.
type ExternalError struct {
	// Service names the external system ("dashboard", "http_get")
	Service string

	// StatusCode is the HTTP status (0 when the call never completed)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	msg := fmt.Sprintf("%s error", e.Service)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExternalError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient: timeouts (no
// status), 5xx responses, and 429 rate limiting.
func (e *ExternalError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}
