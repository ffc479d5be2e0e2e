package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Context is the mutable per-run state bag. It is owned by the engine
// instance running the workflow: steps return outputs, they never write
// the context directly, and every mutation goes through the serialized
// setters here.
type Context struct {
	// WorkflowID uniquely identifies this run.
	WorkflowID string

	// ProjectID is the dashboard project this run serves.
	ProjectID string

	// RepoRoot is the absolute path of the Git working copy.
	RepoRoot string

	// Branch is the Git branch the run operates on.
	Branch string

	// Transport is the shared stream transport handle.
	Transport transport.Transport

	mu          sync.Mutex
	vars        map[string]interface{}
	completed   []string
	published   map[string]bool
	failedStep  string
	abortReason string
	pushFailure string
	diagnostics []string
	aborted     bool

	// depth tracks sub-workflow nesting, guarded by MaxNestingDepth.
	depth int
}

// NewContext creates a run context with an empty variables map.
func NewContext(workflowID, projectID, repoRoot, branch string, tr transport.Transport) *Context {
	return &Context{
		WorkflowID: workflowID,
		ProjectID:  projectID,
		RepoRoot:   repoRoot,
		Branch:     branch,
		Transport:  tr,
		vars:       make(map[string]interface{}),
		published:  make(map[string]bool),
	}
}

// SetVar stores a single variable.
func (c *Context) SetVar(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// Var returns a variable and whether it exists.
func (c *Context) Var(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[key]
	return v, ok
}

// Vars returns a shallow copy of the variables map, safe to hand to the
// resolver while steps run concurrently.
func (c *Context) Vars() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// PublishStepOutputs applies a finished step's outputs atomically: the
// declared output names, the step name itself as an object, and the
// canonical <step>_status variable. Outputs are write-once per step.
func (c *Context) PublishStepOutputs(step string, outputs map[string]interface{}, declared []string, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.published[step] {
		return &errors.IntegrityError{
			Check:  "step_outputs",
			Detail: fmt.Sprintf("outputs for step %s already published", step),
		}
	}
	c.published[step] = true

	for _, name := range declared {
		if val, ok := outputs[name]; ok {
			c.vars[name] = val
		}
	}
	if outputs != nil {
		c.vars[step] = outputs
	}
	c.vars[step+"_status"] = status
	return nil
}

// MarkCompleted appends the step to the ordered completed list.
func (c *Context) MarkCompleted(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, step)
}

// Completed returns the ordered list of completed steps.
func (c *Context) Completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completed...)
}

// Abort flags the run aborted with the failing step and reason. Only the
// first call takes effect; later calls are no-ops and return false.
func (c *Context) Abort(failedStep, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false
	}
	c.aborted = true
	c.failedStep = failedStep
	c.abortReason = reason
	return true
}

// Aborted reports whether the run has been aborted.
func (c *Context) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// AbortReason returns the failing step and reason recorded by Abort.
func (c *Context) AbortReason() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedStep, c.abortReason
}

// RecordPushFailure notes that an abort traces back to a Git push
// failure so the coordinator can distinguish infrastructure failures
// from logic failures.
func (c *Context) RecordPushFailure(detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushFailure = detail
}

// PushFailure returns recorded push-failure detail, if any.
func (c *Context) PushFailure() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushFailure
}

// Diag appends a line to the diagnostic log.
func (c *Context) Diag(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics = append(c.diagnostics, fmt.Sprintf(format, args...))
}

// Snapshot is the diagnostic view of a run, persisted on abort.
type Snapshot struct {
	WorkflowID     string                 `json:"workflow_id"`
	ProjectID      string                 `json:"project_id,omitempty"`
	Branch         string                 `json:"branch,omitempty"`
	Variables      map[string]interface{} `json:"variables"`
	CompletedSteps []string               `json:"completed_steps"`
	FailedStep     string                 `json:"failed_step,omitempty"`
	AbortReason    string                 `json:"abort_reason,omitempty"`
	PushFailure    string                 `json:"push_failure,omitempty"`
	DiagnosticLog  []string               `json:"diagnostic_log,omitempty"`
	CapturedAt     time.Time              `json:"captured_at"`
}

// Snapshot captures the current state of the run.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	vars := make(map[string]interface{}, len(c.vars))
	for k, v := range c.vars {
		vars[k] = v
	}
	return Snapshot{
		WorkflowID:     c.WorkflowID,
		ProjectID:      c.ProjectID,
		Branch:         c.Branch,
		Variables:      vars,
		CompletedSteps: append([]string(nil), c.completed...),
		FailedStep:     c.failedStep,
		AbortReason:    c.abortReason,
		PushFailure:    c.pushFailure,
		DiagnosticLog:  append([]string(nil), c.diagnostics...),
		CapturedAt:     time.Now().UTC(),
	}
}

// WriteSnapshot persists the diagnostic snapshot under dir and returns
// the file path. The directory is created if needed.
func (c *Context) WriteSnapshot(dir string) (string, error) {
	snap := c.Snapshot()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating diagnostics dir")
	}

	path := filepath.Join(dir, snap.WorkflowID+".json")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding diagnostic snapshot")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "writing diagnostic snapshot")
	}
	return path, nil
}
