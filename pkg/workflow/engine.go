package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Loader resolves workflow definitions by name for sub-workflow steps.
type Loader interface {
	// Load returns the definition registered under name.
	Load(name string) (*Definition, error)
}

// AbortHook runs the cleanup pipeline after a workflow aborts. It
// returns a human-readable summary logged with the abort.
type AbortHook func(ctx context.Context, run *Context) string

// Metrics receives engine execution events. The zero value of the engine
// uses a no-op implementation.
type Metrics interface {
	// StepFinished records a step reaching a terminal state.
	StepFinished(workflow, step string, status StepStatus, duration time.Duration)

	// WorkflowFinished records a run completing or aborting.
	WorkflowFinished(workflow string, aborted bool)
}

// StepOutcome is the terminal record for one step in a run.
type StepOutcome struct {
	// Status is the terminal status.
	Status StepStatus `json:"status"`

	// SkipReason distinguishes condition skips from dependency skips.
	SkipReason string `json:"skip_reason,omitempty"`

	// Error is the final failure description.
	Error string `json:"error,omitempty"`

	// Attempts is how many times the step executed.
	Attempts int `json:"attempts,omitempty"`

	// Duration is the total wall time across attempts.
	Duration time.Duration `json:"duration,omitempty"`
}

// RunResult summarizes a completed workflow run.
type RunResult struct {
	// Workflow is the definition name.
	Workflow string `json:"workflow"`

	// Steps maps step name to its terminal outcome.
	Steps map[string]StepOutcome `json:"steps"`

	// Aborted reports whether the run aborted.
	Aborted bool `json:"aborted"`

	// SnapshotPath is the diagnostic snapshot file written on abort.
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLoader sets the definition loader used by sub-workflow steps.
func WithLoader(loader Loader) Option {
	return func(e *Engine) { e.loader = loader }
}

// WithAbortHook sets the cleanup pipeline invoked on abort.
func WithAbortHook(hook AbortHook) Option {
	return func(e *Engine) { e.abortHook = hook }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxParallel caps concurrently executing steps. Default 4.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithSnapshotDir sets where diagnostic snapshots are written.
// Default: <repo_root>/.ma/diagnostics.
func WithSnapshotDir(dir string) Option {
	return func(e *Engine) { e.snapshotDir = dir }
}

// Engine executes workflow definitions against a run context.
type Engine struct {
	registry    *Registry
	loader      Loader
	logger      *slog.Logger
	abortHook   AbortHook
	metrics     Metrics
	maxParallel int
	snapshotDir string
}

// NewEngine creates an engine over the given step registry.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		logger:      log.Discard(),
		maxParallel: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's step registry.
func (e *Engine) Registry() *Registry { return e.registry }

// stepEvent is the scheduler's completion notification.
type stepEvent struct {
	name    string
	outcome StepOutcome
	abort   bool
}

// Run validates and executes the workflow. Ready steps run concurrently
// within dependency constraints; a false condition skips the step and
// satisfies its dependents; a failed step aborts the run, cancels
// in-flight steps, writes the diagnostic snapshot, and fires the abort
// hook. The first failure's error is returned.
func (e *Engine) Run(ctx context.Context, def *Definition, run *Context) (*RunResult, error) {
	if err := Validate(def, e.registry); err != nil {
		return nil, err
	}

	result := &RunResult{Workflow: def.Name, Steps: make(map[string]StepOutcome)}

	if def.Trigger != "" {
		ok, err := EvaluateCondition(def.Trigger, run.Vars())
		if err != nil {
			return nil, errors.Wrap(err, "workflow trigger")
		}
		if !ok {
			for _, step := range def.Steps {
				result.Steps[step.Name] = StepOutcome{Status: StepStatusSkipped, SkipReason: SkipReasonCondition}
			}
			return result, nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		running  = make(map[string]bool, len(def.Steps))
		events   = make(chan stepEvent, len(def.Steps)*2)
		sem      = semaphore.NewWeighted(int64(e.maxParallel))
		firstErr error
		aborted  bool
	)

	terminal := func(name string) bool {
		_, done := result.Steps[name]
		return done
	}

	// schedule launches every step that is ready and eligible. Caller
	// must not hold mu.
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if aborted {
			return
		}
		for i := range def.Steps {
			step := &def.Steps[i]
			if terminal(step.Name) || running[step.Name] {
				continue
			}

			ready := true
			blockedBy := ""
			for _, dep := range step.DependsOn {
				out, done := result.Steps[dep]
				if !done {
					ready = false
					break
				}
				if out.Status == StepStatusFailure || out.SkipReason == SkipReasonDependency {
					blockedBy = dep
					break
				}
			}
			if blockedBy != "" {
				result.Steps[step.Name] = StepOutcome{Status: StepStatusSkipped, SkipReason: SkipReasonDependency}
				events <- stepEvent{name: step.Name, outcome: result.Steps[step.Name]}
				continue
			}
			if !ready {
				continue
			}

			if step.Condition != "" {
				ok, err := EvaluateCondition(step.Condition, run.Vars())
				if err != nil {
					result.Steps[step.Name] = StepOutcome{Status: StepStatusFailure, Error: err.Error(), Attempts: 0}
					events <- stepEvent{name: step.Name, outcome: result.Steps[step.Name], abort: true}
					continue
				}
				if !ok {
					// The step name still "satisfies" downstream deps.
					result.Steps[step.Name] = StepOutcome{Status: StepStatusSkipped, SkipReason: SkipReasonCondition}
					_ = run.PublishStepOutputs(step.Name, nil, nil, string(StepStatusSkipped))
					e.logger.Debug("step skipped",
						log.WorkflowIDKey, run.WorkflowID,
						log.StepKey, step.Name,
						log.ReasonKey, SkipReasonCondition)
					events <- stepEvent{name: step.Name, outcome: result.Steps[step.Name]}
					continue
				}
			}

			running[step.Name] = true
			go e.runStep(runCtx, step, run, sem, events)
		}
	}

	schedule()
	for len(result.Steps) < len(def.Steps) {
		var ev stepEvent
		select {
		case ev = <-events:
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}

		mu.Lock()
		if _, done := result.Steps[ev.name]; !done {
			result.Steps[ev.name] = ev.outcome
		}
		delete(running, ev.name)
		mu.Unlock()

		if ev.outcome.Status == StepStatusSuccess || ev.outcome.Status == StepStatusSkipped {
			if ev.outcome.Status == StepStatusSuccess {
				run.MarkCompleted(ev.name)
			}
			e.emitStep(def.Name, ev.name, ev.outcome)
			schedule()
			continue
		}

		// Failure: flag abort, cancel in-flight steps, mark everything
		// not yet terminal as dependency-skipped.
		e.emitStep(def.Name, ev.name, ev.outcome)
		mu.Lock()
		aborted = true
		if firstErr == nil {
			firstErr = errors.New(ev.outcome.Error)
		}
		mu.Unlock()
		cancel()

		run.Abort(ev.name, ev.outcome.Error)
		e.drainInFlight(def, result, &mu, running, events)
		break
	}

	if aborted {
		result.Aborted = true
		snapshotPath := e.writeSnapshot(run)
		result.SnapshotPath = snapshotPath

		cleanup := ""
		if e.abortHook != nil {
			cleanup = e.abortHook(context.WithoutCancel(ctx), run)
		}
		failedStep, reason := run.AbortReason()
		e.logger.Error("workflow aborted",
			log.WorkflowIDKey, run.WorkflowID,
			log.ReasonKey, reason,
			log.FailedStepKey, failedStep,
			log.CleanupResultKey, cleanup,
			"snapshot_path", snapshotPath)
		if e.metrics != nil {
			e.metrics.WorkflowFinished(def.Name, true)
		}
		return result, errors.Wrapf(firstErr, "workflow %s aborted at step %s", def.Name, failedStep)
	}

	if e.metrics != nil {
		e.metrics.WorkflowFinished(def.Name, false)
	}
	return result, nil
}

// drainInFlight waits for running steps to observe cancellation, then
// marks every non-terminal step as dependency-skipped.
func (e *Engine) drainInFlight(def *Definition, result *RunResult, mu *sync.Mutex, running map[string]bool, events chan stepEvent) {
	for {
		mu.Lock()
		n := len(running)
		mu.Unlock()
		if n == 0 {
			break
		}
		ev := <-events
		mu.Lock()
		if _, done := result.Steps[ev.name]; !done {
			result.Steps[ev.name] = ev.outcome
		}
		delete(running, ev.name)
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	for _, step := range def.Steps {
		if _, done := result.Steps[step.Name]; !done {
			result.Steps[step.Name] = StepOutcome{Status: StepStatusSkipped, SkipReason: SkipReasonDependency}
		}
	}
}

// runStep executes one step with its retry and timeout policy and posts
// the terminal outcome to the scheduler.
func (e *Engine) runStep(ctx context.Context, step *StepDefinition, run *Context, sem *semaphore.Weighted, events chan stepEvent) {
	if err := sem.Acquire(ctx, 1); err != nil {
		events <- stepEvent{name: step.Name, outcome: StepOutcome{
			Status: StepStatusFailure, Error: "cancelled before start: " + err.Error(),
		}}
		return
	}
	defer sem.Release(1)

	start := time.Now()
	outcome := e.executeWithRetry(ctx, step, run)
	outcome.Duration = time.Since(start)

	if outcome.Status == StepStatusSuccess {
		e.logger.Info("step succeeded",
			log.WorkflowIDKey, run.WorkflowID,
			log.StepKey, step.Name,
			log.DurationKey, outcome.Duration.Milliseconds())
	} else {
		e.logger.Warn("step failed",
			log.WorkflowIDKey, run.WorkflowID,
			log.StepKey, step.Name,
			log.ReasonKey, outcome.Error,
			"attempts", outcome.Attempts)
	}
	events <- stepEvent{name: step.Name, outcome: outcome}
}

// executeWithRetry applies the step retry policy: exponential backoff
// base*2^n with bounded jitter, capped. Timeouts count as failed
// attempts; a result with Abort set short-circuits retries.
func (e *Engine) executeWithRetry(ctx context.Context, step *StepDefinition, run *Context) StepOutcome {
	maxAttempts := step.maxAttempts()
	var lastErr string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result := e.executeOnce(ctx, step, run)

		if result.Status == StepStatusSuccess {
			if err := run.PublishStepOutputs(step.Name, result.Outputs, step.Outputs, string(StepStatusSuccess)); err != nil {
				return StepOutcome{Status: StepStatusFailure, Error: err.Error(), Attempts: attempt}
			}
			return StepOutcome{Status: StepStatusSuccess, Attempts: attempt}
		}

		lastErr = result.Error
		run.Diag("step %s attempt %d/%d failed: %s", step.Name, attempt, maxAttempts, result.Error)

		if result.Abort || attempt == maxAttempts {
			_ = run.PublishStepOutputs(step.Name, result.Outputs, nil, string(StepStatusFailure))
			return StepOutcome{Status: StepStatusFailure, Error: lastErr, Attempts: attempt}
		}

		select {
		case <-ctx.Done():
			return StepOutcome{Status: StepStatusFailure, Error: lastErr + " (cancelled during backoff)", Attempts: attempt}
		case <-time.After(retryBackoff(step.backoffBaseMS(), attempt)):
		}
	}

	return StepOutcome{Status: StepStatusFailure, Error: lastErr, Attempts: maxAttempts}
}

// executeOnce runs a single attempt, converting panics on the engine's
// contract (nil results, implementation errors, timeouts) into failures.
func (e *Engine) executeOnce(ctx context.Context, step *StepDefinition, run *Context) *StepResult {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutMS > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if step.Type == StepTypeSubworkflow {
		return e.executeSubworkflow(attemptCtx, step, run)
	}

	impl, err := e.registry.Get(step.Type)
	if err != nil {
		return AbortFailure("%s", err.Error())
	}

	config := ResolveConfig(step.Config, run.Vars())
	result, err := impl.Execute(attemptCtx, run, config)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			te := &errors.TimeoutError{
				Operation: fmt.Sprintf("step %s", step.Name),
				Duration:  time.Duration(step.TimeoutMS) * time.Millisecond,
				Cause:     err,
			}
			return Failure("%s", te.Error())
		}
		if !errors.IsRetryable(err) {
			return AbortFailure("%s", err.Error())
		}
		return Failure("%s", err.Error())
	}
	if result == nil {
		return Failure("step %s returned no result", step.Name)
	}
	return result
}

func (e *Engine) emitStep(workflow, step string, outcome StepOutcome) {
	if e.metrics != nil {
		e.metrics.StepFinished(workflow, step, outcome.Status, outcome.Duration)
	}
}

func (e *Engine) writeSnapshot(run *Context) string {
	dir := e.snapshotDir
	if dir == "" {
		dir = run.RepoRoot + "/.ma/diagnostics"
	}
	path, err := run.WriteSnapshot(dir)
	if err != nil {
		e.logger.Error("failed to write diagnostic snapshot",
			log.WorkflowIDKey, run.WorkflowID, "error", err)
		return ""
	}
	return path
}

// retryBackoff computes the wait before retry attempt n (1-based):
// base * 2^(n-1) plus random jitter, capped.
func retryBackoff(baseMS, attempt int) time.Duration {
	backoff := time.Duration(baseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= MaxBackoffMS*time.Millisecond {
			backoff = MaxBackoffMS * time.Millisecond
			break
		}
	}
	jitter := time.Duration(rand.Intn(MaxBackoffJitterMS)) * time.Millisecond
	return backoff + jitter
}
