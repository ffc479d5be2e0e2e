package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderRecorder tracks the order steps start in.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *orderRecorder) indexOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func recordingRegistry(rec *orderRecorder) *Registry {
	r := NewRegistry()
	r.Register(&fakeStep{
		typeName: "record",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			name, _ := config["step_name"].(string)
			rec.record(name)
			return Success(map[string]interface{}{"ran": name}), nil
		},
	})
	return r
}

func recordStep(name string, deps ...string) StepDefinition {
	return StepDefinition{
		Name:      name,
		Type:      "record",
		Config:    map[string]interface{}{"step_name": name},
		DependsOn: deps,
	}
}

func TestEngineRespectsDependencyOrder(t *testing.T) {
	rec := &orderRecorder{}
	engine := NewEngine(recordingRegistry(rec))

	def := &Definition{Name: "dag", Steps: []StepDefinition{
		recordStep("a"),
		recordStep("b", "a"),
		recordStep("c", "a"),
		recordStep("d", "b", "c"),
	}}

	run := NewContext("wf-dag", "", t.TempDir(), "main", nil)
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)
	assert.False(t, result.Aborted)

	for _, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, StepStatusSuccess, result.Steps[name].Status)
	}
	assert.Less(t, rec.indexOf("a"), rec.indexOf("b"))
	assert.Less(t, rec.indexOf("a"), rec.indexOf("c"))
	assert.Greater(t, rec.indexOf("d"), rec.indexOf("b"))
	assert.Greater(t, rec.indexOf("d"), rec.indexOf("c"))
}

func TestEngineConditionSkip(t *testing.T) {
	rec := &orderRecorder{}
	engine := NewEngine(recordingRegistry(rec))

	def := &Definition{Name: "cond", Steps: []StepDefinition{
		recordStep("a"),
		{
			Name:      "gated",
			Type:      "record",
			Config:    map[string]interface{}{"step_name": "gated"},
			DependsOn: []string{"a"},
			Condition: "${a.ran} == 'never'",
			Outputs:   []string{"gated_out"},
		},
		recordStep("after", "gated"),
	}}

	run := NewContext("wf-cond", "", t.TempDir(), "main", nil)
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)

	assert.Equal(t, StepStatusSkipped, result.Steps["gated"].Status)
	assert.Equal(t, SkipReasonCondition, result.Steps["gated"].SkipReason)
	assert.Equal(t, -1, rec.indexOf("gated"), "skipped step must not execute")

	// A condition skip satisfies downstream dependencies.
	assert.Equal(t, StepStatusSuccess, result.Steps["after"].Status)

	// Outputs of the skipped step are absent; references stay literal.
	_, ok := run.Var("gated_out")
	assert.False(t, ok)
	assert.Equal(t, "${gated.ran}", ResolveString("${gated.ran}", run.Vars()))

	status, _ := run.Var("gated_status")
	assert.Equal(t, "skipped", status)
}

func TestEngineRetrySucceedsAfterFailures(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "flaky",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return Failure("transient failure %d", attempts), nil
			}
			return Success(map[string]interface{}{"done": true}), nil
		},
	})

	engine := NewEngine(registry)
	def := &Definition{Name: "retry", Steps: []StepDefinition{{
		Name:  "flaky",
		Type:  "flaky",
		Retry: &RetryDefinition{MaxAttempts: 3, BackoffBaseMS: 1},
	}}}

	run := NewContext("wf-retry", "", t.TempDir(), "main", nil)
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)
	assert.Equal(t, StepStatusSuccess, result.Steps["flaky"].Status)
	assert.Equal(t, 3, result.Steps["flaky"].Attempts)
}

func TestEngineAbortOnExhaustedRetries(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "broken",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			return Failure("always fails"), nil
		},
	})
	registry.Register(&fakeStep{typeName: "noop"})

	var hookCalled bool
	engine := NewEngine(registry,
		WithSnapshotDir(t.TempDir()),
		WithAbortHook(func(ctx context.Context, run *Context) string {
			hookCalled = true
			return "purged 0 entries"
		}),
	)

	def := &Definition{Name: "abort", Steps: []StepDefinition{
		{Name: "broken", Type: "broken", Retry: &RetryDefinition{MaxAttempts: 2, BackoffBaseMS: 1}},
		{Name: "downstream", Type: "noop", DependsOn: []string{"broken"}},
	}}

	run := NewContext("wf-abort", "", t.TempDir(), "main", nil)
	result, err := engine.Run(context.Background(), def, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted at step broken")

	assert.True(t, result.Aborted)
	assert.True(t, hookCalled)
	assert.NotEmpty(t, result.SnapshotPath)
	assert.Equal(t, StepStatusFailure, result.Steps["broken"].Status)
	assert.Equal(t, 2, result.Steps["broken"].Attempts)
	assert.Equal(t, StepStatusSkipped, result.Steps["downstream"].Status)
	assert.Equal(t, SkipReasonDependency, result.Steps["downstream"].SkipReason)
	assert.True(t, run.Aborted())
}

func TestEngineAbortResultSkipsRetries(t *testing.T) {
	var attempts int
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "guarded",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			attempts++
			return AbortFailure("policy violation (language_policy): main.py"), nil
		},
	})

	engine := NewEngine(registry, WithSnapshotDir(t.TempDir()))
	def := &Definition{Name: "guard", Steps: []StepDefinition{{
		Name:  "guarded",
		Type:  "guarded",
		Retry: &RetryDefinition{MaxAttempts: 5, BackoffBaseMS: 1},
	}}}

	run := NewContext("wf-guard", "", t.TempDir(), "main", nil)
	_, err := engine.Run(context.Background(), def, run)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "abort results must not be retried")
}

func TestEngineStepTimeoutCountsAsAttempt(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "slow",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return Success(nil), nil
		},
	})

	engine := NewEngine(registry)
	def := &Definition{Name: "timeout", Steps: []StepDefinition{{
		Name:      "slow",
		Type:      "slow",
		TimeoutMS: 30,
		Retry:     &RetryDefinition{MaxAttempts: 2, BackoffBaseMS: 1},
	}}}

	run := NewContext("wf-timeout", "", t.TempDir(), "main", nil)
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)
	assert.Equal(t, StepStatusSuccess, result.Steps["slow"].Status)
	assert.Equal(t, 2, result.Steps["slow"].Attempts)
}

func TestEngineTriggerFalseSkipsEverything(t *testing.T) {
	rec := &orderRecorder{}
	engine := NewEngine(recordingRegistry(rec))

	def := &Definition{
		Name:    "triggered",
		Trigger: "${mode} == 'active'",
		Steps:   []StepDefinition{recordStep("a")},
	}

	run := NewContext("wf-trig", "", t.TempDir(), "main", nil)
	run.SetVar("mode", "paused")
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)
	assert.Equal(t, StepStatusSkipped, result.Steps["a"].Status)
	assert.Empty(t, rec.order)
}

// mapLoader serves definitions from memory for sub-workflow tests.
type mapLoader map[string]*Definition

func (m mapLoader) Load(name string) (*Definition, error) {
	def, ok := m[name]
	if !ok {
		return nil, assert.AnError
	}
	return def, nil
}

func TestEngineSubworkflow(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "child_work",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			inherited, _ := run.Var("parent_var")
			return Success(map[string]interface{}{
				"child_result": "saw " + inherited.(string),
			}), nil
		},
	})

	child := &Definition{Name: "child", Steps: []StepDefinition{{
		Name:    "work",
		Type:    "child_work",
		Outputs: []string{"child_result"},
	}}}

	engine := NewEngine(registry, WithLoader(mapLoader{"child": child}))

	def := &Definition{Name: "parent", Steps: []StepDefinition{{
		Name: "invoke",
		Type: StepTypeSubworkflow,
		Config: map[string]interface{}{
			"workflow": "child",
			"inherit":  []interface{}{"parent_var"},
		},
		Outputs: []string{"child_result"},
	}}}

	run := NewContext("wf-parent", "", t.TempDir(), "main", nil)
	run.SetVar("parent_var", "hello")
	result, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)
	assert.Equal(t, StepStatusSuccess, result.Steps["invoke"].Status)

	out, ok := run.Var("child_result")
	require.True(t, ok)
	assert.Equal(t, "saw hello", out)
}

func TestEngineSubworkflowChildAbortPropagates(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "child_fail",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			return AbortFailure("PM decision ignored QA test failure"), nil
		},
	})

	child := &Definition{Name: "child", Steps: []StepDefinition{{Name: "boom", Type: "child_fail"}}}
	engine := NewEngine(registry,
		WithLoader(mapLoader{"child": child}),
		WithSnapshotDir(t.TempDir()),
	)

	def := &Definition{Name: "parent", Steps: []StepDefinition{{
		Name:   "invoke",
		Type:   StepTypeSubworkflow,
		Config: map[string]interface{}{"workflow": "child"},
	}}}

	run := NewContext("wf-parent2", "", t.TempDir(), "main", nil)
	_, err := engine.Run(context.Background(), def, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PM decision ignored QA test failure")
	assert.True(t, run.Aborted())
}

func TestEngineParallelReadySteps(t *testing.T) {
	var mu sync.Mutex
	var concurrent, peak int
	registry := NewRegistry()
	registry.Register(&fakeStep{
		typeName: "parallel",
		execute: func(ctx context.Context, run *Context, config map[string]interface{}) (*StepResult, error) {
			mu.Lock()
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
			mu.Unlock()
			time.Sleep(40 * time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			return Success(nil), nil
		},
	})

	engine := NewEngine(registry, WithMaxParallel(4))
	def := &Definition{Name: "par", Steps: []StepDefinition{
		{Name: "p1", Type: "parallel"},
		{Name: "p2", Type: "parallel"},
		{Name: "p3", Type: "parallel"},
	}}

	run := NewContext("wf-par", "", t.TempDir(), "main", nil)
	_, err := engine.Run(context.Background(), def, run)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "independent ready steps should overlap")
}
