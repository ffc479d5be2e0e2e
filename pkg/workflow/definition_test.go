package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/pkg/errors"
)

const sampleYAML = `
name: task-flow
version: "2.1"
templates:
  review:
    type: persona_request
    timeout_ms: 60000
    retry:
      max_attempts: 3
    config:
      intent: review
      deadline_s: 120
steps:
  - name: plan
    type: persona_request
    config:
      to_persona: implementation-planner
    outputs: [plan_result]
  - name: qa
    template: review
    depends_on: [plan]
    config:
      to_persona: qa
      deadline_s: 300
`

func TestLoadExpandsTemplates(t *testing.T) {
	def, err := Load([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "task-flow", def.Name)
	assert.Equal(t, "2.1", def.Version)
	require.Len(t, def.Steps, 2)

	qa := def.step("qa")
	require.NotNil(t, qa)
	assert.Equal(t, "persona_request", qa.Type, "type inherited from template")
	assert.Equal(t, 60000, qa.TimeoutMS, "timeout inherited from template")
	require.NotNil(t, qa.Retry)
	assert.Equal(t, 3, qa.Retry.MaxAttempts)

	// Step config overrides template config; untouched template keys survive.
	assert.Equal(t, "qa", qa.Config["to_persona"])
	assert.Equal(t, "review", qa.Config["intent"])
	assert.Equal(t, 300, qa.Config["deadline_s"])
}

func TestLoadDefaultsVersion(t *testing.T) {
	def, err := Load([]byte("name: x\nsteps:\n  - name: a\n    type: noop\n"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", def.Version)
}

func TestLoadUnknownTemplate(t *testing.T) {
	_, err := Load([]byte(`
name: bad
steps:
  - name: a
    type: noop
    template: missing
`))
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "steps.a.template", cerr.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load([]byte("steps: ["))
	var cerr *errors.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestRetryDefaults(t *testing.T) {
	s := &StepDefinition{}
	assert.Equal(t, DefaultMaxAttempts, s.maxAttempts())
	assert.Equal(t, DefaultBackoffBaseMS, s.backoffBaseMS())

	s.Retry = &RetryDefinition{MaxAttempts: 5, BackoffBaseMS: 100}
	assert.Equal(t, 5, s.maxAttempts())
	assert.Equal(t, 100, s.backoffBaseMS())
}
