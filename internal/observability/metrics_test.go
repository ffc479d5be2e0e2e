package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/pkg/workflow"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.StepFinished("task-flow", "qa_review", workflow.StepStatusFailure, 3*time.Second)
	m.WorkflowFinished("task-flow", true)
	m.PersonaRequest("qa-engineer", "fail")
	m.PersonaRetry("qa-engineer")
	m.TasksCreated(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `maestro_steps_total{status="failure",workflow="task-flow"} 1`)
	assert.Contains(t, body, `maestro_workflow_runs_total{outcome="aborted",workflow="task-flow"} 1`)
	assert.Contains(t, body, `maestro_persona_requests_total{persona="qa-engineer",result="fail"} 1`)
	assert.Contains(t, body, `maestro_tasks_created_total 2`)
}

func TestMetricsSatisfiesEngineInterface(t *testing.T) {
	var _ workflow.Metrics = New()
}
