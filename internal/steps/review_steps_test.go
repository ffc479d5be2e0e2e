package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/workflow"
)

func TestReviewNormalizeStep(t *testing.T) {
	step := &ReviewNormalizeStep{deps: &Deps{Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"review_type": "security",
		"status":      "fail",
		"result": `{"issues":[
			{"title":"SQL injection in search","severity":"critical"},
			{"title":"verbose debug logging","severity":"low"}
		]}`,
	})
	require.NoError(t, err)
	assert.Equal(t, true, res.Outputs["has_blocking_issues"])
	assert.Equal(t, 2, res.Outputs["issue_count"])

	review := res.Outputs["normalized_review"].(map[string]interface{})
	assert.Equal(t, "security", review["reviewType"])
}

func TestReviewFilterStepDropsNonBlocking(t *testing.T) {
	normalize := &ReviewNormalizeStep{deps: &Deps{Logger: log.Discard()}}
	normalized, err := normalize.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"review_type": "security",
		"status":      "fail",
		"result": `{"issues":[
			{"id":"sec-hot","title":"SQL injection in search","severity":"critical"},
			{"id":"sec-nit","title":"verbose debug logging","severity":"low"}
		]}`,
	})
	require.NoError(t, err)

	filter := &ReviewFilterStep{deps: &Deps{Logger: log.Discard()}}
	res, err := filter.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"normalized_review": normalized.Outputs["normalized_review"],
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outputs["dropped"])

	review := res.Outputs["normalized_review"].(map[string]interface{})
	issues := review["blockingIssues"].([]interface{})
	require.Len(t, issues, 1)
	assert.Equal(t, "sec-hot", issues[0].(map[string]interface{})["id"])
}

func TestReviewCoverageStepSynthesizesFollowUps(t *testing.T) {
	step := &ReviewCoverageStep{deps: &Deps{Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"normalized_review": map[string]interface{}{
			"reviewType": "code_review",
			"blockingIssues": []interface{}{
				map[string]interface{}{
					"id": "code_review-1", "title": "unchecked error in payment flow",
					"severity": "high", "blocking": true,
				},
			},
			"hasBlockingIssues": true,
		},
		"follow_up_tasks": []interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outputs["synthesized"])

	followUps := res.Outputs["follow_up_tasks"].([]interface{})
	require.Len(t, followUps, 1)
	assert.Equal(t, "unchecked error in payment flow", followUps[0].(map[string]interface{})["title"])
}

func TestReviewCoverageStepQAHardFailure(t *testing.T) {
	step := &ReviewCoverageStep{deps: &Deps{Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"normalized_review": map[string]interface{}{
			"reviewType": "qa",
			"blockingIssues": []interface{}{
				map[string]interface{}{
					"id": "qa-1", "title": "missing test infrastructure",
					"description": "no test framework is configured",
					"severity":    "critical", "blocking": true,
				},
			},
			"hasBlockingIssues": true,
		},
		// The PM claims coverage via issue_id but proposes nothing
		// test-related.
		"follow_up_tasks": []interface{}{
			map[string]interface{}{
				"title":       "Improve onboarding docs",
				"description": "Document the local dev setup",
				"priority":    "critical",
				"metadata":    map[string]interface{}{"issue_id": "qa-1"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStatusFailure, res.Status)
	assert.Contains(t, res.Error, "ignored QA test failure")
}

func TestQAArtifactStepLoadsAndInterprets(t *testing.T) {
	dir := t.TempDir()
	writeRepoFile(t, dir, ".ma/tasks/42/reviews/qa.json",
		`{"status":"pass","tests_executed":0,"details":"looks fine"}`)

	step := &QAArtifactStep{deps: &Deps{Logger: log.Discard()}}
	res, err := step.Execute(context.Background(), testRun(t, dir), map[string]interface{}{
		"task_id":     "42",
		"review_type": "qa",
	})
	require.NoError(t, err)
	// A pass with zero executed tests is not a pass.
	assert.Equal(t, "fail", res.Outputs["status"])
	assert.Equal(t, true, res.Outputs["downgraded"])
}

func TestQAArtifactStepMissingArtifactFails(t *testing.T) {
	step := &QAArtifactStep{deps: &Deps{Logger: log.Discard()}}
	res, err := step.Execute(context.Background(), testRun(t, t.TempDir()), map[string]interface{}{
		"task_id": "42",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStatusFailure, res.Status)
}

func TestBulkTasksStepCreatesQAFollowUps(t *testing.T) {
	dash := newFakeSteps()
	dash.tasks[1] = &dashboard.Task{
		ID: 1, Title: "Implement config loader",
		MilestoneID: 5, MilestoneSlug: "v1-launch", LockVersion: 3,
	}
	step := &BulkTasksStep{deps: &Deps{Dashboard: dash, Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"decision": `{"decision":"immediate_fix","follow_up_tasks":[
			{"title":"Fix failing tests","priority":"critical","description":"2 unit tests fail"}
		]}`,
		"review_type":            "qa",
		"parent_task_id":         1,
		"backlog_milestone_id":   9,
		"backlog_milestone_slug": "backlog",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStatusSuccess, res.Status)
	assert.Equal(t, "immediate_fix", res.Outputs["decision"])
	assert.Equal(t, 1, res.Outputs["created_count"])

	require.Len(t, dash.created, 1)
	created := dash.created[0]
	assert.Equal(t, "🚨 [QA] Fix failing tests", created.Title)
	assert.Equal(t, 1200, created.PriorityScore)
	assert.Equal(t, int64(5), created.MilestoneID)
	assert.Equal(t, "wf-1:bulk_task_creation:0", created.ExternalID)
	assert.Equal(t, "implementation-planner", created.Assignee)

	// The created follow-up blocks the parent task.
	require.Len(t, dash.patches, 1)
	require.NotNil(t, dash.patches[0].BlockedDependencies)
	assert.Equal(t, []int64{101}, *dash.patches[0].BlockedDependencies)
	assert.Equal(t, 3, dash.patches[0].LockVersion)
}

func TestBulkTasksStepSkipsDuplicatesByExternalID(t *testing.T) {
	dash := newFakeSteps()
	dash.listed = []dashboard.Task{
		{ID: 55, Title: "existing", ExternalID: "wf-1:bulk_task_creation:0"},
	}
	step := &BulkTasksStep{deps: &Deps{Dashboard: dash, Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"decision": `{"decision":"defer","follow_up_tasks":[
			{"title":"Tidy logging","priority":"low"}
		]}`,
		"review_type": "code_review",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Outputs["created_count"])
	assert.Equal(t, []int64{55}, res.Outputs["duplicate_ids"])
	assert.Empty(t, dash.created)

	skipped, ok := res.Outputs["skipped_tasks"].([]interface{})
	require.True(t, ok)
	require.Len(t, skipped, 1)
	first, ok := skipped[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "duplicate_detected", first["reason"])
	assert.Equal(t, int64(55), first["existing_task_id"])
	assert.GreaterOrEqual(t, first["matchScore"], 60)
}
