package taskcreate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/pkg/errors"
)

type fakeDashboard struct {
	created []dashboard.NewTask
	patches map[int64]*dashboard.TaskPatch
	nextID  int64
	failAt  int
}

func newFakeDashboard() *fakeDashboard {
	return &fakeDashboard{patches: map[int64]*dashboard.TaskPatch{}, nextID: 100, failAt: -1}
}

func (f *fakeDashboard) CreateTask(_ context.Context, _ string, task *dashboard.NewTask) (*dashboard.Task, error) {
	if f.failAt >= 0 && len(f.created) == f.failAt {
		return nil, &errors.ExternalError{Service: "dashboard", StatusCode: 503, Message: "unavailable"}
	}
	f.created = append(f.created, *task)
	f.nextID++
	return &dashboard.Task{ID: f.nextID, Title: task.Title, ExternalID: task.ExternalID}, nil
}

func (f *fakeDashboard) UpdateTask(_ context.Context, _ string, taskID int64, patch *dashboard.TaskPatch) (*dashboard.Task, error) {
	f.patches[taskID] = patch
	return &dashboard.Task{ID: taskID}, nil
}

func qaFailureInput() *Input {
	decision := ParseDecision(`{
		"decision": "immediate_fix",
		"follow_up_tasks": [
			{"title": "Fix failing tests", "description": "2 tests failed in the auth suite", "priority": "critical",
			 "assignee_persona": "qa", "labels": ["analysis", "qa"]}
		]
	}`)
	return &Input{
		Decision:   decision,
		ReviewType: "qa",
		ParentTask: &dashboard.Task{
			ID: 1, Title: "Config loader", Description: "Implement hierarchical config",
			MilestoneID: 5, MilestoneSlug: "m-core", LockVersion: 2,
		},
		ParentMilestoneID:    5,
		ParentMilestoneSlug:  "m-core",
		BacklogMilestoneID:   9,
		BacklogMilestoneSlug: "backlog",
		WorkflowID:           "wf-1",
	}
}

func TestPrepareQAUrgentFollowUp(t *testing.T) {
	payloads, warnings, err := Prepare(qaFailureInput())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, payloads, 1)

	task := payloads[0]
	assert.Equal(t, "🚨 [QA] Fix failing tests", task.Title)
	assert.Equal(t, ScoreQAUrgent, task.PriorityScore)
	assert.Equal(t, int64(5), task.MilestoneID, "urgent routes to the parent milestone")
	assert.Equal(t, "wf-1:bulk_task_creation:0", task.ExternalID)
	assert.Equal(t, AssigneePersona, task.Assignee)
	assert.NotContains(t, task.Labels, "analysis", "blocked label stripped")
	assert.Contains(t, task.Labels, "review-follow-up")
	assert.Contains(t, task.Labels, "qa-follow-up")
	assert.Contains(t, task.Labels, "urgent")
}

func TestPreparePriorityTiers(t *testing.T) {
	in := &Input{
		Decision: &PMDecision{Decision: DecisionImmediateFix, FollowUpTasks: []FollowUpTask{
			{Title: "Security hole", Priority: PriorityCritical},
			{Title: "Tidy up docs", Priority: PriorityMedium},
			{Title: "Rename variable", Priority: PriorityLow},
		}},
		ReviewType:           "security_review",
		ParentMilestoneID:    5,
		BacklogMilestoneID:   9,
		BacklogMilestoneSlug: "backlog",
		WorkflowID:           "wf-2",
	}
	payloads, _, err := Prepare(in)
	require.NoError(t, err)
	require.Len(t, payloads, 3)

	assert.Equal(t, ScoreUrgent, payloads[0].PriorityScore, "urgent non-QA tier")
	assert.Equal(t, int64(5), payloads[0].MilestoneID)
	assert.Contains(t, payloads[0].Title, "🚨 [SECURITY_REVIEW]")

	for _, p := range payloads[1:] {
		assert.Equal(t, ScoreDeferred, p.PriorityScore)
		assert.Equal(t, int64(9), p.MilestoneID, "deferred routes to backlog")
		assert.Contains(t, p.Title, "📋")
	}
}

func TestPrepareUrgentWithoutParentMilestoneWarns(t *testing.T) {
	in := &Input{
		Decision: &PMDecision{Decision: DecisionImmediateFix, FollowUpTasks: []FollowUpTask{
			{Title: "Urgent thing", Priority: PriorityHigh},
		}},
		ReviewType:         "qa",
		BacklogMilestoneID: 9,
		WorkflowID:         "wf-3",
	}
	payloads, warnings, err := Prepare(in)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, int64(9), payloads[0].MilestoneID)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "parent milestone unknown")
}

func TestPrepareEmptyTitleSynthesizedFromParent(t *testing.T) {
	in := qaFailureInput()
	in.Decision.FollowUpTasks = []FollowUpTask{{Title: "  ", Description: "details", Priority: PriorityHigh}}

	payloads, _, err := Prepare(in)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "🚨 [QA] Config loader", payloads[0].Title)
}

func TestPrepareDropsTitlelessWithoutParent(t *testing.T) {
	in := &Input{
		Decision: &PMDecision{Decision: DecisionImmediateFix, FollowUpTasks: []FollowUpTask{
			{Title: "", Priority: PriorityHigh},
		}},
		ReviewType: "qa",
		WorkflowID: "wf-4",
	}
	payloads, warnings, err := Prepare(in)
	require.NoError(t, err)
	assert.Empty(t, payloads)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "no title")
}

func TestPrepareNoDoublePrefix(t *testing.T) {
	in := qaFailureInput()
	in.Decision.FollowUpTasks = []FollowUpTask{{Title: "🚨 [QA] Already decorated", Priority: PriorityCritical}}

	payloads, _, err := Prepare(in)
	require.NoError(t, err)
	assert.Equal(t, "🚨 [QA] Already decorated", payloads[0].Title)
}

func TestPipelineRunCreatesAndRegistersDependencies(t *testing.T) {
	fake := newFakeDashboard()
	p := NewPipeline(fake, nil)

	out, err := p.Run(context.Background(), "p1", qaFailureInput())
	require.NoError(t, err)
	require.Len(t, out.Created, 1)
	assert.Equal(t, int64(101), out.Created[0].ID)

	patch, ok := fake.patches[1]
	require.True(t, ok, "parent task patched")
	require.NotNil(t, patch.BlockedDependencies)
	assert.Equal(t, []int64{101}, *patch.BlockedDependencies)
	assert.Equal(t, 2, patch.LockVersion, "patch carries the read lock_version")
}

func TestPipelineRunSkipsDuplicates(t *testing.T) {
	fake := newFakeDashboard()
	p := NewPipeline(fake, nil)

	in := qaFailureInput()
	in.DuplicateStrategy = StrategyExternalID
	in.ExistingTasks = []dashboard.Task{{ID: 55, ExternalID: "wf-1:bulk_task_creation:0"}}

	out, err := p.Run(context.Background(), "p1", in)
	require.NoError(t, err)
	assert.Empty(t, out.Created)
	require.Len(t, out.Duplicates, 1)
	assert.Equal(t, int64(55), out.Duplicates[0].ExistingTaskID)
	assert.Equal(t, ReasonDuplicateDetected, out.Duplicates[0].Reason)
	assert.GreaterOrEqual(t, out.Duplicates[0].MatchScore, 60)

	patch := fake.patches[1]
	require.NotNil(t, patch, "existing duplicate still registered as a dependency")
	assert.Equal(t, []int64{55}, *patch.BlockedDependencies)
}

func TestPipelineRunPartialFailure(t *testing.T) {
	fake := newFakeDashboard()
	fake.failAt = 1
	p := NewPipeline(fake, nil)

	in := qaFailureInput()
	in.Decision.FollowUpTasks = append(in.Decision.FollowUpTasks, FollowUpTask{
		Title: "Second follow-up", Priority: PriorityHigh,
	})

	out, err := p.Run(context.Background(), "p1", in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial_task_creation_failure")
	assert.Len(t, out.Created, 1)
}
