package steps

import (
	"context"
	"encoding/json"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/taskcreate"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// BulkTasksStep runs the task-creation pipeline: it takes the parsed PM
// decision and the normalized review, creates the follow-up tasks, and
// registers them as blocked dependencies on the parent task.
type BulkTasksStep struct {
	deps *Deps
}

func (s *BulkTasksStep) Type() string { return "bulk_tasks" }

func (s *BulkTasksStep) ValidateConfig(config map[string]interface{}) error {
	if _, ok := config["decision"]; !ok {
		return &errors.ValidationError{Field: "decision", Message: "required"}
	}
	return nil
}

func (s *BulkTasksStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	if s.deps.Dashboard == nil {
		return nil, errors.New("bulk_tasks needs a dashboard client")
	}

	decision := taskcreate.ParseDecision(config["decision"])

	in := &taskcreate.Input{
		Decision:             decision,
		Review:               reviewFromConfig(config),
		ReviewType:           strValue(config, "review_type"),
		ParentMilestoneID:    int64Value(config, "parent_milestone_id"),
		ParentMilestoneSlug:  strValue(config, "parent_milestone_slug"),
		BacklogMilestoneID:   int64Value(config, "backlog_milestone_id"),
		BacklogMilestoneSlug: strValue(config, "backlog_milestone_slug"),
		DuplicateStrategy:    strDefault(config, "duplicate_strategy", s.deps.DuplicateStrategy),
		WorkflowID:           run.WorkflowID,
		StepID:               strValue(config, "step_id"),
	}

	if taskID := int64Value(config, "parent_task_id"); taskID != 0 {
		parent, err := s.deps.Dashboard.GetTask(ctx, run.ProjectID, taskID)
		if err != nil {
			return nil, errors.Wrap(err, "fetching parent task")
		}
		in.ParentTask = parent
		if in.ParentMilestoneID == 0 {
			in.ParentMilestoneID = parent.MilestoneID
			in.ParentMilestoneSlug = parent.MilestoneSlug
		}
	}

	existing, err := s.deps.Dashboard.ListTasks(ctx, run.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "listing tasks for duplicate check")
	}
	in.ExistingTasks = existing

	pipeline := taskcreate.NewPipeline(s.deps.Dashboard, s.deps.Logger)
	out, err := pipeline.Run(ctx, run.ProjectID, in)
	if err != nil {
		if out != nil && len(out.Created) > 0 {
			// Partial creation is reported, not silently retried.
			return workflow.Failure("partial_task_creation_failure: %s", err.Error()), nil
		}
		return nil, err
	}

	createdIDs := make([]int64, 0, len(out.Created))
	for _, t := range out.Created {
		createdIDs = append(createdIDs, t.ID)
	}
	duplicateIDs := make([]int64, 0, len(out.Duplicates))
	skippedTasks := make([]interface{}, 0, len(out.Duplicates))
	for _, d := range out.Duplicates {
		duplicateIDs = append(duplicateIDs, d.ExistingTaskID)
		skippedTasks = append(skippedTasks, map[string]interface{}{
			"title":            d.Title,
			"existing_task_id": d.ExistingTaskID,
			"reason":           d.Reason,
			"matchScore":       d.MatchScore,
		})
	}

	return workflow.Success(map[string]interface{}{
		"decision":      decision.Decision,
		"created_ids":   createdIDs,
		"created_count": len(createdIDs),
		"duplicate_ids": duplicateIDs,
		"skipped_tasks": skippedTasks,
		"warnings":      out.Warnings,
	}), nil
}

// reviewFromConfig accepts the normalized review in either of the two
// shapes earlier steps publish it: an already-canonical object, or the
// raw review payload plus a status to normalize here.
func reviewFromConfig(config map[string]interface{}) *taskcreate.NormalizedReview {
	if v, ok := config["normalized_review"]; ok && v != nil {
		data, err := json.Marshal(v)
		if err == nil {
			var review taskcreate.NormalizedReview
			if json.Unmarshal(data, &review) == nil && review.ReviewType != "" {
				return &review
			}
		}
	}
	raw := strValue(config, "review_result")
	if raw == "" {
		return nil
	}
	return taskcreate.NormalizeReview(
		strValue(config, "review_type"), raw, strDefault(config, "review_status", "fail"))
}

// blockedFromTasks lists unresolved blocked dependencies of a task.
func blockedFromTasks(task *dashboard.Task, all []dashboard.Task) (resolved, pending []int64) {
	byID := make(map[int64]dashboard.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	for _, id := range task.BlockedDependencies {
		dep, ok := byID[id]
		if ok && dashboard.IsResolved(dep.Status) {
			resolved = append(resolved, id)
			continue
		}
		pending = append(pending, id)
	}
	return resolved, pending
}
