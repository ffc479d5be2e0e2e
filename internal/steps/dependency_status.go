package steps

import (
	"context"

	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// DependencyStatusStep classifies a task's blocked dependencies as
// resolved or pending so the workflow can gate on allResolved.
type DependencyStatusStep struct {
	deps *Deps
}

func (s *DependencyStatusStep) Type() string { return "dependency_status" }

func (s *DependencyStatusStep) ValidateConfig(config map[string]interface{}) error {
	// task_id is usually a ${...} placeholder at validation time, so
	// only presence is checked here.
	if _, err := requireString(config, "task_id"); err != nil {
		return err
	}
	return nil
}

func (s *DependencyStatusStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	if s.deps.Dashboard == nil {
		return nil, errors.New("dependency_status needs a dashboard client")
	}

	taskID := int64Value(config, "task_id")
	task, err := s.deps.Dashboard.GetTask(ctx, run.ProjectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching task")
	}
	if len(task.BlockedDependencies) == 0 {
		return workflow.Success(map[string]interface{}{
			"resolved":    []int64{},
			"pending":     []int64{},
			"allResolved": true,
		}), nil
	}

	all, err := s.deps.Dashboard.ListTasks(ctx, run.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "listing tasks")
	}
	resolved, pending := blockedFromTasks(task, all)

	return workflow.Success(map[string]interface{}{
		"resolved":    resolved,
		"pending":     pending,
		"allResolved": len(pending) == 0,
	}), nil
}
