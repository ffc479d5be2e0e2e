package steps

import (
	"context"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/taskcreate"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// PMDecisionStep parses the project-manager persona's response into the
// canonical decision shape. Unrecognized decisions degrade to defer
// with a warning instead of failing the run.
type PMDecisionStep struct {
	deps *Deps
}

func (s *PMDecisionStep) Type() string { return "pm_decision" }

func (s *PMDecisionStep) ValidateConfig(config map[string]interface{}) error {
	if _, ok := config["decision"]; !ok {
		return &errors.ValidationError{Field: "decision", Message: "required"}
	}
	return nil
}

func (s *PMDecisionStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	decision := taskcreate.ParseDecision(config["decision"])
	for _, w := range decision.Warnings {
		s.deps.logger().Warn(w, log.WorkflowIDKey, run.WorkflowID)
	}

	followUps := make([]interface{}, 0, len(decision.FollowUpTasks))
	for _, f := range decision.FollowUpTasks {
		followUps = append(followUps, map[string]interface{}{
			"title":       f.Title,
			"description": f.Description,
			"priority":    f.Priority,
			"labels":      f.Labels,
			"metadata":    f.Metadata,
		})
	}

	return workflow.Success(map[string]interface{}{
		"decision":        decision.Decision,
		"reasoning":       decision.Reasoning,
		"detected_stage":  decision.DetectedStage,
		"follow_up_tasks": followUps,
		"warnings":        decision.Warnings,
	}), nil
}
