package steps

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/taskcreate"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// ReviewNormalizeStep maps a raw review result into the canonical
// {reviewType, blockingIssues, hasBlockingIssues} shape.
type ReviewNormalizeStep struct {
	deps *Deps
}

func (s *ReviewNormalizeStep) Type() string { return "review_normalize" }

func (s *ReviewNormalizeStep) ValidateConfig(config map[string]interface{}) error {
	if _, err := requireString(config, "review_type"); err != nil {
		return err
	}
	return nil
}

func (s *ReviewNormalizeStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	reviewType := strValue(config, "review_type")
	raw := rawResult(config["result"])
	status := strDefault(config, "status", "fail")

	review := taskcreate.NormalizeReview(reviewType, raw, status)
	return workflow.Success(map[string]interface{}{
		"normalized_review":   reviewAsMap(review),
		"has_blocking_issues": review.HasBlockingIssues,
		"issue_count":         len(review.BlockingIssues),
	}), nil
}

// ReviewFilterStep keeps only the blocking issues of a normalized
// review, so downstream coverage and task creation see the issues that
// actually gate the flow.
type ReviewFilterStep struct {
	deps *Deps
}

func (s *ReviewFilterStep) Type() string { return "review_filter" }

func (s *ReviewFilterStep) ValidateConfig(config map[string]interface{}) error {
	if _, ok := config["normalized_review"]; !ok {
		return &errors.ValidationError{Field: "normalized_review", Message: "required"}
	}
	return nil
}

func (s *ReviewFilterStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	review, err := decodeReview(config["normalized_review"])
	if err != nil {
		return nil, err
	}

	filtered := &taskcreate.NormalizedReview{ReviewType: review.ReviewType}
	for _, issue := range review.BlockingIssues {
		if issue.Blocking {
			filtered.BlockingIssues = append(filtered.BlockingIssues, issue)
		}
	}
	filtered.HasBlockingIssues = len(filtered.BlockingIssues) > 0

	return workflow.Success(map[string]interface{}{
		"normalized_review":   reviewAsMap(filtered),
		"has_blocking_issues": filtered.HasBlockingIssues,
		"dropped":             len(review.BlockingIssues) - len(filtered.BlockingIssues),
	}), nil
}

// ReviewCoverageStep guarantees every blocking issue has a follow-up,
// synthesizing the missing ones. A QA review flagging missing test
// infrastructure with no test follow-up fails the step.
type ReviewCoverageStep struct {
	deps *Deps
}

func (s *ReviewCoverageStep) Type() string { return "review_coverage" }

func (s *ReviewCoverageStep) ValidateConfig(config map[string]interface{}) error {
	if _, ok := config["normalized_review"]; !ok {
		return &errors.ValidationError{Field: "normalized_review", Message: "required"}
	}
	return nil
}

func (s *ReviewCoverageStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	review, err := decodeReview(config["normalized_review"])
	if err != nil {
		return nil, err
	}

	var followUps []taskcreate.FollowUpTask
	if v, ok := config["follow_up_tasks"]; ok && v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "encoding follow-up tasks")
		}
		if err := json.Unmarshal(data, &followUps); err != nil {
			return nil, errors.Wrap(err, "decoding follow-up tasks")
		}
	}

	before := len(followUps)
	covered, err := taskcreate.EnforceCoverage(review, followUps)
	if err != nil {
		return workflow.Failure("%s", err.Error()), nil
	}

	out := make([]interface{}, 0, len(covered))
	for _, f := range covered {
		out = append(out, map[string]interface{}{
			"title":       f.Title,
			"description": f.Description,
			"priority":    f.Priority,
			"labels":      f.Labels,
			"metadata":    f.Metadata,
		})
	}
	return workflow.Success(map[string]interface{}{
		"follow_up_tasks": out,
		"synthesized":     len(covered) - before,
	}), nil
}

// QAArtifactStep loads a persisted review artifact from the task's
// artifact tree and interprets its status.
type QAArtifactStep struct {
	deps *Deps
}

func (s *QAArtifactStep) Type() string { return "qa_artifact" }

func (s *QAArtifactStep) ValidateConfig(config map[string]interface{}) error {
	if _, err := requireString(config, "task_id"); err != nil {
		return err
	}
	return nil
}

func (s *QAArtifactStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	taskID := strValue(config, "task_id")
	reviewType := strDefault(config, "review_type", "qa")

	raw, path, err := loadReviewArtifact(run.RepoRoot, taskID, reviewType)
	if err != nil {
		return workflow.Failure("no %s review artifact for task %s", reviewType, taskID), nil
	}

	report := persona.Interpret(raw)
	downgraded := false
	if reviewType == "qa" {
		downgraded = persona.ApplyQANoTestInvariant(report)
	}
	return workflow.Success(map[string]interface{}{
		"status":      string(report.Status),
		"details":     report.Details,
		"result":      raw,
		"path":        path,
		"review_type": reviewType,
		"downgraded":  downgraded,
	}), nil
}

// rawResult renders a review result as JSON text regardless of whether
// the producing step published a string or a decoded object.
func rawResult(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// loadReviewArtifact reads .ma/tasks/<task>/reviews/<type>.json.
func loadReviewArtifact(repoRoot, taskID, reviewType string) (raw, path string, err error) {
	path = filepath.Join(repoRoot, ".ma", "tasks", taskID, "reviews", reviewType+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", path, err
	}
	return string(data), path, nil
}

func decodeReview(v interface{}) (*taskcreate.NormalizedReview, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding normalized review")
	}
	var review taskcreate.NormalizedReview
	if err := json.Unmarshal(data, &review); err != nil {
		return nil, errors.Wrap(err, "decoding normalized review")
	}
	return &review, nil
}

// reviewAsMap round-trips a review through JSON so outputs carry plain
// maps, matching what the resolver hands to downstream steps.
func reviewAsMap(review *taskcreate.NormalizedReview) map[string]interface{} {
	data, err := json.Marshal(review)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
