package taskcreate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Priority tiers.
const (
	ScoreQAUrgent = 1200
	ScoreUrgent   = 1000
	ScoreDeferred = 50
)

// DefaultStepID names the workflow step that runs the pipeline; it is
// part of every generated external_id.
const DefaultStepID = "bulk_task_creation"

// AssigneePersona is forced onto every follow-up regardless of what the
// PM suggested.
const AssigneePersona = "implementation-planner"

// Title markers.
const (
	markerUrgent   = "🚨"
	markerDeferred = "📋"
)

// blockedLabels are stripped from follow-ups, in both underscore and
// hyphen spellings.
var blockedLabels = map[string]bool{
	"analysis":           true,
	"analysis_follow_up": true,
	"analysis-follow-up": true,
	"review_follow_up":   true,
	"review-follow-up":   true,
}

// Dashboard is the slice of the dashboard client the pipeline needs.
type Dashboard interface {
	CreateTask(ctx context.Context, projectID string, task *dashboard.NewTask) (*dashboard.Task, error)
	UpdateTask(ctx context.Context, projectID string, taskID int64, patch *dashboard.TaskPatch) (*dashboard.Task, error)
}

// Input feeds one pipeline run.
type Input struct {
	Decision   *PMDecision
	Review     *NormalizedReview
	ReviewType string

	ParentTask           *dashboard.Task
	ParentMilestoneID    int64
	ParentMilestoneSlug  string
	BacklogMilestoneID   int64
	BacklogMilestoneSlug string

	// ExistingTasks is the open-task list fetched once per run for
	// duplicate checks.
	ExistingTasks     []dashboard.Task
	DuplicateStrategy string

	WorkflowID string
	StepID     string
}

// Output reports what one run did.
type Output struct {
	Created    []dashboard.Task
	Duplicates []DuplicateHit
	Warnings   []string
}

// DuplicateHit records a skipped creation, the task it duplicated, and
// how strongly it matched.
type DuplicateHit struct {
	Title          string
	ExistingTaskID int64
	Reason         string
	MatchScore     int
}

// Pipeline creates follow-up tasks on the dashboard.
type Pipeline struct {
	client Dashboard
	logger *slog.Logger
}

// NewPipeline builds a pipeline.
func NewPipeline(client Dashboard, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = log.Discard()
	}
	return &Pipeline{client: client, logger: logger}
}

// Prepare turns the decision's follow-ups into creation payloads:
// coverage enforcement, priority tiers, milestone routing, title and
// label normalization, and deterministic external ids.
func Prepare(in *Input) ([]dashboard.NewTask, []string, error) {
	var warnings []string
	if in.Decision != nil {
		warnings = append(warnings, in.Decision.Warnings...)
	}

	var followUps []FollowUpTask
	if in.Decision != nil {
		followUps = append(followUps, in.Decision.FollowUpTasks...)
	}
	followUps, err := EnforceCoverage(in.Review, followUps)
	if err != nil {
		return nil, warnings, err
	}

	stepID := in.StepID
	if stepID == "" {
		stepID = DefaultStepID
	}

	var out []dashboard.NewTask
	for _, f := range followUps {
		title := strings.TrimSpace(f.Title)
		if title == "" {
			if in.ParentTask == nil || in.ParentTask.Title == "" {
				warnings = append(warnings, "dropping follow-up with no title")
				continue
			}
			title = in.ParentTask.Title
		}

		urgent := IsUrgent(f.Priority)
		qaTier := urgent && (in.ReviewType == "qa" || strings.Contains(title, "[QA]"))
		score := ScoreDeferred
		switch {
		case qaTier:
			score = ScoreQAUrgent
		case urgent:
			score = ScoreUrgent
		}

		milestoneID := in.BacklogMilestoneID
		milestoneSlug := in.BacklogMilestoneSlug
		if urgent {
			if in.ParentMilestoneID != 0 {
				milestoneID = in.ParentMilestoneID
				milestoneSlug = in.ParentMilestoneSlug
			} else {
				warnings = append(warnings, fmt.Sprintf("urgent follow-up %q routed to backlog: parent milestone unknown", title))
			}
		}

		task := dashboard.NewTask{
			Title:         decorateTitle(title, in.ReviewType, urgent),
			Description:   f.Description,
			Priority:      f.Priority,
			PriorityScore: score,
			MilestoneID:   milestoneID,
			MilestoneSlug: milestoneSlug,
			ExternalID:    fmt.Sprintf("%s:%s:%d", in.WorkflowID, stepID, len(out)),
			Assignee:      AssigneePersona,
			Labels:        normalizeLabels(f.Labels, in.ReviewType, urgent),
			Metadata:      f.Metadata,
		}
		out = append(out, task)
	}
	return out, warnings, nil
}

// decorateTitle adds the review-label prefix and the urgency marker,
// preventing double prefixes.
func decorateTitle(title, reviewType string, urgent bool) string {
	label := "[" + strings.ToUpper(reviewType) + "]"
	if reviewType != "" && !strings.Contains(title, label) {
		title = label + " " + title
	}
	marker := markerDeferred
	if urgent {
		marker = markerUrgent
	}
	if !strings.HasPrefix(title, marker) {
		title = marker + " " + title
	}
	return title
}

// normalizeLabels strips blocked labels and guarantees the follow-up
// markers are present.
func normalizeLabels(labels []string, reviewType string, urgent bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(label string) {
		key := strings.ToLower(strings.TrimSpace(label))
		if key == "" || blockedLabels[key] || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, key)
	}
	for _, l := range labels {
		add(l)
	}
	add("review-follow-up")
	if reviewType != "" {
		add(strings.ReplaceAll(reviewType, "_", "-") + "-follow-up")
	}
	if urgent {
		add("urgent")
	}
	return out
}

// Run prepares, dedups, creates, and registers the created ids as
// blocked dependencies on the parent task. Creation failures after the
// first successful creation surface as partial_task_creation_failure.
func (p *Pipeline) Run(ctx context.Context, projectID string, in *Input) (*Output, error) {
	payloads, warnings, err := Prepare(in)
	if err != nil {
		return nil, err
	}
	out := &Output{Warnings: warnings}
	for _, w := range warnings {
		p.logger.Warn(w, log.WorkflowIDKey, in.WorkflowID)
	}

	strategy := in.DuplicateStrategy
	if strategy == "" {
		strategy = StrategyExternalID
	}

	var createdIDs []int64
	for i := range payloads {
		payload := &payloads[i]
		if dup, score := FindDuplicate(strategy, payload, in.ExistingTasks); dup != nil {
			out.Duplicates = append(out.Duplicates, DuplicateHit{
				Title:          payload.Title,
				ExistingTaskID: dup.ID,
				Reason:         ReasonDuplicateDetected,
				MatchScore:     score,
			})
			createdIDs = append(createdIDs, dup.ID)
			p.logger.Info("skipping duplicate follow-up",
				log.WorkflowIDKey, in.WorkflowID, "title", payload.Title, "existing_task", dup.ID, "match_score", score)
			continue
		}
		created, err := p.client.CreateTask(ctx, projectID, payload)
		if err != nil {
			if len(out.Created) > 0 {
				return out, errors.Wrapf(err, "partial_task_creation_failure: %d of %d created", len(out.Created), len(payloads))
			}
			return out, errors.Wrap(err, "task creation failed")
		}
		out.Created = append(out.Created, *created)
		createdIDs = append(createdIDs, created.ID)
	}

	if in.ParentTask != nil && len(createdIDs) > 0 {
		deps := mergeDeps(in.ParentTask.BlockedDependencies, createdIDs)
		_, err := p.client.UpdateTask(ctx, projectID, in.ParentTask.ID, &dashboard.TaskPatch{
			BlockedDependencies: &deps,
			LockVersion:         in.ParentTask.LockVersion,
		})
		if err != nil {
			return out, errors.Wrap(err, "registering blocked dependencies")
		}
	}
	return out, nil
}

func mergeDeps(existing, added []int64) []int64 {
	seen := make(map[int64]bool, len(existing))
	out := append([]int64(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
