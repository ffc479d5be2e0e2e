// Package coordinator drives the task loop: select the next dashboard
// task, prepare its working branch, run the task workflow, and advance
// or abort.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
	"github.com/maestrohq/maestro/workflows"
)

// State is the coordinator's loop state, exposed for observability.
type State string

const (
	StateIdle            State = "IDLE"
	StateSelecting       State = "SELECTING"
	StatePreparingBranch State = "PREPARING_BRANCH"
	StateRunning         State = "RUNNING"
	StateAdvancing       State = "ADVANCING"
	StateAborted         State = "ABORTED"
	StateDone            State = "DONE"
)

// Dashboard is the dashboard surface the coordinator consumes.
type Dashboard interface {
	GetProject(ctx context.Context, projectID string) (*dashboard.Project, error)
	GetProjectStatus(ctx context.Context, projectID string) (*dashboard.ProjectStatus, error)
	GetTask(ctx context.Context, projectID string, taskID int64) (*dashboard.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]dashboard.Task, error)
	ListMilestones(ctx context.Context, projectID string) ([]dashboard.Milestone, error)
	UpdateTask(ctx context.Context, projectID string, taskID int64, patch *dashboard.TaskPatch) (*dashboard.Task, error)
}

// Git is the working-copy surface the coordinator consumes.
type Git interface {
	EnsureClone(ctx context.Context, remote string) error
	CheckoutNewBranch(ctx context.Context, base, branch string) error
	Push(ctx context.Context, branch string) error
}

// Engine runs loaded workflow definitions.
type Engine interface {
	Run(ctx context.Context, def *workflow.Definition, run *workflow.Context) (*workflow.RunResult, error)
}

// RunRecorder persists run history. *runstore.Store satisfies it.
type RunRecorder interface {
	RecordStart(ctx context.Context, run *workflow.Context, workflowName string) error
	RecordResult(ctx context.Context, run *workflow.Context, result *workflow.RunResult) error
}

// Options configures a Coordinator.
type Options struct {
	Dashboard Dashboard
	Git       Git
	Engine    Engine
	Loader    workflow.Loader
	Transport transport.Transport
	Recorder  RunRecorder
	Logger    *slog.Logger

	// RepoRoot is the working-copy path handed to workflow contexts.
	RepoRoot string

	// RepoURL, when set, is cloned into RepoRoot before the first task.
	RepoURL string

	// BaseBranch is the branch task branches fork from. Default main.
	BaseBranch string

	// MaxIterations caps loop iterations. Zero means DefaultMaxIterations.
	MaxIterations int

	// BacklogMilestoneSlug names the backlog milestone for deferred
	// follow-ups. Default backlog.
	BacklogMilestoneSlug string

	// AllowedLanguages is forwarded to personas on every request.
	AllowedLanguages []string
}

// DefaultMaxIterations bounds one coordinator invocation.
const DefaultMaxIterations = 25

// Summary reports what one coordinator invocation did.
type Summary struct {
	TasksCompleted int
	TasksAborted   int
	Iterations     int

	// LastState is the state the loop stopped in.
	LastState State
}

// Coordinator is the top-level task loop.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
	state  State

	// abortedTasks holds task ids that aborted or were parked on
	// follow-ups this invocation, so the selector does not respin on them.
	abortedTasks map[int64]bool
}

// New creates a coordinator. Dashboard, Engine, and Loader are required.
func New(opts Options) (*Coordinator, error) {
	if opts.Dashboard == nil {
		return nil, &errors.ConfigError{Key: "dashboard", Reason: "dashboard client is required"}
	}
	if opts.Engine == nil {
		return nil, &errors.ConfigError{Key: "engine", Reason: "workflow engine is required"}
	}
	if opts.Loader == nil {
		return nil, &errors.ConfigError{Key: "loader", Reason: "workflow loader is required"}
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.BacklogMilestoneSlug == "" {
		opts.BacklogMilestoneSlug = "backlog"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	return &Coordinator{
		opts:         opts,
		logger:       logger,
		state:        StateIdle,
		abortedTasks: make(map[int64]bool),
	}, nil
}

// State returns the loop's current state.
func (c *Coordinator) State() State { return c.state }

// Run executes the task loop for one project until no workable tasks
// remain, the iteration cap is reached, or the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, projectID string) (*Summary, error) {
	summary := &Summary{}

	if c.opts.RepoURL != "" && c.opts.Git != nil {
		if err := c.opts.Git.EnsureClone(ctx, c.opts.RepoURL); err != nil {
			return summary, errors.Wrap(err, "preparing working copy")
		}
	}

	project, err := c.opts.Dashboard.GetProject(ctx, projectID)
	if err != nil {
		return summary, errors.Wrap(err, "fetching project")
	}

	for summary.Iterations < c.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			c.state = StateAborted
			summary.LastState = c.state
			return summary, err
		}
		summary.Iterations++

		c.state = StateSelecting
		task, milestones, err := c.selectTask(ctx, projectID)
		if err != nil {
			c.state = StateAborted
			summary.LastState = c.state
			return summary, err
		}
		if task == nil {
			c.state = StateDone
			summary.LastState = c.state
			c.logger.Info("no workable tasks remain", log.ProjectIDKey, projectID)
			return summary, nil
		}

		aborted, err := c.runTask(ctx, project, task, milestones)
		if err != nil && !aborted {
			c.state = StateAborted
			summary.LastState = c.state
			return summary, err
		}
		if aborted {
			c.abortedTasks[task.ID] = true
			summary.TasksAborted++
			c.state = StateAdvancing
			continue
		}
		summary.TasksCompleted++
		c.state = StateAdvancing
	}

	summary.LastState = c.state
	return summary, nil
}

// selectTask fetches the board and picks the next workable task.
func (c *Coordinator) selectTask(ctx context.Context, projectID string) (*dashboard.Task, []dashboard.Milestone, error) {
	if _, err := c.opts.Dashboard.GetProjectStatus(ctx, projectID); err != nil {
		return nil, nil, errors.Wrap(err, "fetching project status")
	}
	milestones, err := c.opts.Dashboard.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetching milestones")
	}
	tasks, err := c.opts.Dashboard.ListTasks(ctx, projectID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetching tasks")
	}
	workable := tasks[:0:0]
	for _, t := range tasks {
		if !c.abortedTasks[t.ID] {
			workable = append(workable, t)
		}
	}
	return NextTask(workable), milestones, nil
}

// runTask takes one task through branch preparation and the task-flow
// workflow. The returned bool reports a workflow abort (the loop
// advances); a returned error is fatal for the whole loop.
func (c *Coordinator) runTask(ctx context.Context, project *dashboard.Project, task *dashboard.Task, milestones []dashboard.Milestone) (bool, error) {
	workflowID := fmt.Sprintf("wf-%s", uuid.NewString())
	logger := c.logger.With(log.WorkflowIDKey, workflowID, log.TaskIDKey, task.ID)

	if task.Description == "" {
		// A task with no description cannot be briefed to a persona.
		logger.Warn("skipping task with no description")
		_, err := c.opts.Dashboard.UpdateTask(ctx, project.ID, task.ID, &dashboard.TaskPatch{
			Status:      ptr(dashboard.StatusBlocked),
			LockVersion: task.LockVersion,
		})
		if err != nil {
			return false, errors.Wrap(err, "blocking undescribed task")
		}
		return true, nil
	}

	c.state = StatePreparingBranch
	branch := BranchName("", task.Title, task.MilestoneSlug, project.Slug)
	if c.opts.Git != nil {
		if err := c.opts.Git.CheckoutNewBranch(ctx, c.opts.BaseBranch, branch); err != nil {
			return false, errors.Wrap(err, "preparing branch")
		}
		if err := c.opts.Git.Push(ctx, branch); err != nil {
			logger.Warn("publishing branch failed", "branch", branch, "error", err)
		}
	}

	task, err := c.opts.Dashboard.UpdateTask(ctx, project.ID, task.ID, &dashboard.TaskPatch{
		Status:      ptr(dashboard.StatusInProgress),
		LockVersion: task.LockVersion,
	})
	if err != nil {
		// A lock conflict means someone else took the task; move on.
		var ierr *errors.IntegrityError
		if errors.As(err, &ierr) {
			logger.Info("task taken by another worker")
			return true, nil
		}
		return false, errors.Wrap(err, "claiming task")
	}

	c.state = StateRunning
	run := workflow.NewContext(workflowID, project.ID, c.opts.RepoRoot, branch, c.opts.Transport)
	c.seedVars(run, task, milestones)

	def, err := c.opts.Loader.Load(workflows.TaskFlow)
	if err != nil {
		return false, errors.Wrap(err, "loading task workflow")
	}

	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.RecordStart(ctx, run, def.Name); err != nil {
			logger.Warn("run history write failed", "error", err)
		}
	}

	result, runErr := c.opts.Engine.Run(ctx, def, run)
	if c.opts.Recorder != nil && result != nil {
		if err := c.opts.Recorder.RecordResult(ctx, run, result); err != nil {
			logger.Warn("run history write failed", "error", err)
		}
	}

	if runErr != nil || (result != nil && result.Aborted) {
		failedStep, reason := run.AbortReason()
		logger.Error("task workflow aborted",
			log.FailedStepKey, failedStep, log.ReasonKey, reason)
		if err := c.blockTask(ctx, logger, project.ID, task.ID); err != nil {
			logger.Warn("marking aborted task blocked failed", "error", err)
		}
		return true, runErr
	}

	// A run that created follow-ups leaves the task blocked on them
	// instead of done.
	if followUps, ok := run.Var("created_count"); ok && toInt(followUps) > 0 {
		logger.Info("task blocked on review follow-ups", "follow_ups", followUps)
		c.abortedTasks[task.ID] = true
		if err := c.blockTask(ctx, logger, project.ID, task.ID); err != nil {
			return false, errors.Wrap(err, "blocking task on follow-ups")
		}
		return false, nil
	}

	// Re-read before advancing: the run may have patched the task
	// (duplicate follow-ups still register blocked dependencies).
	task, err = c.opts.Dashboard.GetTask(ctx, project.ID, task.ID)
	if err != nil {
		return false, errors.Wrap(err, "refreshing task")
	}
	for _, status := range []string{dashboard.StatusInReview, dashboard.StatusDone} {
		updated, err := c.opts.Dashboard.UpdateTask(ctx, project.ID, task.ID, &dashboard.TaskPatch{
			Status:      ptr(status),
			LockVersion: task.LockVersion,
		})
		if err != nil {
			return false, errors.Wrapf(err, "marking task %s", status)
		}
		task = updated
	}
	logger.Info("task completed", "branch", branch)
	return false, nil
}

// seedVars publishes the task facts the workflow definitions reference.
func (c *Coordinator) seedVars(run *workflow.Context, task *dashboard.Task, milestones []dashboard.Milestone) {
	run.SetVar("task_id", fmt.Sprint(task.ID))
	run.SetVar("task_title", task.Title)
	run.SetVar("task_description", task.Description)
	run.SetVar("milestone_id", task.MilestoneID)
	run.SetVar("milestone_slug", task.MilestoneSlug)
	run.SetVar("allowed_languages", strings.Join(c.opts.AllowedLanguages, ","))

	for _, m := range milestones {
		if m.Slug == c.opts.BacklogMilestoneSlug {
			run.SetVar("backlog_milestone_id", m.ID)
			run.SetVar("backlog_milestone_slug", m.Slug)
			return
		}
	}
	run.SetVar("backlog_milestone_id", 0)
	run.SetVar("backlog_milestone_slug", c.opts.BacklogMilestoneSlug)
}

// blockTask marks a task blocked using a freshly read lock version. The
// workflow may have patched the task mid-run (registering blocked
// dependencies bumps the version), so the claim-time version is stale
// by the time the run ends. A conflict on the refreshed version means
// someone else moved the task and is not an error.
func (c *Coordinator) blockTask(ctx context.Context, logger *slog.Logger, projectID string, taskID int64) error {
	fresh, err := c.opts.Dashboard.GetTask(ctx, projectID, taskID)
	if err != nil {
		return errors.Wrap(err, "refreshing task")
	}
	_, err = c.opts.Dashboard.UpdateTask(ctx, projectID, taskID, &dashboard.TaskPatch{
		Status:      ptr(dashboard.StatusBlocked),
		LockVersion: fresh.LockVersion,
	})
	var ierr *errors.IntegrityError
	if errors.As(err, &ierr) {
		logger.Info("task moved while marking blocked", log.TaskIDKey, taskID)
		return nil
	}
	return err
}

func ptr(s string) *string { return &s }

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
