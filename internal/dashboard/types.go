// Package dashboard is the client for the external task dashboard: the
// system of record for projects, milestones, and tasks.
package dashboard

import "strings"

// Task is a dashboard task descriptor.
type Task struct {
	ID                  int64    `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	Status              string   `json:"status"`
	PriorityScore       *int     `json:"priority_score,omitempty"`
	MilestoneID         int64    `json:"milestone_id,omitempty"`
	MilestoneSlug       string   `json:"milestone_slug,omitempty"`
	ExternalID          string   `json:"external_id,omitempty"`
	LockVersion         int      `json:"lock_version"`
	BlockedDependencies []int64  `json:"blocked_dependencies,omitempty"`
	Assignee            string   `json:"assignee,omitempty"`
	Labels              []string `json:"labels,omitempty"`
	Slug                string   `json:"slug,omitempty"`

	// Secondary ordering hints; dashboards expose at most one of these.
	Order    *int `json:"order,omitempty"`
	Position *int `json:"position,omitempty"`
	Rank     *int `json:"rank,omitempty"`
}

// NewTask is a task creation payload.
type NewTask struct {
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Priority      string                 `json:"priority,omitempty"`
	PriorityScore int                    `json:"priority_score,omitempty"`
	MilestoneID   int64                  `json:"milestone_id,omitempty"`
	MilestoneSlug string                 `json:"milestone_slug,omitempty"`
	ExternalID    string                 `json:"external_id,omitempty"`
	Assignee      string                 `json:"assignee,omitempty"`
	Labels        []string               `json:"labels,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// TaskPatch is a partial task update. Nil fields are left untouched.
// LockVersion must carry the version read before the update; the
// dashboard rejects stale writes.
type TaskPatch struct {
	Status              *string  `json:"status,omitempty"`
	Assignee            *string  `json:"assignee,omitempty"`
	BlockedDependencies *[]int64 `json:"blocked_dependencies,omitempty"`
	LockVersion         int      `json:"lock_version"`
}

// Milestone is a dashboard milestone.
type Milestone struct {
	ID    int64  `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// Project is a dashboard project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// ProjectStatus is the per-project status document.
type ProjectStatus struct {
	State     string `json:"state"`
	OpenTasks int    `json:"open_tasks"`
	DoneTasks int    `json:"done_tasks"`
}

// NextAction is the dashboard's suggested next move for a project.
type NextAction struct {
	Action string `json:"action"`
	TaskID int64  `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ContextReport is the payload posted to the context endpoint after a
// context scan.
type ContextReport struct {
	RepoID         string `json:"repo_id"`
	Branch         string `json:"branch"`
	WorkflowID     string `json:"workflow_id"`
	SnapshotPath   string `json:"snapshot_path"`
	SummaryPath    string `json:"summary_path"`
	FilesNdjson    string `json:"files_ndjson_path"`
	TotalFiles     int    `json:"totals_files"`
	TotalBytes     int64  `json:"totals_bytes"`
	ComponentsJSON string `json:"components_json,omitempty"`
	HotspotsJSON   string `json:"hotspots_json,omitempty"`
}

// Canonical task statuses. External vocabularies are folded into these.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

var statusAliases = map[string]string{
	"todo":        StatusTodo,
	"to_do":       StatusTodo,
	"to-do":       StatusTodo,
	"open":        StatusTodo,
	"new":         StatusTodo,
	"backlog":     StatusTodo,
	"ready":       StatusTodo,
	"pending":     StatusTodo,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"started":     StatusInProgress,
	"active":      StatusInProgress,
	"doing":       StatusInProgress,
	"in_review":   StatusInReview,
	"in-review":   StatusInReview,
	"review":      StatusInReview,
	"reviewing":   StatusInReview,
	"blocked":     StatusBlocked,
	"on_hold":     StatusBlocked,
	"on-hold":     StatusBlocked,
	"waiting":     StatusBlocked,
	"done":        StatusDone,
	"complete":    StatusDone,
	"completed":   StatusDone,
	"closed":      StatusDone,
	"resolved":    StatusDone,
	"finished":    StatusDone,
	"merged":      StatusDone,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"wont_fix":    StatusCancelled,
	"wontfix":     StatusCancelled,
	"abandoned":   StatusCancelled,
}

// NormalizeStatus folds an external status string into the canonical
// vocabulary. Unknown statuses normalize to todo so a task is never
// silently dropped from scheduling.
func NormalizeStatus(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := statusAliases[key]; ok {
		return canonical
	}
	return StatusTodo
}

// IsResolved reports whether a status counts as a resolved blocked
// dependency.
func IsResolved(raw string) bool {
	switch NormalizeStatus(raw) {
	case StatusDone, StatusCancelled:
		return true
	}
	return false
}

// OrderHint returns the task's secondary ordering value: order, then
// position, then rank. Tasks without a hint sort after hinted ones.
func (t *Task) OrderHint() (int, bool) {
	switch {
	case t.Order != nil:
		return *t.Order, true
	case t.Position != nil:
		return *t.Position, true
	case t.Rank != nil:
		return *t.Rank, true
	}
	return 0, false
}
