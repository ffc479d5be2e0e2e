package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// Retry schedule for transient failures: 3 retries at 1s, 2s, 4s.
	maxRetries       = 3
	retryBackoffBase = time.Second
)

// Client talks to the dashboard REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	// sleep is swapped in tests to skip the backoff waits.
	sleep func(time.Duration)
}

// NewClient builds a dashboard client. token may be empty for
// unauthenticated deployments.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectStatus fetches the project status document.
func (c *Client) GetProjectStatus(ctx context.Context, projectID string) (*ProjectStatus, error) {
	var s ProjectStatus
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetStatusSummary fetches the human-readable status summary.
func (c *Client) GetStatusSummary(ctx context.Context, projectID string) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/status/summary", nil, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// GetNextAction fetches the dashboard's suggested next action.
func (c *Client) GetNextAction(ctx context.Context, projectID string) (*NextAction, error) {
	var n NextAction
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/next-action", nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListTasks fetches all tasks for a project.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, projectID string, taskID int64) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/tasks/%d", projectID, taskID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask creates a task. The external_id carried on the payload
// makes the call idempotent: re-creating an existing external_id
// returns the existing task.
func (c *Client) CreateTask(ctx context.Context, projectID string, task *NewTask) (*Task, error) {
	var created Task
	if err := c.do(ctx, http.MethodPost, "/projects/"+projectID+"/tasks", task, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// BulkCreateTasks creates several tasks in one call.
func (c *Client) BulkCreateTasks(ctx context.Context, projectID string, tasks []NewTask) ([]Task, error) {
	payload := struct {
		Tasks []NewTask `json:"tasks"`
	}{Tasks: tasks}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodPost, "/projects/"+projectID+"/tasks:bulk", payload, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// UpdateTask patches a task under optimistic concurrency. A stale
// lock_version surfaces as an IntegrityError, never retried.
func (c *Client) UpdateTask(ctx context.Context, projectID string, taskID int64, patch *TaskPatch) (*Task, error) {
	var updated Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/projects/%s/tasks/%d", projectID, taskID), patch, &updated)
	if err != nil {
		var xerr *errors.ExternalError
		if errors.As(err, &xerr) && xerr.StatusCode == http.StatusConflict {
			return nil, &errors.IntegrityError{
				Check:  "lock_version",
				Detail: fmt.Sprintf("task %d: stale lock_version %d", taskID, patch.LockVersion),
			}
		}
		return nil, err
	}
	return &updated, nil
}

// ListMilestones fetches all milestones for a project.
func (c *Client) ListMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	var milestones []Milestone
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID+"/milestones", nil, &milestones); err != nil {
		return nil, err
	}
	return milestones, nil
}

// CreateMilestone creates a milestone.
func (c *Client) CreateMilestone(ctx context.Context, projectID string, m *Milestone) (*Milestone, error) {
	var created Milestone
	if err := c.do(ctx, http.MethodPost, "/projects/"+projectID+"/milestones", m, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// PostContext posts a context-scan report to the configured endpoint.
// The endpoint is a full URL, not a path under the dashboard base.
func (c *Client) PostContext(ctx context.Context, endpoint string, report *ContextReport) error {
	return c.doURL(ctx, http.MethodPost, endpoint, report, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.doURL(ctx, method, c.baseURL+path, body, out)
}

// doURL performs one request with retry on transient failures
// (timeouts, 5xx, 429). Client errors other than 429 fail immediately.
func (c *Client) doURL(ctx context.Context, method, url string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = c.once(ctx, method, url, payload, out)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) || attempt >= maxRetries {
			return lastErr
		}
		backoff := retryBackoffBase << attempt
		c.logger.Warn("dashboard call failed, retrying",
			"method", method, "url", url, "attempt", attempt+1, "backoff", backoff, "error", lastErr)
		c.sleep(backoff)
	}
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrap(err, "building dashboard request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.ExternalError{Service: "dashboard", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &errors.ExternalError{Service: "dashboard", Message: "reading response: " + err.Error(), Cause: err}
	}
	if resp.StatusCode >= 400 {
		return &errors.ExternalError{
			Service:    "dashboard",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s %s: %s", method, url, firstLine(data)),
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errors.ExternalError{Service: "dashboard", Message: "decoding response: " + err.Error(), Cause: err}
	}
	return nil
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
