// Package steps holds the concrete workflow step implementations: the
// context scan, persona requests, git artifact writes, diff
// application, the review-failure pipeline stages, and the test
// discovery helpers.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// Requester dispatches persona requests. *persona.Dispatcher satisfies it.
type Requester interface {
	Request(ctx context.Context, spec persona.RequestSpec) (*persona.Result, error)
}

// GitClient is the slice of gitops.Git the steps use.
type GitClient interface {
	CurrentBranch(ctx context.Context) (string, error)
	VerifyBranch(ctx context.Context, expected string) error
	CommitPaths(ctx context.Context, message string, paths ...string) (string, error)
	PushBestEffort(ctx context.Context, branch string) error
	ApplyDiff(ctx context.Context, diff string) ([]string, error)
}

// DashboardAPI is the slice of the dashboard client the steps use.
type DashboardAPI interface {
	GetTask(ctx context.Context, projectID string, taskID int64) (*dashboard.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]dashboard.Task, error)
	CreateTask(ctx context.Context, projectID string, task *dashboard.NewTask) (*dashboard.Task, error)
	UpdateTask(ctx context.Context, projectID string, taskID int64, patch *dashboard.TaskPatch) (*dashboard.Task, error)
	PostContext(ctx context.Context, endpoint string, report *dashboard.ContextReport) error
}

// Deps wires shared dependencies into the step implementations.
type Deps struct {
	Requester Requester
	Dashboard DashboardAPI
	Git       GitClient
	Logger    *slog.Logger

	// ScanIgnore holds doublestar globs excluded from context scans.
	ScanIgnore []string

	// ContextEndpoint receives context-scan reports when non-empty.
	ContextEndpoint string

	// DuplicateStrategy is the default duplicate-detection strategy for
	// bulk task creation.
	DuplicateStrategy string
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return log.Discard()
	}
	return d.Logger
}

// RegisterAll registers every step type on the registry.
func RegisterAll(r *workflow.Registry, deps *Deps) {
	r.Register(&ContextScanStep{deps: deps})
	r.Register(&PersonaRequestStep{deps: deps})
	r.Register(&GitArtifactStep{deps: deps})
	r.Register(&DiffApplyStep{deps: deps})
	r.Register(&BulkTasksStep{deps: deps})
	r.Register(&PMDecisionStep{deps: deps})
	r.Register(&DependencyStatusStep{deps: deps})
	r.Register(&TestCommandStep{deps: deps})
	r.Register(&TestHarnessStep{deps: deps})
	r.Register(&ReviewNormalizeStep{deps: deps})
	r.Register(&ReviewFilterStep{deps: deps})
	r.Register(&ReviewCoverageStep{deps: deps})
	r.Register(&QAArtifactStep{deps: deps})
	r.Register(&AnalysisTaskStep{deps: deps})
}

// Config accessors. Step configs come out of YAML and the resolver, so
// values may be strings, numbers, bools, maps, or slices.

func strValue(config map[string]interface{}, key string) string {
	switch v := config[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func strDefault(config map[string]interface{}, key, fallback string) string {
	if s := strValue(config, key); s != "" {
		return s
	}
	return fallback
}

func requireString(config map[string]interface{}, key string) (string, error) {
	s := strValue(config, key)
	if s == "" {
		return "", &errors.ValidationError{Field: key, Message: "required"}
	}
	return s, nil
}

func boolValue(config map[string]interface{}, key string) bool {
	switch v := config[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func intValue(config map[string]interface{}, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func int64Value(config map[string]interface{}, key string) int64 {
	switch v := config[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func mapValue(config map[string]interface{}, key string) map[string]interface{} {
	if m, ok := config[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func stringSlice(config map[string]interface{}, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
