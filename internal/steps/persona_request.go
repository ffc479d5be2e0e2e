package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// PersonaRequestStep dispatches one persona request and exposes the
// interpreted result. Review-type requests also persist the raw result
// under .ma/tasks/<task>/reviews/<type>.json; other requests land as
// numbered phase artifacts.
type PersonaRequestStep struct {
	deps *Deps
}

func (s *PersonaRequestStep) Type() string { return "persona_request" }

func (s *PersonaRequestStep) ValidateConfig(config map[string]interface{}) error {
	if _, err := requireString(config, "to_persona"); err != nil {
		return err
	}
	return nil
}

func (s *PersonaRequestStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	toPersona := strValue(config, "to_persona")
	stepName := strDefault(config, "step_name", toPersona)

	spec := persona.RequestSpec{
		WorkflowID:       run.WorkflowID,
		Step:             stepName,
		Persona:          toPersona,
		Intent:           strDefault(config, "intent", "execute"),
		Payload:          mapValue(config, "payload"),
		UserText:         strValue(config, "user_text"),
		TimeoutMS:        intValue(config, "timeout_ms"),
		DeadlineS:        intValue(config, "deadline_s"),
		TaskID:           strValue(config, "task_id"),
		ProjectID:        run.ProjectID,
		Repo:             strValue(config, "repo"),
		Branch:           run.Branch,
		AllowedLanguages: stringSlice(config, "allowed_languages"),
		ChangedFiles:     stringSlice(config, "changed_files"),
	}
	if n := intValue(config, "max_retries"); n > 0 {
		spec.MaxRetries = &n
	}

	result, err := s.deps.Requester.Request(ctx, spec)
	if err != nil {
		var perr *errors.PolicyViolationError
		if errors.As(err, &perr) {
			return workflow.AbortFailure("%s", err.Error()), nil
		}
		return nil, err
	}

	reviewType := strValue(config, "review_type")
	if taskID := spec.TaskID; taskID != "" {
		s.persistArtifact(run, taskID, stepName, reviewType, result.Raw)
	}

	outputs := map[string]interface{}{
		"status":       string(result.Report.Status),
		"details":      result.Report.Details,
		"result":       result.Raw,
		"attempts":     result.Attempts,
		"info_sources": result.InfoSources,
	}
	// JSON results are additionally exposed decoded, so workflows can
	// reference ${<step>.data.<field>}.
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(result.Raw), &decoded); err == nil {
		outputs["data"] = decoded
	}
	if reviewType != "" {
		outputs["review_type"] = reviewType
	}
	return workflow.Success(outputs), nil
}

// persistArtifact writes the raw result into the task's artifact tree.
// Failures are logged, never fatal: the result already lives in the
// workflow context.
func (s *PersonaRequestStep) persistArtifact(run *workflow.Context, taskID, stepName, reviewType, raw string) {
	if run.RepoRoot == "" {
		return
	}
	var path string
	if reviewType != "" {
		path = filepath.Join(run.RepoRoot, ".ma", "tasks", taskID, "reviews", reviewType+".json")
	} else {
		dir := filepath.Join(run.RepoRoot, ".ma", "tasks", taskID)
		path = filepath.Join(dir, fmt.Sprintf("%02d-%s.json", nextArtifactSeq(dir), stepName))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.deps.logger().Warn("cannot create artifact dir", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		s.deps.logger().Warn("cannot write persona artifact",
			log.WorkflowIDKey, run.WorkflowID, "path", path, "error", err)
	}
}

// nextArtifactSeq numbers phase artifacts NN- in creation order.
func nextArtifactSeq(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if len(name) < 3 || name[2] != '-' {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name[:2], "%02d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}
