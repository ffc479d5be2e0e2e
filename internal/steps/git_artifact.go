package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// GitArtifactStep renders a step output to a file under .ma/, commits
// it, and pushes best-effort. Paths outside .ma/ are refused; a branch
// mismatch is a hard failure.
type GitArtifactStep struct {
	deps *Deps
}

func (s *GitArtifactStep) Type() string { return "git_artifact" }

func (s *GitArtifactStep) ValidateConfig(config map[string]interface{}) error {
	path, err := requireString(config, "path")
	if err != nil {
		return err
	}
	if err := checkArtifactPath(path); err != nil {
		return err
	}
	if expr := strValue(config, "source_field"); expr != "" {
		if _, err := gojq.Parse(expr); err != nil {
			return &errors.ValidationError{Field: "source_field", Message: "bad jq expression: " + err.Error()}
		}
	}
	switch format := strDefault(config, "format", "json"); format {
	case "json", "markdown":
	default:
		return &errors.ValidationError{Field: "format", Message: "unsupported format " + format, Suggestion: "use json or markdown"}
	}
	return nil
}

func (s *GitArtifactStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	relPath := strValue(config, "path")
	if err := checkArtifactPath(relPath); err != nil {
		return nil, err
	}

	if run.Branch != "" && s.deps.Git != nil {
		if err := s.deps.Git.VerifyBranch(ctx, run.Branch); err != nil {
			return nil, err
		}
	}

	value := config["source_output"]
	if expr := strValue(config, "source_field"); expr != "" {
		extracted, err := extractField(value, expr)
		if err != nil {
			return nil, err
		}
		value = extracted
	}

	content, err := renderArtifact(value, strDefault(config, "format", "json"))
	if err != nil {
		return nil, err
	}

	fullPath := filepath.Join(run.RepoRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating artifact dir")
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return nil, errors.Wrap(err, "writing artifact")
	}

	sha := ""
	if s.deps.Git != nil {
		message := strDefault(config, "commit_message", "record workflow artifact "+relPath)
		sha, err = s.deps.Git.CommitPaths(ctx, message, relPath)
		if err != nil {
			return nil, errors.Wrap(err, "committing artifact")
		}
		if run.Branch != "" {
			if pushErr := s.deps.Git.PushBestEffort(ctx, run.Branch); pushErr != nil {
				run.RecordPushFailure(pushErr.Error())
			}
		}
	}

	return workflow.Success(map[string]interface{}{
		"path":   relPath,
		"commit": sha,
	}), nil
}

// checkArtifactPath refuses any target outside the .ma/ tree.
func checkArtifactPath(path string) error {
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".ma" || strings.HasPrefix(clean, ".ma/") {
		return nil
	}
	return &errors.PolicyViolationError{
		Policy: "artifact_path",
		Detail: fmt.Sprintf("artifact path %q is outside .ma/", path),
	}
}

// extractField applies a jq expression to the source value and returns
// the first result.
func extractField(value interface{}, expr string) (interface{}, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, &errors.ValidationError{Field: "source_field", Message: "bad jq expression: " + err.Error()}
	}

	// gojq only accepts map[string]interface{} style values; strings
	// holding JSON are decoded first.
	if s, ok := value.(string); ok {
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			value = decoded
		}
	}

	iter := query.Run(value)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, errors.Wrap(err, "extracting source_field")
	}
	return v, nil
}

func renderArtifact(value interface{}, format string) (string, error) {
	if format == "markdown" {
		if s, ok := value.(string); ok {
			return s, nil
		}
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "rendering artifact")
		}
		return "```json\n" + string(data) + "\n```\n", nil
	}

	if s, ok := value.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "rendering artifact")
	}
	return string(data), nil
}
