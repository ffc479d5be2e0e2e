package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// DiffApplyStep applies persona-produced changes to the working tree.
// Two payload shapes are accepted: raw unified-diff text, and
// structured {ops: [{action: upsert|delete, path, content}]} from which
// a diff is synthesized.
type DiffApplyStep struct {
	deps *Deps
}

func (s *DiffApplyStep) Type() string { return "diff_apply" }

func (s *DiffApplyStep) ValidateConfig(config map[string]interface{}) error {
	if _, hasDiff := config["diff"]; hasDiff {
		return nil
	}
	if _, hasSource := config["source_output"]; hasSource {
		return nil
	}
	return &errors.ValidationError{Field: "diff", Message: "one of diff or source_output is required"}
}

func (s *DiffApplyStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	payload := config["diff"]
	if payload == nil {
		payload = config["source_output"]
	}

	diff, err := diffFromPayload(payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(diff) == "" {
		return workflow.Success(map[string]interface{}{"changed_paths": []string{}}), nil
	}

	changed, err := s.deps.Git.ApplyDiff(ctx, diff)
	if err != nil {
		return nil, err
	}

	sha := ""
	if message := strValue(config, "commit_message"); message != "" {
		sha, err = s.deps.Git.CommitPaths(ctx, message)
		if err != nil {
			return nil, err
		}
		if run.Branch != "" {
			if pushErr := s.deps.Git.PushBestEffort(ctx, run.Branch); pushErr != nil {
				run.RecordPushFailure(pushErr.Error())
			}
		}
	}

	return workflow.Success(map[string]interface{}{
		"changed_paths": changed,
		"commit":        sha,
	}), nil
}

// structuredOp is one entry of a structured diff payload.
type structuredOp struct {
	Action  string
	Path    string
	Content string
}

// diffFromPayload returns unified-diff text for either payload shape.
func diffFromPayload(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		ops, err := parseOps(v)
		if err != nil {
			return "", err
		}
		return synthesizeDiff(ops), nil
	case nil:
		return "", nil
	default:
		return "", &errors.ValidationError{Field: "diff", Message: fmt.Sprintf("unsupported payload type %T", payload)}
	}
}

func parseOps(payload map[string]interface{}) ([]structuredOp, error) {
	raw, ok := payload["ops"].([]interface{})
	if !ok {
		return nil, &errors.ValidationError{Field: "diff.ops", Message: "structured payload needs an ops array"}
	}
	var ops []structuredOp
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, &errors.ValidationError{Field: fmt.Sprintf("diff.ops[%d]", i), Message: "op must be an object"}
		}
		op := structuredOp{
			Action:  strValue(m, "action"),
			Path:    strValue(m, "path"),
			Content: strValue(m, "content"),
		}
		if op.Path == "" {
			return nil, &errors.ValidationError{Field: fmt.Sprintf("diff.ops[%d].path", i), Message: "required"}
		}
		switch op.Action {
		case "upsert", "delete":
		default:
			return nil, &errors.ValidationError{
				Field:   fmt.Sprintf("diff.ops[%d].action", i),
				Message: "must be upsert or delete",
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// synthesizeDiff renders structured ops as a unified diff that git
// apply accepts. Upserts are emitted as whole-file rewrites.
func synthesizeDiff(ops []structuredOp) string {
	var b strings.Builder
	for _, op := range ops {
		switch op.Action {
		case "upsert":
			content := op.Content
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			lines := strings.Count(content, "\n")
			fmt.Fprintf(&b, "diff --git a/%s b/%s\n", op.Path, op.Path)
			fmt.Fprintf(&b, "new file mode 100644\n--- /dev/null\n+++ b/%s\n", op.Path)
			fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", lines)
			for _, line := range strings.SplitAfter(content, "\n") {
				if line == "" {
					continue
				}
				b.WriteString("+")
				b.WriteString(strings.TrimSuffix(line, "\n"))
				b.WriteString("\n")
			}
		case "delete":
			fmt.Fprintf(&b, "diff --git a/%s b/%s\n", op.Path, op.Path)
			fmt.Fprintf(&b, "deleted file mode 100644\n--- a/%s\n+++ /dev/null\n", op.Path)
		}
	}
	return b.String()
}
