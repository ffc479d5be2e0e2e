package steps

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// TestCommandStep discovers the repository's test command. The probe
// order is fixed: an explicit command in the context manifest wins, then
// package.json scripts, then the Python config files, then Cargo.toml,
// then go.mod, then a Makefile test target.
type TestCommandStep struct {
	deps *Deps
}

func (s *TestCommandStep) Type() string { return "test_command_discovery" }

func (s *TestCommandStep) ValidateConfig(map[string]interface{}) error { return nil }

func (s *TestCommandStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	if run.RepoRoot == "" {
		return nil, &errors.ValidationError{Field: "repo_root", Message: "test discovery needs a working copy"}
	}

	command, source, language := discoverTestCommand(run.RepoRoot)
	if command == "" {
		if boolValue(config, "require_command") {
			return workflow.Failure("no test command found in the working copy"), nil
		}
		s.deps.logger().Info("no test command discovered", log.WorkflowIDKey, run.WorkflowID)
		return workflow.Success(map[string]interface{}{
			"command": "",
			"source":  "",
			"found":   false,
		}), nil
	}

	return workflow.Success(map[string]interface{}{
		"command":  command,
		"source":   source,
		"language": language,
		"found":    true,
	}), nil
}

func discoverTestCommand(root string) (command, source, language string) {
	// The context manifest may record an explicit command from an
	// earlier run.
	if data, err := os.ReadFile(filepath.Join(root, ".ma", "context", "manifest.json")); err == nil {
		if cmd := gjson.GetBytes(data, "test_command").String(); cmd != "" {
			return cmd, ".ma/context/manifest.json", gjson.GetBytes(data, "language").String()
		}
	}

	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		script := gjson.GetBytes(data, "scripts.test").String()
		// npm's placeholder script is not a real test command.
		if script != "" && !strings.Contains(script, "no test specified") {
			return "npm test", "package.json", "javascript"
		}
	}

	for _, probe := range []struct{ file, cmd string }{
		{"pyproject.toml", "pytest"},
		{"pytest.ini", "pytest"},
		{"tox.ini", "tox"},
		{"setup.cfg", "pytest"},
	} {
		if fileExists(filepath.Join(root, probe.file)) {
			return probe.cmd, probe.file, "python"
		}
	}

	if fileExists(filepath.Join(root, "Cargo.toml")) {
		return "cargo test", "Cargo.toml", "rust"
	}
	if fileExists(filepath.Join(root, "go.mod")) {
		return "go test ./...", "go.mod", "go"
	}

	if data, err := os.ReadFile(filepath.Join(root, "Makefile")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "test:") {
				return "make test", "Makefile", ""
			}
		}
	}
	return "", "", ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
