package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/workflow"
)

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTestCommandDiscoveryOrder(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		command  string
		source   string
		language string
	}{
		{
			name: "context manifest wins over everything",
			files: map[string]string{
				".ma/context/manifest.json": `{"test_command":"make check","language":"go"}`,
				"package.json":              `{"scripts":{"test":"vitest run"}}`,
				"go.mod":                    "module example.com/x\n",
			},
			command:  "make check",
			source:   ".ma/context/manifest.json",
			language: "go",
		},
		{
			name: "package.json script",
			files: map[string]string{
				"package.json": `{"scripts":{"test":"vitest run"}}`,
				"go.mod":       "module example.com/x\n",
			},
			command:  "npm test",
			source:   "package.json",
			language: "javascript",
		},
		{
			name: "npm placeholder script is skipped",
			files: map[string]string{
				"package.json":   `{"scripts":{"test":"echo \"Error: no test specified\" && exit 1"}}`,
				"pyproject.toml": "[tool.pytest.ini_options]\n",
			},
			command:  "pytest",
			source:   "pyproject.toml",
			language: "python",
		},
		{
			name:     "tox",
			files:    map[string]string{"tox.ini": "[tox]\n"},
			command:  "tox",
			source:   "tox.ini",
			language: "python",
		},
		{
			name:     "cargo before go",
			files:    map[string]string{"Cargo.toml": "[package]\n", "go.mod": "module example.com/x\n"},
			command:  "cargo test",
			source:   "Cargo.toml",
			language: "rust",
		},
		{
			name:     "go module",
			files:    map[string]string{"go.mod": "module example.com/x\n"},
			command:  "go test ./...",
			source:   "go.mod",
			language: "go",
		},
		{
			name:    "makefile test target",
			files:   map[string]string{"Makefile": "build:\n\tgo build\n\ntest:\n\tgo test ./...\n"},
			command: "make test",
			source:  "Makefile",
		},
	}

	step := &TestCommandStep{deps: &Deps{Logger: log.Discard()}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for rel, content := range tt.files {
				writeRepoFile(t, dir, rel, content)
			}

			res, err := step.Execute(context.Background(), testRun(t, dir), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.command, res.Outputs["command"])
			assert.Equal(t, tt.source, res.Outputs["source"])
			if tt.language != "" {
				assert.Equal(t, tt.language, res.Outputs["language"])
			}
		})
	}
}

func TestTestCommandDiscoveryRequireCommand(t *testing.T) {
	step := &TestCommandStep{deps: &Deps{Logger: log.Discard()}}
	dir := t.TempDir()

	res, err := step.Execute(context.Background(), testRun(t, dir), map[string]interface{}{
		"require_command": true,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStatusFailure, res.Status)

	res, err = step.Execute(context.Background(), testRun(t, dir), nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStatusSuccess, res.Status)
	assert.Equal(t, false, res.Outputs["found"])
}

func TestTestHarnessStepPlans(t *testing.T) {
	step := &TestHarnessStep{deps: &Deps{Logger: log.Discard()}}

	tests := []struct {
		language  string
		framework string
		mention   string
	}{
		{"typescript", "Vitest", "vitest"},
		{"javascript", "Vitest", "vitest"},
		{"python", "pytest", "pytest"},
		{"go", "go test", "go test ./..."},
		{"rust", "cargo test", "cargo test"},
		{"cobol", "test", "test framework"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			res, err := step.Execute(context.Background(), testRun(t, t.TempDir()), map[string]interface{}{
				"language": tt.language,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.framework, res.Outputs["framework"])

			followUp := res.Outputs["follow_up"].(map[string]interface{})
			assert.Equal(t, "critical", followUp["priority"])
			assert.Contains(t, followUp["description"], tt.mention)
		})
	}
}

func TestAnalysisTaskStepPicksTopConfidence(t *testing.T) {
	step := &AnalysisTaskStep{deps: &Deps{Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"result": `{"hypotheses":[
			{"description":"config cache never invalidates","confidence":0.4},
			{"description":"race in session refresh","confidence":0.9,"suggested_fix":"guard refresh with the session mutex","evidence":["crash log line 200"]}
		]}`,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.Outputs["top_confidence"], 0.001)

	tasks := res.Outputs["actionable_tasks"].([]interface{})
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]interface{})
	assert.Equal(t, "Investigate: race in session refresh", task["title"])

	steps := task["steps"].([]string)
	require.Len(t, steps, 3)
	assert.Contains(t, steps[1], "crash log line 200")
	assert.Contains(t, steps[2], "session mutex")
	assert.NotEmpty(t, task["acceptance_criteria"])
}

func TestAnalysisTaskStepEmptyResult(t *testing.T) {
	step := &AnalysisTaskStep{deps: &Deps{Logger: log.Discard()}}

	res, err := step.Execute(context.Background(), testRun(t, ""), map[string]interface{}{
		"result": `{"hypotheses":[]}`,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Outputs["actionable_tasks"])
}
