package steps

import (
	"context"
	"fmt"

	"github.com/maestrohq/maestro/pkg/workflow"
)

// TestHarnessStep synthesizes a critical follow-up when a repository has
// no test infrastructure at all. The plan in the description matches the
// repository's dominant language.
type TestHarnessStep struct {
	deps *Deps
}

func (s *TestHarnessStep) Type() string { return "test_harness" }

func (s *TestHarnessStep) ValidateConfig(map[string]interface{}) error { return nil }

func (s *TestHarnessStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	language := strValue(config, "language")
	if language == "" {
		_, _, language = discoverTestCommand(run.RepoRoot)
	}

	framework, plan := harnessPlan(language)
	followUp := map[string]interface{}{
		"title":       fmt.Sprintf("Set up %s test infrastructure", framework),
		"description": plan,
		"priority":    "critical",
		"labels":      []string{"test-infrastructure"},
		"metadata":    map[string]interface{}{"synthesized": true, "language": language},
	}

	return workflow.Success(map[string]interface{}{
		"follow_up": followUp,
		"language":  language,
		"framework": framework,
	}), nil
}

// harnessPlan returns the framework name and a setup plan for the
// language. Unknown languages get a generic plan.
func harnessPlan(language string) (framework, plan string) {
	switch language {
	case "javascript", "typescript":
		return "Vitest", "Add Vitest as a dev dependency, create a vitest.config covering src/**, " +
			"wire `npm test` to `vitest run`, and add a first smoke test so the suite executes in CI."
	case "python":
		return "pytest", "Add pytest to the dev dependencies, create a tests/ package with a first " +
			"smoke test, configure pytest in pyproject.toml, and make `pytest` the canonical test command."
	case "go":
		return "go test", "Add package-level _test.go files next to the code under test, starting with a " +
			"smoke test per package, and make `go test ./...` the canonical test command."
	case "rust":
		return "cargo test", "Add #[cfg(test)] modules next to the code under test plus a tests/ directory " +
			"for integration tests, and make `cargo test` the canonical test command."
	}
	return "test", "Pick a test framework appropriate for the codebase, add a first smoke test, and " +
		"record the canonical test command in the repository."
}
