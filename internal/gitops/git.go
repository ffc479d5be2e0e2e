// Package gitops runs git operations for workflow steps: branch
// preparation, artifact commits, diff application, and pushes. All
// operations shell out to the git binary in a fixed working directory.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Git runs git commands in one working copy.
type Git struct {
	workDir string
	logger  *slog.Logger
}

// New creates a Git bound to workDir.
func New(workDir string, logger *slog.Logger) *Git {
	if logger == nil {
		logger = log.Discard()
	}
	return &Git{workDir: workDir, logger: logger}
}

// WorkDir returns the working copy path.
func (g *Git) WorkDir() string { return g.workDir }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

func (g *Git) runStdin(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	cmd.Stdin = strings.NewReader(stdin)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// EnsureClone clones repoURL into workDir unless a repository is
// already there.
func EnsureClone(ctx context.Context, repoURL, workDir string, logger *slog.Logger) (*Git, error) {
	g := New(workDir, logger)
	if _, err := os.Stat(workDir + "/.git"); err == nil {
		return g, nil
	}
	cmd := exec.CommandContext(ctx, "git", "clone", repoURL, workDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(fmt.Errorf("%w\n%s", err, strings.TrimSpace(string(output))), "cloning %s", repoURL)
	}
	return g, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// VerifyBranch fails with an IntegrityError when the working copy is
// not on the expected branch.
func (g *Git) VerifyBranch(ctx context.Context, expected string) error {
	current, err := g.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current != expected {
		return &errors.IntegrityError{
			Check:  "branch",
			Detail: fmt.Sprintf("on %s, expected %s", current, expected),
		}
	}
	return nil
}

// CheckoutNewBranch creates branch from base and checks it out. An
// existing branch of the same name is checked out instead.
func (g *Git) CheckoutNewBranch(ctx context.Context, branch, base string) error {
	if _, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		_, err := g.run(ctx, "checkout", branch)
		return err
	}
	if base != "" {
		if _, err := g.run(ctx, "checkout", base); err != nil {
			return err
		}
	}
	_, err := g.run(ctx, "checkout", "-b", branch)
	return err
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// CommitPaths stages the given paths and commits them. Committing with
// nothing staged is a no-op, not an error. Returns the commit SHA, or
// "" when nothing was committed.
func (g *Git) CommitPaths(ctx context.Context, message string, paths ...string) (string, error) {
	args := append([]string{"add", "--"}, paths...)
	if len(paths) == 0 {
		args = []string{"add", "-A"}
	}
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}

	status, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", nil
	}

	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// Push publishes a branch to origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", "origin", branch)
	return err
}

// PushBestEffort pushes and logs instead of failing. Returns the push
// error for callers that record push failures in diagnostics.
func (g *Git) PushBestEffort(ctx context.Context, branch string) error {
	if err := g.Push(ctx, branch); err != nil {
		g.logger.Warn("push failed, continuing", "branch", branch, "error", err)
		return err
	}
	return nil
}

// ApplyDiff applies unified-diff text to the working tree and returns
// the changed paths.
func (g *Git) ApplyDiff(ctx context.Context, diff string) ([]string, error) {
	if strings.TrimSpace(diff) == "" {
		return nil, nil
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if _, err := g.runStdin(ctx, diff, "apply", "--whitespace=nowarn", "-"); err != nil {
		return nil, errors.Wrap(err, "applying diff")
	}
	return ChangedPathsFromDiff(diff), nil
}

// ChangedPathsFromDiff extracts target paths from unified-diff text.
func ChangedPathsFromDiff(diff string) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p == "" || p == "/dev/null" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "+++ b/") {
			add(strings.TrimPrefix(line, "+++ b/"))
			continue
		}
		// Deletions only appear on the minus side.
		if line == "+++ /dev/null" && i > 0 && strings.HasPrefix(lines[i-1], "--- a/") {
			add(strings.TrimPrefix(lines[i-1], "--- a/"))
		}
	}
	return paths
}
