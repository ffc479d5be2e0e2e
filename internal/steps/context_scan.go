package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

// Context artifact locations, relative to the repo root.
const (
	contextDir       = ".ma/context"
	snapshotName     = "snapshot.json"
	summaryName      = "summary.md"
	filesNdjsonName  = "files.ndjson"
	maxScanFileBytes = 32 << 20
)

// defaultScanIgnore always applies on top of configured globs.
var defaultScanIgnore = []string{
	".git/**",
	".ma/**",
	"node_modules/**",
	"vendor/**",
	"**/*.lock",
}

// scannedFile is one line of files.ndjson.
type scannedFile struct {
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Modified time.Time `json:"modified"`
	Language string    `json:"language,omitempty"`
}

// contextSnapshot is the snapshot.json document.
type contextSnapshot struct {
	WorkflowID  string         `json:"workflow_id"`
	Branch      string         `json:"branch,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
	TotalFiles  int            `json:"total_files"`
	TotalBytes  int64          `json:"total_bytes"`
	Languages   map[string]int `json:"languages,omitempty"`
}

// ContextScanStep builds or reuses the repository context artifacts:
// snapshot.json, summary.md, and files.ndjson under .ma/context. The
// artifacts are reused when present and no scanned file is newer than
// the snapshot.
type ContextScanStep struct {
	deps *Deps
}

func (s *ContextScanStep) Type() string { return "context_scan" }

func (s *ContextScanStep) ValidateConfig(map[string]interface{}) error { return nil }

func (s *ContextScanStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	if run.RepoRoot == "" {
		return nil, &errors.ValidationError{Field: "repo_root", Message: "context scan needs a working copy"}
	}

	dir := filepath.Join(run.RepoRoot, contextDir)
	snapshotPath := filepath.Join(dir, snapshotName)
	summaryPath := filepath.Join(dir, summaryName)
	ndjsonPath := filepath.Join(dir, filesNdjsonName)

	force := boolValue(config, "force_rescan")
	ignore := append(append([]string(nil), defaultScanIgnore...), s.deps.ScanIgnore...)
	ignore = append(ignore, stringSlice(config, "ignore")...)

	if !force {
		if reusable, snap := s.canReuse(run.RepoRoot, snapshotPath, summaryPath, ndjsonPath, ignore); reusable {
			s.deps.logger().Info("reusing context artifacts",
				log.WorkflowIDKey, run.WorkflowID, "snapshot", snapshotPath)
			return workflow.Success(map[string]interface{}{
				"reused_existing": true,
				"snapshotPath":    snapshotPath,
				"summaryPath":     summaryPath,
				"filesNdjsonPath": ndjsonPath,
				"totals": map[string]interface{}{
					"files": snap.TotalFiles,
					"bytes": snap.TotalBytes,
				},
			}), nil
		}
	}

	files, err := scanTree(run.RepoRoot, ignore)
	if err != nil {
		return nil, errors.Wrap(err, "scanning working copy")
	}

	snap := buildSnapshot(run, files)
	if err := writeArtifacts(dir, snap, files); err != nil {
		return nil, err
	}

	// Commit and push best-effort; a failed push never fails the scan.
	if s.deps.Git != nil {
		rel := contextDir
		if _, err := s.deps.Git.CommitPaths(ctx, "update context artifacts", rel); err != nil {
			s.deps.logger().Warn("context artifact commit failed", "error", err)
		} else if run.Branch != "" {
			_ = s.deps.Git.PushBestEffort(ctx, run.Branch)
		}
	}

	if s.deps.ContextEndpoint != "" && s.deps.Dashboard != nil {
		report := &dashboard.ContextReport{
			RepoID:       run.ProjectID,
			Branch:       run.Branch,
			WorkflowID:   run.WorkflowID,
			SnapshotPath: snapshotPath,
			SummaryPath:  summaryPath,
			FilesNdjson:  ndjsonPath,
			TotalFiles:   snap.TotalFiles,
			TotalBytes:   snap.TotalBytes,
		}
		if err := s.deps.Dashboard.PostContext(ctx, s.deps.ContextEndpoint, report); err != nil {
			s.deps.logger().Warn("posting context report failed", "error", err)
		}
	}

	return workflow.Success(map[string]interface{}{
		"reused_existing": false,
		"snapshotPath":    snapshotPath,
		"summaryPath":     summaryPath,
		"filesNdjsonPath": ndjsonPath,
		"totals": map[string]interface{}{
			"files": snap.TotalFiles,
			"bytes": snap.TotalBytes,
		},
	}), nil
}

// canReuse checks that all three artifacts exist and that no scanned
// file is newer than the snapshot.
func (s *ContextScanStep) canReuse(root, snapshotPath, summaryPath, ndjsonPath string, ignore []string) (bool, *contextSnapshot) {
	info, err := os.Stat(snapshotPath)
	if err != nil {
		return false, nil
	}
	for _, p := range []string{summaryPath, ndjsonPath} {
		if _, err := os.Stat(p); err != nil {
			return false, nil
		}
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return false, nil
	}
	var snap contextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, nil
	}

	stale := false
	cutoff := info.ModTime()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || stale {
			return fs.SkipAll
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		if ignored(rel, d.IsDir(), ignore) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err == nil && fi.ModTime().After(cutoff) {
			stale = true
			return fs.SkipAll
		}
		return nil
	})
	if stale {
		return false, nil
	}
	return true, &snap
}

func scanTree(root string, ignore []string) ([]scannedFile, error) {
	var files []scannedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		if rel == "." {
			return nil
		}
		if ignored(rel, d.IsDir(), ignore) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Size() > maxScanFileBytes {
			return nil
		}
		files = append(files, scannedFile{
			Path:     filepath.ToSlash(rel),
			Bytes:    fi.Size(),
			Modified: fi.ModTime().UTC(),
			Language: languageOf(rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func ignored(rel string, isDir bool, globs []string) bool {
	probe := filepath.ToSlash(rel)
	if isDir {
		probe += "/"
	}
	for _, glob := range globs {
		if ok, _ := doublestar.Match(glob, filepath.ToSlash(rel)); ok {
			return true
		}
		// Directory globs like ".git/**" should prune the dir itself.
		if isDir {
			if ok, _ := doublestar.Match(glob, probe); ok {
				return true
			}
			if strings.HasSuffix(glob, "/**") {
				if ok, _ := doublestar.Match(strings.TrimSuffix(glob, "/**"), filepath.ToSlash(rel)); ok {
					return true
				}
			}
		}
	}
	return false
}

func languageOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	return ""
}

func buildSnapshot(run *workflow.Context, files []scannedFile) *contextSnapshot {
	snap := &contextSnapshot{
		WorkflowID:  run.WorkflowID,
		Branch:      run.Branch,
		GeneratedAt: time.Now().UTC(),
		TotalFiles:  len(files),
		Languages:   make(map[string]int),
	}
	for _, f := range files {
		snap.TotalBytes += f.Bytes
		if f.Language != "" {
			snap.Languages[f.Language]++
		}
	}
	return snap
}

func writeArtifacts(dir string, snap *contextSnapshot, files []scannedFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating context dir")
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotName), data, 0o644); err != nil {
		return errors.Wrap(err, "writing snapshot")
	}

	var nd strings.Builder
	for _, f := range files {
		line, err := json.Marshal(f)
		if err != nil {
			return errors.Wrap(err, "encoding file record")
		}
		nd.Write(line)
		nd.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, filesNdjsonName), []byte(nd.String()), 0o644); err != nil {
		return errors.Wrap(err, "writing files.ndjson")
	}

	var langs []string
	for lang, count := range snap.Languages {
		langs = append(langs, fmt.Sprintf("- %s: %d files", lang, count))
	}
	sort.Strings(langs)
	summary := fmt.Sprintf("# Repository context\n\nGenerated: %s\nFiles: %d\nBytes: %d\n\n## Languages\n\n%s\n",
		snap.GeneratedAt.Format(time.RFC3339), snap.TotalFiles, snap.TotalBytes, strings.Join(langs, "\n"))
	if err := os.WriteFile(filepath.Join(dir, summaryName), []byte(summary), 0o644); err != nil {
		return errors.Wrap(err, "writing summary")
	}
	return nil
}
