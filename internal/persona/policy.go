package persona

import (
	"path/filepath"
	"strings"

	"github.com/maestrohq/maestro/pkg/errors"
)

// languageByExtension maps file extensions to the language names used
// in project language policies.
var languageByExtension = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".swift": "swift",
	".scala": "scala",
	".ex":    "elixir",
	".exs":   "elixir",
	".sh":    "shell",
	".bash":  "shell",
}

// LanguageOf returns the policy language for a file path, or "" when
// the extension is not a policed language (configs, docs, data files).
func LanguageOf(path string) string {
	return languageByExtension[strings.ToLower(filepath.Ext(path))]
}

// CheckLanguagePolicy verifies that every changed source file is written
// in one of the allowed languages. An empty allow list disables the
// check. Files whose extension maps to no policed language always pass.
func CheckLanguagePolicy(allowed []string, changedFiles []string) error {
	if len(allowed) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(allowed))
	for _, lang := range allowed {
		allow[strings.ToLower(lang)] = true
	}

	var offending []string
	for _, file := range changedFiles {
		lang := LanguageOf(file)
		if lang == "" || allow[lang] {
			continue
		}
		offending = append(offending, file+" ("+lang+")")
	}
	if len(offending) == 0 {
		return nil
	}
	return &errors.PolicyViolationError{
		Policy: "language_policy",
		Detail: "files outside the allowed languages: " + strings.Join(offending, ", "),
	}
}
