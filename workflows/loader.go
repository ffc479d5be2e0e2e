// Package workflows bundles the built-in workflow definitions and loads
// them by name, with an optional on-disk override directory.
package workflows

import (
	"embed"
	"os"
	"path/filepath"
	"sync"

	"github.com/maestrohq/maestro/pkg/errors"
	"github.com/maestrohq/maestro/pkg/workflow"
)

//go:embed *.yaml
var builtin embed.FS

// Names of the bundled workflows.
const (
	TaskFlow              = "task-flow"
	ReviewFailureHandling = "review-failure-handling"
)

// Loader resolves workflow names to parsed definitions. A definition
// file named <name>.yaml in the override directory shadows the bundled
// one of the same name.
type Loader struct {
	overrideDir string

	mu    sync.Mutex
	cache map[string]*workflow.Definition
}

// NewLoader creates a loader. overrideDir may be empty.
func NewLoader(overrideDir string) *Loader {
	return &Loader{
		overrideDir: overrideDir,
		cache:       make(map[string]*workflow.Definition),
	}
}

// Load implements workflow.Loader.
func (l *Loader) Load(name string) (*workflow.Definition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if def, ok := l.cache[name]; ok {
		return def, nil
	}

	data, err := l.read(name)
	if err != nil {
		return nil, err
	}
	def, err := workflow.Load(data)
	if err != nil {
		return nil, errors.Wrapf(err, "loading workflow %s", name)
	}
	if def.Name != name {
		return nil, &errors.ConfigError{
			Key:    name + ".yaml",
			Reason: "definition name " + def.Name + " does not match file name",
		}
	}
	l.cache[name] = def
	return def, nil
}

func (l *Loader) read(name string) ([]byte, error) {
	if l.overrideDir != "" {
		path := filepath.Join(l.overrideDir, name+".yaml")
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
	}
	data, err := builtin.ReadFile(name + ".yaml")
	if err != nil {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return data, nil
}
