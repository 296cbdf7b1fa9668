package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Handle identifies the workspace of one execution.
type Handle struct {
	ExecutionID string
	Path        string
}

// DirectoryState is the current working directory of a run.
type DirectoryState struct {
	mu  sync.RWMutex
	dir string
}

// Get returns the current directory.
func (d *DirectoryState) Get() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dir
}

// Set replaces the current directory.
func (d *DirectoryState) Set(dir string) {
	d.mu.Lock()
	d.dir = dir
	d.mu.Unlock()
}

// ExecutionContext is the per-run handle given to step executors.
//
// Sequential steps share one DirectoryState. Parallel group members run on
// forks: each fork starts from a snapshot of the directory at group entry and
// its changes stay local unless the parent merges it back.
type ExecutionContext struct {
	manager *Manager
	handle  Handle
	env     map[string]string
	logger  *telemetry.Logger
	state   *DirectoryState
}

var _ engine.RunContext = (*ExecutionContext)(nil)

// NewExecutionContext creates a context whose current directory is the
// workspace root.
func NewExecutionContext(manager *Manager, handle Handle, env map[string]string) *ExecutionContext {
	logger := telemetry.NewNopLogger()
	if manager != nil && manager.logger != nil {
		logger = manager.logger
	}
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	return &ExecutionContext{
		manager: manager,
		handle:  handle,
		env:     envCopy,
		logger:  logger.WithExecutionID(handle.ExecutionID),
		state:   &DirectoryState{dir: filepath.Clean(handle.Path)},
	}
}

// ExecutionID returns the execution id.
func (c *ExecutionContext) ExecutionID() string { return c.handle.ExecutionID }

// WorkspacePath returns the workspace root.
func (c *ExecutionContext) WorkspacePath() string { return c.handle.Path }

// CurrentDirectory returns the current working directory.
func (c *ExecutionContext) CurrentDirectory() string { return c.state.Get() }

// Environment returns a copy of the pipeline environment.
func (c *ExecutionContext) Environment() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// Logger returns the run logger.
func (c *ExecutionContext) Logger() *telemetry.Logger { return c.logger }

// ResolvePath resolves rel against the current directory. Absolute paths are
// returned cleaned.
func (c *ExecutionContext) ResolvePath(rel string) string {
	if rel == "" {
		return c.CurrentDirectory()
	}
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(c.CurrentDirectory(), rel)
}

func (c *ExecutionContext) within(path string) bool {
	root := filepath.Clean(c.handle.Path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// SetCurrentDirectory makes path current. It must be inside the workspace.
func (c *ExecutionContext) SetCurrentDirectory(path string) error {
	resolved := c.ResolvePath(path)
	if !c.within(resolved) {
		return engine.NewWorkspaceError("set_current_directory",
			fmt.Errorf("%s is outside workspace %s", resolved, c.handle.Path))
	}
	c.state.Set(resolved)
	return nil
}

// ChangeDirectory resolves path against the current directory, creates it
// when missing and makes it current.
func (c *ExecutionContext) ChangeDirectory(path string) (string, error) {
	resolved := c.ResolvePath(path)
	if !c.within(resolved) {
		return "", engine.NewWorkspaceError("change_directory",
			fmt.Errorf("%s is outside workspace %s", resolved, c.handle.Path))
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", engine.NewWorkspaceError("change_directory", err)
	}
	c.state.Set(resolved)
	c.logger.WithField("dir", resolved).Debug("changed directory")
	return resolved, nil
}

// Fork returns a child with its own DirectoryState seeded from the current
// directory.
func (c *ExecutionContext) Fork() engine.RunContext {
	return &ExecutionContext{
		manager: c.manager,
		handle:  c.handle,
		env:     c.env,
		logger:  c.logger,
		state:   &DirectoryState{dir: c.CurrentDirectory()},
	}
}

// MergeFrom adopts the current directory of a forked child.
func (c *ExecutionContext) MergeFrom(child engine.RunContext) error {
	if child == nil {
		return nil
	}
	if child.ExecutionID() != c.ExecutionID() {
		return engine.NewWorkspaceError("merge",
			fmt.Errorf("cannot merge context of execution %s into %s", child.ExecutionID(), c.ExecutionID()))
	}
	return c.SetCurrentDirectory(child.CurrentDirectory())
}

// Cleanup delegates to the manager's preserve policy.
func (c *ExecutionContext) Cleanup(force bool) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.CleanupWorkspace(c.handle.ExecutionID, force)
}
