// Package workspace allocates isolated per-execution directories and tracks
// the current working directory of a run.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

const (
	// maxNameLength caps each sanitized component of a workspace directory name.
	maxNameLength = 64

	// markerFile records the raw execution id inside a workspace.
	markerFile = ".conveyor-execution"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sanitize maps a name to a filesystem-safe directory component.
func Sanitize(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, "._-")
	if len(s) > maxNameLength {
		s = strings.TrimRight(s[:maxNameLength], "._-")
	}
	if s == "" {
		return "pipeline"
	}
	return s
}

// PreservedWorkspace describes a workspace left on disk.
type PreservedWorkspace struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ModTime     time.Time `json:"mod_time"`
	SizeBytes   int64     `json:"size_bytes"`
}

// Manager allocates workspaces under a root directory. Workspaces are
// preserved after a run unless cleanup is forced.
type Manager struct {
	root    string
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// mu guards paths and locks.
	mu    sync.Mutex
	paths map[string]string
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l.NewComponentLogger("workspace") }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager rooted at root. The root is created lazily.
func NewManager(root string, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, engine.NewWorkspaceError("resolve_root", err)
	}
	m := &Manager{
		root:   abs,
		logger: telemetry.NewNopLogger(),
		paths:  make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// lockFor returns the allocation lock of one execution id.
func (m *Manager) lockFor(executionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[executionID] = l
	}
	return l
}

// CreateWorkspace returns the workspace directory of an execution, creating
// it when missing. Repeated calls for the same id return the same path and
// never remove existing content.
func (m *Manager) CreateWorkspace(pipelineName, executionID string) (string, error) {
	if executionID == "" {
		return "", engine.NewWorkspaceError("create", errors.New("execution id is required"))
	}

	l := m.lockFor(executionID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	existing, ok := m.paths[executionID]
	m.mu.Unlock()
	if ok {
		if err := os.MkdirAll(existing, 0o755); err != nil {
			return "", engine.NewWorkspaceError("create", err)
		}
		return existing, nil
	}

	path, err := m.resolvePath(pipelineName, executionID)
	if err != nil {
		return "", err
	}

	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, fs.ErrNotExist)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", engine.NewWorkspaceError("create", err)
	}
	if fresh {
		if err := os.WriteFile(filepath.Join(path, markerFile), []byte(executionID), 0o644); err != nil {
			return "", engine.NewWorkspaceError("create", err)
		}
		m.metrics.RecordWorkspaceAllocated()
		m.logger.WithExecutionID(executionID).WithField("path", path).Debug("workspace allocated")
	}

	m.mu.Lock()
	m.paths[executionID] = path
	m.mu.Unlock()
	return path, nil
}

// resolvePath picks the directory for an execution. A directory already
// claimed by a different raw id gets a short hash suffix of this id.
func (m *Manager) resolvePath(pipelineName, executionID string) (string, error) {
	base := filepath.Join(m.root, Sanitize(pipelineName)+"-"+Sanitize(executionID))
	owner, err := readMarker(base)
	switch {
	case err == nil && owner != executionID:
		sum := sha256.Sum256([]byte(executionID))
		return base + "-" + hex.EncodeToString(sum[:])[:8], nil
	case err == nil, errors.Is(err, fs.ErrNotExist):
		return base, nil
	default:
		return "", engine.NewWorkspaceError("create", err)
	}
}

func readMarker(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WorkspacePath returns the workspace of an execution allocated by this
// manager, or by a previous process when the marker file is found.
func (m *Manager) WorkspacePath(executionID string) (string, bool) {
	m.mu.Lock()
	p, ok := m.paths[executionID]
	m.mu.Unlock()
	if ok {
		return p, true
	}

	workspaces, err := m.ListPreservedWorkspaces()
	if err != nil {
		return "", false
	}
	for _, ws := range workspaces {
		if ws.ExecutionID == executionID {
			return ws.Path, true
		}
	}
	return "", false
}

// CleanupWorkspace removes an execution's workspace. Without force it only
// logs that the workspace is preserved.
func (m *Manager) CleanupWorkspace(executionID string, force bool) error {
	logger := m.logger.WithExecutionID(executionID)
	if force {
		// Held across lookup and removal so a concurrent CreateWorkspace for
		// the same id either finishes first or allocates afresh afterwards.
		l := m.lockFor(executionID)
		l.Lock()
		defer l.Unlock()
	}

	path, ok := m.WorkspacePath(executionID)
	if !ok {
		logger.Debug("no workspace to clean up")
		return nil
	}
	if !force {
		logger.WithField("path", path).Debug("workspace preserved")
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		logger.WithError(err).Error("workspace cleanup failed")
		return engine.NewWorkspaceError("cleanup", err)
	}

	m.mu.Lock()
	delete(m.paths, executionID)
	m.mu.Unlock()

	logger.WithField("path", path).Info("workspace removed")
	return nil
}

// ListPreservedWorkspaces lists the workspaces under the root, newest first.
func (m *Manager) ListPreservedWorkspaces() ([]PreservedWorkspace, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, engine.NewWorkspaceError("list", err)
	}

	var out []PreservedWorkspace
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		ws := PreservedWorkspace{
			Name:    e.Name(),
			Path:    path,
			ModTime: info.ModTime(),
		}
		if id, err := readMarker(path); err == nil {
			ws.ExecutionID = id
		}
		ws.SizeBytes = dirSize(path)
		out = append(out, ws)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// PruneOlderThan force-removes workspaces not modified within age and returns
// the number removed.
func (m *Manager) PruneOlderThan(age time.Duration) (int, error) {
	workspaces, err := m.ListPreservedWorkspaces()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, ws := range workspaces {
		if ws.ModTime.After(cutoff) {
			continue
		}
		ok, err := m.pruneOne(ws, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	m.logger.WithField("removed", removed).Info("workspaces pruned")
	return removed, nil
}

// pruneOne removes ws under its execution lock. The age is checked again once
// the lock is held.
func (m *Manager) pruneOne(ws PreservedWorkspace, cutoff time.Time) (bool, error) {
	if ws.ExecutionID != "" {
		l := m.lockFor(ws.ExecutionID)
		l.Lock()
		defer l.Unlock()
	}

	info, err := os.Stat(ws.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, engine.NewWorkspaceError("prune", err)
	case info.ModTime().After(cutoff):
		return false, nil
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		return false, engine.NewWorkspaceError("prune", fmt.Errorf("%s: %w", ws.Path, err))
	}
	if ws.ExecutionID != "" {
		m.mu.Lock()
		delete(m.paths, ws.ExecutionID)
		m.mu.Unlock()
	}
	return true, nil
}

func dirSize(root string) int64 {
	var size int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

// OpenRunContext allocates the workspace and returns a run context rooted at it.
func (m *Manager) OpenRunContext(pipelineName, executionID string, env map[string]string) (engine.RunContext, error) {
	path, err := m.CreateWorkspace(pipelineName, executionID)
	if err != nil {
		return nil, err
	}
	return NewExecutionContext(m, Handle{ExecutionID: executionID, Path: path}, env), nil
}
