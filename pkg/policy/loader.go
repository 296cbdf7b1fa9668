package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files and JSON policy or bundle files.
type Loader struct {
	logger *telemetry.Logger

	mu    sync.RWMutex
	cache map[string][]Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		logger: logger.NewComponentLogger("policy-loader"),
		cache:  make(map[string][]Policy),
	}
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.WithField("total", len(all)).WithField("sources", len(paths)).Debug("policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(path)
	}
	return l.loadFromFile(path)
}

// loadFromDirectory walks dirPath. Files that fail to parse are skipped with
// a warning so one broken file does not hide the rest.
func (l *Loader) loadFromDirectory(dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to load policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(filePath string) ([]Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[filePath]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policies = []Policy{parseRegoFile(filePath, data)}
	case strings.HasSuffix(filePath, ".json"):
		policies, err = parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policies
	l.mu.Unlock()

	l.logger.WithField("path", filePath).WithField("policies", len(policies)).Debug("policy file loaded")
	return policies, nil
}

// parseRegoFile names the policy after the file. Leading comments become the
// description; a "# severity: <level>" comment sets the default severity.
func parseRegoFile(filePath string, data []byte) Policy {
	content := string(data)
	description, severity := parseHeader(content)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: description,
		Rego:        content,
		Severity:    ParseSeverity(severity, SeverityWarning),
		Enabled:     true,
		Source:      filePath,
	}
}

func parseHeader(content string) (description, severity string) {
	var desc strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && (desc.Len() > 0 || severity != "") {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = strings.TrimSpace(v)
			continue
		}
		if comment == "" {
			continue
		}
		if desc.Len() > 0 {
			desc.WriteString(" ")
		}
		desc.WriteString(comment)
	}
	return desc.String(), severity
}

// jsonPolicy mirrors Policy with an optional enabled flag; policies are
// enabled unless they say otherwise.
type jsonPolicy struct {
	Policy
	Enabled *bool `json:"enabled"`
}

func (jp jsonPolicy) resolve(source string) Policy {
	p := jp.Policy
	p.Enabled = jp.Enabled == nil || *jp.Enabled
	p.Severity = ParseSeverity(string(p.Severity), SeverityWarning)
	p.Source = source
	p.Builtin = false
	return p
}

// parseJSONFile accepts a single policy object or a bundle with a policies
// array.
func parseJSONFile(filePath string, data []byte) ([]Policy, error) {
	var bundle struct {
		Name     string       `json:"name"`
		Version  string       `json:"version"`
		Policies []jsonPolicy `json:"policies"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if bundle.Policies != nil {
		policies := make([]Policy, 0, len(bundle.Policies))
		for _, jp := range bundle.Policies {
			if jp.Name == "" || jp.Rego == "" {
				return nil, fmt.Errorf("bundle %s: policy without name or rego", bundle.Name)
			}
			policies = append(policies, jp.resolve(filePath))
		}
		return policies, nil
	}

	var jp jsonPolicy
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if jp.Name == "" || jp.Rego == "" {
		return nil, fmt.Errorf("policy file %s needs name and rego", filePath)
	}
	return []Policy{jp.resolve(filePath)}, nil
}

// Watch watches paths and calls reloadFn with the freshly loaded policies
// after changes settle. It returns once the watcher is running.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("failed to watch path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.WithField("paths", len(paths)).Info("watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("policy file changed")
			l.Invalidate(event.Name)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.WithError(err).Error("failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Warn("policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.WithField("count", len(policies)).Info("policies reloaded")
	return nil
}

// Invalidate drops one file from the cache.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string][]Policy)
	l.mu.Unlock()
}
