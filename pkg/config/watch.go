package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

const defaultReloadDelay = 300 * time.Millisecond

// PipelineHandler receives a reloaded pipeline file, or the error that
// prevented loading it.
type PipelineHandler func(ctx context.Context, path string, pf *PipelineFile, err error)

// Watcher reloads pipeline files from a directory when they change.
type Watcher struct {
	dir     string
	logger  *telemetry.Logger
	delay   time.Duration
	handler PipelineHandler

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher for dir. Changes to one file within delay are
// coalesced into a single reload.
func NewWatcher(dir string, handler PipelineHandler, logger *telemetry.Logger, delay time.Duration) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if delay <= 0 {
		delay = defaultReloadDelay
	}
	return &Watcher{
		dir:     dir,
		logger:  logger.NewComponentLogger("pipeline-watcher"),
		delay:   delay,
		handler: handler,
		timers:  make(map[string]*time.Timer),
	}
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.WithField("dir", w.dir).Info("watching pipeline directory")

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !IsPipelineFile(event.Name) {
				continue
			}
			w.schedule(ctx, filepath.Clean(event.Name))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		pf, err := LoadPipelineFile(path)
		if err != nil {
			w.logger.WithError(err).WithField("file", path).Warn("pipeline reload failed")
		} else {
			w.logger.WithField("file", path).WithField("pipeline_id", pf.ID).Info("pipeline reloaded")
		}
		w.handler(ctx, path, pf, err)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
