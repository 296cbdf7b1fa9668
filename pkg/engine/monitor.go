package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MonitorFunc is the body of a background monitor. It must return when ctx
// is cancelled.
type MonitorFunc func(ctx context.Context)

type monitorTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitors tracks background tasks keyed by execution id. At most one task
// runs per execution.
type Monitors struct {
	mu     sync.Mutex
	tasks  map[string]*monitorTask
	closed bool
}

// NewMonitors creates an empty task set.
func NewMonitors() *Monitors {
	return &Monitors{tasks: make(map[string]*monitorTask)}
}

// Start launches fn for executionID. The task context is detached from
// parent's cancellation but keeps its values.
func (m *Monitors) Start(parent context.Context, executionID string, fn MonitorFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("monitors are shut down")
	}
	if _, exists := m.tasks[executionID]; exists {
		return fmt.Errorf("monitor for execution %s already running", executionID)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	task := &monitorTask{cancel: cancel, done: make(chan struct{})}
	m.tasks[executionID] = task

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			if m.tasks[executionID] == task {
				delete(m.tasks, executionID)
			}
			m.mu.Unlock()
			close(task.done)
		}()
		fn(ctx)
	}()
	return nil
}

// Cancel stops the task of executionID and reports whether one was running.
// It does not wait for the task to return.
func (m *Monitors) Cancel(executionID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[executionID]
	m.mu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

// Wait blocks until the task of executionID returns or ctx is done.
func (m *Monitors) Wait(ctx context.Context, executionID string) error {
	m.mu.Lock()
	task, ok := m.tasks[executionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the execution ids with a running task, sorted.
func (m *Monitors) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every task and waits up to timeout for them to return.
func (m *Monitors) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*monitorTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	deadline := time.After(timeout)
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-deadline:
			return
		}
	}
}
