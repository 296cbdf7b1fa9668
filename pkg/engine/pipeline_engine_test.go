package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/workspace"
)

type fakeAdapter struct {
	mu         sync.Mutex
	creates    int
	triggers   int
	polls      int
	cancels    int
	statuses   []engine.ExecutionStatus
	createErr  error
	triggerErr error
	cancelErr  error
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) CreatePipeline(_ context.Context, def *engine.PipelineDefinition) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	return def.Name, a.createErr
}

func (a *fakeAdapter) TriggerPipeline(_ context.Context, def *engine.PipelineDefinition) (*engine.TriggerResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers++
	if a.triggerErr != nil {
		return nil, a.triggerErr
	}
	return &engine.TriggerResult{Success: true, ExternalID: def.Name + "#1"}, nil
}

func (a *fakeAdapter) GetStatus(context.Context, string) (*engine.RemoteStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	st := engine.StatusRunning
	if len(a.statuses) > 0 {
		st = a.statuses[min(a.polls, len(a.statuses))-1]
	}
	return &engine.RemoteStatus{Status: st, Logs: "remote log\n"}, nil
}

func (a *fakeAdapter) CancelPipeline(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return a.cancelErr
}

func (a *fakeAdapter) counts() (creates, triggers, cancels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates, a.triggers, a.cancels
}

type denyGate struct{ violations []engine.PolicyViolation }

func (g denyGate) EvaluatePipeline(context.Context, *engine.PipelineDefinition) (*engine.PolicyResult, error) {
	return &engine.PolicyResult{Allowed: len(g.violations) == 0, Violations: g.violations, Warnings: []string{"be careful"}}, nil
}

type engineFixture struct {
	store   *memStore
	exec    *scriptedExecutor
	adapter *fakeAdapter
	engine  *engine.PipelineExecutionEngine
}

func newFixture(t *testing.T, mutate func(*engine.EngineDeps, *engine.EngineConfig)) *engineFixture {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	f := &engineFixture{store: newMemStore(), exec: newScripted(), adapter: &fakeAdapter{}}
	deps := engine.EngineDeps{
		Store:      f.store,
		Source:     f.store,
		Workspaces: ws,
		Executors:  f.exec,
		Adapters:   func(engine.CIToolConfig) (engine.Adapter, error) { return f.adapter, nil },
	}
	cfg := engine.DefaultEngineConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Retry = engine.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	f.engine, err = engine.NewPipelineExecutionEngine(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.engine.Shutdown(time.Second) })
	return f
}

func (f *engineFixture) start(t *testing.T, pipelineID string) string {
	t.Helper()
	rec, err := f.engine.StartExecution(context.Background(), pipelineID)
	require.NoError(t, err)
	return rec.ID
}

func (f *engineFixture) execution(t *testing.T, id string) *engine.ExecutionRecord {
	t.Helper()
	rec, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *engineFixture) requireNoPending(t *testing.T, id string) {
	t.Helper()
	for step, st := range f.store.stepStatuses(id) {
		assert.False(t, st.IsActive(), "step %s left %s", step, st)
	}
}

func stepRec(id string, order int) engine.StepRecord {
	return engine.StepRecord{ID: id, Name: id, Type: "shell", Order: order, Parameters: map[string]interface{}{"command": "true"}}
}

func TestEngine_LocalSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", ExecutionMode: engine.ModeLocal},
		stepRec("checkout", 1), stepRec("compile", 2))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusSuccess, rec.Status)
	assert.Equal(t, engine.ModeLocal, rec.Mode)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, map[string]engine.ExecutionStatus{
		"checkout": engine.StatusSuccess,
		"compile":  engine.StatusSuccess,
	}, f.store.stepStatuses(id))

	types := f.store.eventTypes(id)
	assert.Contains(t, types, engine.EventTypeExecutionStatus)
	assert.Contains(t, types, engine.EventTypeStepStatus)

	err := f.engine.ExecutePipeline(context.Background(), id)
	assert.ErrorIs(t, err, engine.ErrAlreadyTerminal)
}

func TestEngine_LocalFailureSweepsRemainingSteps(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.outcomes["test"] = []bool{false}
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", ExecutionMode: engine.ModeLocal},
		stepRec("compile", 1), stepRec("test", 2), stepRec("publish", 3))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "test")
	assert.Equal(t, 0, f.exec.count("publish"))

	statuses := f.store.stepStatuses(id)
	assert.Equal(t, engine.StatusSuccess, statuses["compile"])
	assert.Equal(t, engine.StatusFailed, statuses["test"])
	f.requireNoPending(t, id)
}

func TestEngine_LocalTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "slow", ExecutionMode: engine.ModeLocal, TimeoutSeconds: 1},
		stepRec("slow", 1), stepRec("after", 2))
	f.exec.delay["slow"] = 5 * time.Second

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusTimeout, rec.Status)
	f.requireNoPending(t, id)
}

func TestEngine_CancelLocal(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.delay["slow"] = 5 * time.Second
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "slow", ExecutionMode: engine.ModeLocal},
		stepRec("slow", 1), stepRec("after", 2))

	id := f.start(t, "p")
	done := make(chan error, 1)
	go func() { done <- f.engine.ExecutePipeline(context.Background(), id) }()

	require.Eventually(t, func() bool { return f.exec.count("slow") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.engine.CancelExecution(context.Background(), id))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}

	assert.Equal(t, engine.StatusCancelled, f.execution(t, id).Status)
	assert.Equal(t, 0, f.exec.count("after"))
	f.requireNoPending(t, id)
}

func TestEngine_CancelBeforeDispatch(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build"}, stepRec("a", 1))

	id := f.start(t, "p")
	require.NoError(t, f.engine.CancelExecution(context.Background(), id))
	assert.Equal(t, engine.StatusCancelled, f.execution(t, id).Status)

	err := f.engine.ExecutePipeline(context.Background(), id)
	assert.ErrorIs(t, err, engine.ErrAlreadyTerminal)
	assert.Equal(t, 0, f.exec.count("a"))

	err = f.engine.CancelExecution(context.Background(), id)
	assert.ErrorIs(t, err, engine.ErrAlreadyTerminal)
}

func TestEngine_ConfigurationErrorFailsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.errs["a"] = engine.NewConfigurationError("a", "missing command")
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", ExecutionMode: engine.ModeLocal},
		stepRec("a", 1), stepRec("b", 2))

	id := f.start(t, "p")
	err := f.engine.ExecutePipeline(context.Background(), id)
	assert.True(t, engine.IsConfigurationError(err))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "missing command")
	f.requireNoPending(t, id)
}

func TestEngine_PolicyDenied(t *testing.T) {
	f := newFixture(t, func(d *engine.EngineDeps, _ *engine.EngineConfig) {
		d.Policy = denyGate{violations: []engine.PolicyViolation{
			{Policy: "no_latest", Message: "image tag latest is not allowed", Severity: "error", StepID: "a"},
		}}
	})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", ExecutionMode: engine.ModeLocal}, stepRec("a", 1))

	id := f.start(t, "p")
	require.Error(t, f.engine.ExecutePipeline(context.Background(), id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "image tag latest is not allowed")
	assert.Equal(t, 0, f.exec.count("a"))
	assert.Contains(t, f.store.eventTypes(id), engine.EventTypeWarning)
}

func TestEngine_RemoteCreatesAndTriggersOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.statuses = []engine.ExecutionStatus{engine.StatusRunning, engine.StatusRunning, engine.StatusSuccess}
	f.store.addTool(engine.CIToolConfig{Name: "ci", Type: "jenkins", BaseURL: "http://ci"})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "ci"},
		stepRec("a", 1), stepRec("b", 2))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Monitors().Wait(ctx, id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusSuccess, rec.Status)
	assert.Equal(t, engine.ModeRemote, rec.Mode)
	assert.Equal(t, "build#1", rec.ExternalID)
	assert.Contains(t, rec.Logs, "remote log")

	creates, triggers, _ := f.adapter.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, triggers)
	assert.Equal(t, 0, f.exec.count("a"), "remote runs do not execute steps locally")

	assert.Equal(t, map[string]engine.ExecutionStatus{
		"a": engine.StatusSuccess,
		"b": engine.StatusSuccess,
	}, f.store.stepStatuses(id))
}

func TestEngine_RemoteTriggerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.triggerErr = errors.New("job is disabled")
	f.store.addTool(engine.CIToolConfig{Name: "ci", Type: "jenkins", BaseURL: "http://ci"})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "ci", ExecutionMode: engine.ModeRemote}, stepRec("a", 1))

	id := f.start(t, "p")
	err := f.engine.ExecutePipeline(context.Background(), id)
	assert.True(t, engine.IsAdapterError(err))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "job is disabled")

	creates, triggers, _ := f.adapter.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, triggers)
	f.requireNoPending(t, id)
}

func TestEngine_RemoteTimeout(t *testing.T) {
	f := newFixture(t, func(_ *engine.EngineDeps, cfg *engine.EngineConfig) {
		cfg.RemoteTimeout = 50 * time.Millisecond
	})
	f.store.addTool(engine.CIToolConfig{Name: "ci", Type: "jenkins", BaseURL: "http://ci"})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "ci"}, stepRec("a", 1))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Monitors().Wait(ctx, id))

	assert.Equal(t, engine.StatusTimeout, f.execution(t, id).Status)
	_, _, cancels := f.adapter.counts()
	assert.Equal(t, 1, cancels)
	f.requireNoPending(t, id)
}

func TestEngine_CancelRemote(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.cancelErr = engine.ErrNotSupported
	f.store.addTool(engine.CIToolConfig{Name: "ci", Type: "jenkins", BaseURL: "http://ci"})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "ci"}, stepRec("a", 1))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))
	require.NoError(t, f.engine.CancelExecution(context.Background(), id))

	assert.Equal(t, engine.StatusCancelled, f.execution(t, id).Status)
	_, _, cancels := f.adapter.counts()
	assert.Equal(t, 1, cancels)
	f.requireNoPending(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Monitors().Wait(ctx, id))
	assert.Empty(t, f.engine.Monitors().Active())
}

func TestEngine_MonitorStopsWhenCancelledElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addTool(engine.CIToolConfig{Name: "ci", Type: "jenkins", BaseURL: "http://ci"})
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "ci"}, stepRec("a", 1))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	// A second engine sharing the store does not own the monitor.
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	other, err := engine.NewPipelineExecutionEngine(engine.EngineDeps{
		Store:      f.store,
		Source:     f.store,
		Workspaces: ws,
		Executors:  f.exec,
		Adapters:   func(engine.CIToolConfig) (engine.Adapter, error) { return f.adapter, nil },
	}, engine.DefaultEngineConfig())
	require.NoError(t, err)
	require.NoError(t, other.CancelExecution(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Monitors().Wait(ctx, id))

	assert.Equal(t, engine.StatusCancelled, f.execution(t, id).Status)
	_, _, cancels := f.adapter.counts()
	assert.Equal(t, 0, cancels)
	f.requireNoPending(t, id)
}

func TestEngine_AutoModeWithoutToolRunsLocally(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", Tool: "unknown"}, stepRec("a", 1))

	id := f.start(t, "p")
	require.NoError(t, f.engine.ExecutePipeline(context.Background(), id))

	rec := f.execution(t, id)
	assert.Equal(t, engine.StatusSuccess, rec.Status)
	assert.Equal(t, engine.ModeLocal, rec.Mode)
	assert.Equal(t, 1, f.exec.count("a"))
	creates, _, _ := f.adapter.counts()
	assert.Zero(t, creates)
}

func TestEngine_RemoteModeRequiresTool(t *testing.T) {
	f := newFixture(t, nil)
	f.store.addPipeline(engine.PipelineRecord{ID: "p", Name: "build", ExecutionMode: engine.ModeRemote}, stepRec("a", 1))

	id := f.start(t, "p")
	err := f.engine.ExecutePipeline(context.Background(), id)
	assert.True(t, engine.IsConfigurationError(err))
	assert.Equal(t, engine.StatusFailed, f.execution(t, id).Status)
}
