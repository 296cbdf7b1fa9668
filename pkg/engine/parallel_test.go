package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/workspace"
)

// scriptedExecutor returns results from a per-step script keyed by attempt.
type scriptedExecutor struct {
	mu       sync.Mutex
	calls    map[string]int
	outcomes map[string][]bool
	delay    map[string]time.Duration
	cd       map[string]string
	errs     map[string]error
	// timeouts marks steps whose own time budget runs out.
	timeouts map[string]bool
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{
		calls:    map[string]int{},
		outcomes: map[string][]bool{},
		delay:    map[string]time.Duration{},
		cd:       map[string]string{},
		errs:     map[string]error{},
		timeouts: map[string]bool{},
	}
}

func (e *scriptedExecutor) Resolve(engine.StepType) engine.StepExecutor { return e }

func (e *scriptedExecutor) Execute(ctx context.Context, step engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	e.mu.Lock()
	e.calls[step.ID]++
	n := e.calls[step.ID]
	script := e.outcomes[step.ID]
	delay := e.delay[step.ID]
	dir := e.cd[step.ID]
	err := e.errs[step.ID]
	timedOut := e.timeouts[step.ID]
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if timedOut {
		res := engine.FailedResult("step timed out")
		res.Status = engine.StatusTimeout
		return res, nil
	}
	if dir != "" {
		if _, cdErr := rc.ChangeDirectory(dir); cdErr != nil {
			return engine.FailedResult(cdErr.Error()), nil
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res := engine.FailedResult("interrupted")
			res.Status = engine.StatusCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.Status = engine.StatusTimeout
			}
			return res, nil
		}
	}

	ok := true
	if len(script) > 0 {
		ok = script[min(n, len(script))-1]
	}
	if !ok {
		return engine.FailedResult("scripted failure"), nil
	}
	return &engine.StepResult{Success: true, Output: step.ID}, nil
}

func (e *scriptedExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

// recordingObserver captures the final status reported per step.
type recordingObserver struct {
	mu       sync.Mutex
	started  map[string]int
	finished map[string]engine.ExecutionStatus
}

func newObserver() *recordingObserver {
	return &recordingObserver{started: map[string]int{}, finished: map[string]engine.ExecutionStatus{}}
}

func (o *recordingObserver) OnStepStarted(_ context.Context, step engine.StepDefinition, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started[step.ID]++
}

func (o *recordingObserver) OnStepFinished(_ context.Context, step engine.StepDefinition, _ int, res *engine.StepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[step.ID] = res.FinalStatus()
}

func newRunContext(t *testing.T) engine.RunContext {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	rc, err := m.OpenRunContext("parallel", "exec-1", nil)
	require.NoError(t, err)
	return rc
}

func seq(id string, order int) engine.StepDefinition {
	return engine.StepDefinition{ID: id, Name: id, Type: engine.StepTypeShell, Order: order}
}

func member(id string, order int, group string) engine.StepDefinition {
	s := seq(id, order)
	s.ParallelGroup = group
	return s
}

func fastRetry(n int) engine.ParallelOption {
	return engine.WithRetryPolicy(engine.RetryPolicy{MaxRetries: n, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
}

func TestGroupSteps(t *testing.T) {
	legacy := seq("c", 3)
	legacy.Parameters = map[string]interface{}{engine.ParamParallelGroup: "tests", engine.ParamSyncPolicy: "fail_fast"}

	units := engine.GroupSteps([]engine.StepDefinition{
		seq("e", 5),
		member("b", 2, "tests"),
		seq("a", 1),
		legacy,
		member("d", 4, "lint"),
	})

	require.Len(t, units, 4)
	assert.Equal(t, "a", units[0].Steps[0].ID)
	require.True(t, units[1].IsGroup())
	assert.Equal(t, "tests", units[1].Group.Key)
	assert.Equal(t, []string{"b", "c"}, units[1].Group.StepIDs)
	assert.Equal(t, engine.SyncPolicyFailFast, units[1].Group.SyncPolicy)
	assert.True(t, units[2].IsGroup())
	assert.Equal(t, engine.SyncPolicyWaitAll, units[2].Group.SyncPolicy)
	assert.False(t, units[3].IsGroup())
	assert.Equal(t, "e", units[3].Steps[0].ID)
}

func TestParallel_GroupBothSucceed(t *testing.T) {
	exec := newScripted()
	svc := engine.NewParallelExecutionService(exec)

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{
		member("a", 1, "g"), member("b", 2, "g"),
	}, newRunContext(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, engine.StatusSuccess, res.Status)
	assert.Empty(t, res.FailedSteps)
}

func TestParallel_FailureThenRetrySucceeds(t *testing.T) {
	exec := newScripted()
	exec.outcomes["b"] = []bool{false, true}
	svc := engine.NewParallelExecutionService(exec, fastRetry(1))

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{
		member("a", 1, "g"), member("b", 2, "g"),
	}, newRunContext(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailedSteps)
	assert.Equal(t, 2, exec.count("b"))
}

func TestParallel_ExplicitRetrySupersedesFailure(t *testing.T) {
	exec := newScripted()
	exec.outcomes["b"] = []bool{false, true}
	svc := engine.NewParallelExecutionService(exec)

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{
		member("a", 1, "g"), member("b", 2, "g"),
	}, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"b"}, res.FailedSteps)

	retried, err := svc.Retry(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, retried.Success)

	summary := svc.Summary()
	assert.True(t, summary.Success)
	assert.Empty(t, summary.FailedSteps)
	assert.Equal(t, engine.StatusSuccess, summary.StepStatuses["b"])

	_, err = svc.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestParallel_FailureNotRetried(t *testing.T) {
	exec := newScripted()
	exec.outcomes["b"] = []bool{false}
	obs := newObserver()
	svc := engine.NewParallelExecutionService(exec, engine.WithStepObserver(obs))

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{
		member("a", 1, "g"), member("b", 2, "g"), seq("after", 3),
	}, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, []string{"b"}, res.FailedSteps)
	assert.Equal(t, engine.StatusSuccess, res.StepStatuses["a"])
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["after"])
	assert.Equal(t, 0, exec.count("after"))
	assert.Equal(t, engine.StatusCancelled, obs.finished["after"])
}

func TestParallel_PerStepRetriesParameter(t *testing.T) {
	exec := newScripted()
	exec.outcomes["flaky"] = []bool{false, false, true}
	svc := engine.NewParallelExecutionService(exec, fastRetry(0))

	s := seq("flaky", 1).WithParameter(engine.ParamRetries, 2)
	res, err := svc.Execute(context.Background(), []engine.StepDefinition{s}, newRunContext(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, exec.count("flaky"))
}

func TestParallel_SequentialContinueOnError(t *testing.T) {
	exec := newScripted()
	exec.outcomes["lint"] = []bool{false}
	svc := engine.NewParallelExecutionService(exec)

	lint := seq("lint", 1).WithParameter(engine.ParamContinueOnError, true)
	res, err := svc.Execute(context.Background(), []engine.StepDefinition{lint, seq("build", 2)}, newRunContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, exec.count("build"), "continue_on_error must let later steps run")
	assert.False(t, res.Success, "the failure still counts")
	assert.Equal(t, []string{"lint"}, res.FailedSteps)
}

func TestParallel_FailFastCancelsSiblings(t *testing.T) {
	exec := newScripted()
	exec.outcomes["bad"] = []bool{false}
	exec.delay["slow"] = 5 * time.Second

	policy := map[string]interface{}{engine.ParamSyncPolicy: "fail_fast"}
	bad := member("bad", 1, "g")
	bad.Parameters = policy
	slow := member("slow", 2, "g")

	svc := engine.NewParallelExecutionService(exec)
	start := time.Now()
	res, err := svc.Execute(context.Background(), []engine.StepDefinition{bad, slow}, newRunContext(t))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"bad"}, res.FailedSteps)
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["slow"])
}

func TestParallel_FailFastKeepsTimedOutMember(t *testing.T) {
	exec := newScripted()
	exec.timeouts["slow"] = true

	steps := []engine.StepDefinition{member("slow", 1, "g"), member("ok", 2, "g")}
	steps[0].Parameters = map[string]interface{}{engine.ParamSyncPolicy: "fail_fast"}

	svc := engine.NewParallelExecutionService(exec, engine.WithMaxParallel(1))
	res, err := svc.Execute(context.Background(), steps, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, engine.StatusTimeout, res.Status)
	assert.Equal(t, []string{"slow"}, res.FailedSteps)
	assert.Equal(t, engine.StatusTimeout, res.StepStatuses["slow"])
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["ok"])
	assert.Zero(t, exec.count("ok"))
}

func TestParallel_FailFastSkipsUnstartedMembers(t *testing.T) {
	exec := newScripted()
	exec.outcomes["bad"] = []bool{false}

	steps := []engine.StepDefinition{member("bad", 1, "g"), member("x", 2, "g"), member("y", 3, "g")}
	steps[0].Parameters = map[string]interface{}{engine.ParamSyncPolicy: "fail_fast"}

	svc := engine.NewParallelExecutionService(exec, engine.WithMaxParallel(1))
	res, err := svc.Execute(context.Background(), steps, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, exec.count("x")+exec.count("y"))
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["x"])
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["y"])
}

func TestParallel_WaitAnyFirstSuccessWins(t *testing.T) {
	exec := newScripted()
	exec.outcomes["broken"] = []bool{false}
	exec.delay["slow"] = 5 * time.Second
	exec.cd["fast"] = "fast-dir"

	steps := []engine.StepDefinition{member("broken", 1, "mirror"), member("fast", 2, "mirror"), member("slow", 3, "mirror")}
	steps[0].Parameters = map[string]interface{}{engine.ParamSyncPolicy: "wait_any"}

	rc := newRunContext(t)
	svc := engine.NewParallelExecutionService(exec)
	res, err := svc.Execute(context.Background(), steps, rc)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailedSteps)
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["slow"])
	assert.Equal(t, filepath.Join(rc.WorkspacePath(), "fast-dir"), rc.CurrentDirectory(), "winner's directory is merged back")
}

func TestParallel_WaitAllDiscardsMemberDirectories(t *testing.T) {
	exec := newScripted()
	exec.cd["a"] = "a"
	exec.cd["b"] = "b"

	rc := newRunContext(t)
	svc := engine.NewParallelExecutionService(exec)
	_, err := svc.Execute(context.Background(), []engine.StepDefinition{member("a", 1, "g"), member("b", 2, "g")}, rc)
	require.NoError(t, err)
	assert.Equal(t, rc.WorkspacePath(), rc.CurrentDirectory())
}

func TestParallel_GroupTimeout(t *testing.T) {
	exec := newScripted()
	exec.delay["slow"] = 5 * time.Second

	slow := member("slow", 1, "g")
	slow.Parameters = map[string]interface{}{engine.ParamGroupTimeout: 1}
	fast := member("fast", 2, "g")

	svc := engine.NewParallelExecutionService(exec)
	res, err := svc.Execute(context.Background(), []engine.StepDefinition{slow, fast}, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, engine.StatusTimeout, res.Status)
	assert.Equal(t, engine.StatusTimeout, res.StepStatuses["slow"])
	assert.Equal(t, engine.StatusSuccess, res.StepStatuses["fast"])
	assert.Equal(t, []string{"slow"}, res.FailedSteps)
	require.NotNil(t, res.StepResults["slow"])
	assert.True(t, engine.IsTimeoutError(res.StepResults["slow"].Err))
}

func TestParallel_ConfigurationErrorAborts(t *testing.T) {
	exec := newScripted()
	exec.errs["fetch"] = engine.NewConfigurationError("fetch", "fetch_code step requires 'command'")

	svc := engine.NewParallelExecutionService(exec, fastRetry(3))
	res, err := svc.Execute(context.Background(), []engine.StepDefinition{seq("fetch", 1), seq("build", 2)}, newRunContext(t))
	require.Error(t, err)
	assert.True(t, engine.IsConfigurationError(err))
	assert.Equal(t, 1, exec.count("fetch"), "configuration errors are not retried")
	assert.Equal(t, 0, exec.count("build"))
	assert.Equal(t, engine.StatusFailed, res.Status)
}

func TestParallel_Cancel(t *testing.T) {
	exec := newScripted()
	exec.delay["long"] = 10 * time.Second

	svc := engine.NewParallelExecutionService(exec)
	go func() {
		time.Sleep(100 * time.Millisecond)
		svc.Cancel()
	}()

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{seq("long", 1), seq("next", 2)}, newRunContext(t))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, res.Status)
	assert.Equal(t, engine.StatusCancelled, res.StepStatuses["next"])
	assert.Equal(t, 0, exec.count("next"))
}

func TestParallel_PanicBecomesFailure(t *testing.T) {
	svc := engine.NewParallelExecutionService(resolverFunc(func(engine.StepType) engine.StepExecutor {
		return executorFunc(func(context.Context, engine.StepDefinition, engine.RunContext) (*engine.StepResult, error) {
			panic("boom")
		})
	}))

	res, err := svc.Execute(context.Background(), []engine.StepDefinition{seq("p", 1)}, newRunContext(t))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.StepResults["p"].ErrorMessage, "panicked")
	assert.True(t, engine.IsExecutionError(res.StepResults["p"].Err))
}

type resolverFunc func(engine.StepType) engine.StepExecutor

func (f resolverFunc) Resolve(t engine.StepType) engine.StepExecutor { return f(t) }

type executorFunc func(context.Context, engine.StepDefinition, engine.RunContext) (*engine.StepResult, error)

func (f executorFunc) Execute(ctx context.Context, s engine.StepDefinition, rc engine.RunContext) (*engine.StepResult, error) {
	return f(ctx, s, rc)
}
