package steps

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/workspace"
)

func newRunContext(t *testing.T) engine.RunContext {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	rc, err := m.OpenRunContext("steps-test", "exec-1", map[string]string{"PIPELINE_ENV": "ci"})
	require.NoError(t, err)
	return rc
}

// fakeProvider records calls and returns a canned result.
type fakeProvider struct {
	name   string
	result *ProviderResult
	err    error

	mu    sync.Mutex
	calls []ProviderParams
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Execute(_ context.Context, params ProviderParams, _ engine.RunContext) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, params)
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return &ProviderResult{Success: true, Output: "ok\n"}, nil
}

func (p *fakeProvider) lastCall(t *testing.T) ProviderParams {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls, "provider was not called")
	return p.calls[len(p.calls)-1]
}

// fakeRunner records requests without starting processes.
type fakeRunner struct {
	result *CommandResult

	mu       sync.Mutex
	requests []CommandRequest
}

func (r *fakeRunner) Run(_ context.Context, req CommandRequest) (*CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.result != nil {
		return r.result, nil
	}
	return &CommandResult{}, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func step(id string, t engine.StepType, params map[string]interface{}) engine.StepDefinition {
	return engine.StepDefinition{ID: id, Name: id, Type: t, Parameters: params}
}
