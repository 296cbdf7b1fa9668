package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func TestEngineError_Message(t *testing.T) {
	err := engine.NewTimeoutError("step timed out after 1s", context.DeadlineExceeded).WithStep("build")
	assert.Equal(t, "[transient] step timed out after 1s (step=build): context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cfg := engine.NewConfigurationError("fetch", "fetch_code step requires 'command'")
	assert.Equal(t, "[permanent] fetch_code step requires 'command' (step=fetch)", cfg.Error())
}

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		timeout   bool
	}{
		{"timeout", engine.NewTimeoutError("slow", nil), true, true},
		{"throttled", engine.NewThrottledError("429", nil), true, false},
		{"adapter", engine.NewAdapterError("create", errors.New("exists")), true, false},
		{"configuration", engine.NewConfigurationError("s", "bad"), false, false},
		{"execution", engine.NewExecutionError("exit 1", nil), false, false},
		{"wrapped timeout", errors.Join(errors.New("run"), engine.NewTimeoutError("slow", nil)), true, true},
		{"plain", errors.New("plain"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, engine.IsRetryable(tt.err))
			assert.Equal(t, tt.timeout, engine.IsTimeoutError(tt.err))
		})
	}
}

func TestEngineError_Is(t *testing.T) {
	err := engine.NewWorkspaceError("create", errors.New("disk full"))
	assert.ErrorIs(t, err, &engine.EngineError{Class: engine.ErrorClassPermanent})
	assert.ErrorIs(t, err, &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeWorkspace})
	assert.NotErrorIs(t, err, &engine.EngineError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodeExecution})
	assert.NotErrorIs(t, err, &engine.EngineError{Class: engine.ErrorClassTransient})
}
