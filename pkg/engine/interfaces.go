package engine

import (
	"context"
	"time"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// RunContext is the per-run handle passed to every step: the workspace plus
// the run's current directory.
type RunContext interface {
	// ExecutionID returns the execution this context belongs to.
	ExecutionID() string

	// WorkspacePath returns the absolute workspace root.
	WorkspacePath() string

	// CurrentDirectory returns the current working directory.
	CurrentDirectory() string

	// SetCurrentDirectory sets the current directory. The path must stay
	// inside the workspace.
	SetCurrentDirectory(path string) error

	// ChangeDirectory resolves a relative or absolute path against the
	// current directory, creates it if missing and makes it current.
	ChangeDirectory(path string) (string, error)

	// ResolvePath resolves a path against the current directory.
	ResolvePath(rel string) string

	// Environment returns the pipeline environment.
	Environment() map[string]string

	// Logger returns the run-scoped logger.
	Logger() *telemetry.Logger

	// Fork returns a child context holding a snapshot of the current
	// directory. Changes made in the child stay local until merged.
	Fork() RunContext

	// MergeFrom adopts the current directory of a forked child.
	MergeFrom(child RunContext) error

	// Cleanup releases the workspace, honoring the preserve policy.
	Cleanup(force bool) error
}

// RunContextFactory allocates a RunContext for an execution.
type RunContextFactory interface {
	OpenRunContext(pipelineName, executionID string, env map[string]string) (RunContext, error)
}

// StepExecutor runs one step inside a run context.
//
// Expected command failures are reported through StepResult.Success. The
// returned error is non-nil only for configuration errors, raised before any
// side effect.
type StepExecutor interface {
	Execute(ctx context.Context, step StepDefinition, rc RunContext) (*StepResult, error)
}

// StepResolver maps a step type to its executor. Unknown types resolve to a
// default handler and never fail.
type StepResolver interface {
	Resolve(stepType StepType) StepExecutor
}

// StepObserver receives step lifecycle notifications from the parallel service.
type StepObserver interface {
	OnStepStarted(ctx context.Context, step StepDefinition, attempt int)
	OnStepFinished(ctx context.Context, step StepDefinition, attempt int, result *StepResult)
}

// Adapter drives an external CI tool.
type Adapter interface {
	// Name returns the adapter name.
	Name() string

	// CreatePipeline creates or updates the external job for the definition
	// and returns the external job name.
	CreatePipeline(ctx context.Context, def *PipelineDefinition) (string, error)

	// TriggerPipeline starts a build of a job created by CreatePipeline.
	TriggerPipeline(ctx context.Context, def *PipelineDefinition) (*TriggerResult, error)

	// GetStatus polls the external run.
	GetStatus(ctx context.Context, externalID string) (*RemoteStatus, error)

	// CancelPipeline stops the external run. Adapters without support
	// return ErrNotSupported.
	CancelPipeline(ctx context.Context, externalID string) error
}

// AdapterFactory builds an adapter from a CI tool configuration.
type AdapterFactory func(cfg CIToolConfig) (Adapter, error)

// PipelineRecord is a stored pipeline row.
type PipelineRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Environment    map[string]string `json:"environment,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	ExecutionMode  ExecutionMode     `json:"execution_mode,omitempty"`
	Tool           string            `json:"tool,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StepRecord is a stored step row. The parallel group may live in the
// ParallelGroup column or, for legacy rows, in Parameters["parallel_group"].
type StepRecord struct {
	ID             string                 `json:"id"`
	PipelineID     string                 `json:"pipeline_id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Order          int                    `json:"order"`
	ParallelGroup  string                 `json:"parallel_group,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// PipelineSource supplies pipelines and their steps.
type PipelineSource interface {
	GetPipeline(ctx context.Context, pipelineID string) (*PipelineRecord, error)
	ListPipelineSteps(ctx context.Context, pipelineID string) ([]StepRecord, error)
	GetCITool(ctx context.Context, name string) (*CIToolConfig, error)
}

// RecordStore persists execution and step execution records.
type RecordStore interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)

	// UpdateExecutionStatus moves an execution to a new status. Returns
	// ErrAlreadyTerminal when the record is already terminal.
	UpdateExecutionStatus(ctx context.Context, executionID string, status ExecutionStatus, errorMessage string) error

	SetExecutionMode(ctx context.Context, executionID string, mode ExecutionMode) error
	SetExternalID(ctx context.Context, executionID, externalID string) error
	AppendExecutionLogs(ctx context.Context, executionID, logs string) error

	CreateStepExecution(ctx context.Context, rec *StepExecutionRecord) error
	UpdateStepExecution(ctx context.Context, rec *StepExecutionRecord) error
	ListStepExecutions(ctx context.Context, executionID string) ([]StepExecutionRecord, error)

	// SweepStepExecutions sets every step record of the execution whose
	// status is in from to the given status and returns the count.
	SweepStepExecutions(ctx context.Context, executionID string, from []ExecutionStatus, to ExecutionStatus, message string) (int, error)

	AppendEvent(ctx context.Context, event *Event) error
}

// EventPublisher publishes status change events to external listeners.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PolicyGate evaluates a pipeline before dispatch.
type PolicyGate interface {
	EvaluatePipeline(ctx context.Context, def *PipelineDefinition) (*PolicyResult, error)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the operation is allowed.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning).
	Severity string `json:"severity"`

	// StepID is the step that violated the policy, if applicable.
	StepID string `json:"step_id,omitempty"`
}
