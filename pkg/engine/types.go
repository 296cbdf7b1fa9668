package engine

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// StepType identifies which executor handles a step.
// Unknown values are preserved verbatim and resolve to the default handler.
type StepType string

const (
	StepTypeFetchCode    StepType = "fetch_code"
	StepTypeBuild        StepType = "build"
	StepTypeTest         StepType = "test"
	StepTypeSecurityScan StepType = "security_scan"
	StepTypeDeploy       StepType = "deploy"
	StepTypeAnsible      StepType = "ansible"
	StepTypeDockerBuild  StepType = "docker_build"
	StepTypeDockerPush   StepType = "docker_push"
	StepTypeDockerPull   StepType = "docker_pull"
	StepTypeDockerRun    StepType = "docker_run"
	StepTypeK8sDeploy    StepType = "k8s_deploy"
	StepTypeNotify       StepType = "notify"
	StepTypeShell        StepType = "shell"
	StepTypeScript       StepType = "script"
	StepTypeCustom       StepType = "custom"
)

// KnownStepTypes lists every built-in step type.
var KnownStepTypes = []StepType{
	StepTypeFetchCode, StepTypeBuild, StepTypeTest, StepTypeSecurityScan,
	StepTypeDeploy, StepTypeAnsible, StepTypeDockerBuild, StepTypeDockerPush,
	StepTypeDockerPull, StepTypeDockerRun, StepTypeK8sDeploy, StepTypeNotify,
	StepTypeShell, StepTypeScript, StepTypeCustom,
}

// IsKnown reports whether the type has a dedicated built-in handler.
func (t StepType) IsKnown() bool {
	for _, k := range KnownStepTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Well-known step parameter keys.
const (
	ParamCommand          = "command"
	ParamParallelGroup    = "parallel_group"
	ParamSyncPolicy       = "sync_policy"
	ParamGroupTimeout     = "timeout_seconds"
	ParamRetries          = "retries"
	ParamContinueOnError  = "continue_on_error"
	ParamEnv              = "env"
	ParamWorkingDirectory = "working_directory"
)

// PipelineDefinition is the canonical form of a pipeline consumed by the local
// executor and by every CI adapter.
type PipelineDefinition struct {
	// ID is the pipeline identifier.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable pipeline name, also used for workspace and job names.
	Name string `json:"name" validate:"required"`

	// Steps is the ordered list of steps.
	Steps []StepDefinition `json:"steps" validate:"dive"`

	// Environment is merged into every step's process environment.
	Environment map[string]string `json:"environment,omitempty"`

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`

	// ExecutionMode selects local or remote execution.
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`

	// Tool is the name of the configured CI tool, empty for none.
	Tool string `json:"tool,omitempty"`
}

// StepDefinition is the single canonical step representation.
type StepDefinition struct {
	ID         string                 `json:"id" validate:"required"`
	Name       string                 `json:"name" validate:"required"`
	Type       StepType               `json:"type" validate:"required"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Order      int                    `json:"order"`

	// ParallelGroup is the group key; empty for sequential steps.
	ParallelGroup string `json:"parallel_group,omitempty"`

	// Timeout bounds a single attempt of the step. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (s StepDefinition) StringParam(key string) string {
	v, ok := s.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int, int64, float64, bool:
		return fmt.Sprint(t)
	}
	return ""
}

// IntParam returns an integer parameter, or def when absent or malformed.
func (s StepDefinition) IntParam(key string, def int) int {
	v, ok := s.Parameters[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// BoolParam returns a boolean parameter, or false when absent.
func (s StepDefinition) BoolParam(key string) bool {
	v, ok := s.Parameters[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// StringMapParam returns a map parameter with stringified values.
func (s StepDefinition) StringMapParam(key string) map[string]string {
	out := make(map[string]string)
	switch t := s.Parameters[key].(type) {
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	case map[string]interface{}:
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// GroupKey returns the parallel group key, reading the legacy
// parameters["parallel_group"] form when the field is empty.
func (s StepDefinition) GroupKey() string {
	if s.ParallelGroup != "" {
		return s.ParallelGroup
	}
	return s.StringParam(ParamParallelGroup)
}

// WithParameter returns a copy of the step with one parameter set. The
// original parameter map is left untouched.
func (s StepDefinition) WithParameter(key string, value interface{}) StepDefinition {
	params := make(map[string]interface{}, len(s.Parameters)+1)
	for k, v := range s.Parameters {
		params[k] = v
	}
	params[key] = value
	s.Parameters = params
	return s
}

// SortSteps orders steps by Order, keeping the input order for ties.
func SortSteps(steps []StepDefinition) []StepDefinition {
	out := make([]StepDefinition, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ParallelGroup describes steps sharing a group key.
type ParallelGroup struct {
	Key        string        `json:"key"`
	StepIDs    []string      `json:"step_ids"`
	SyncPolicy SyncPolicy    `json:"sync_policy"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// ExecutionRecord is the persisted state machine of one pipeline run.
type ExecutionRecord struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`

	// PipelineID references the pipeline being executed.
	PipelineID string `json:"pipeline_id"`

	// PipelineName is denormalized for listing.
	PipelineName string `json:"pipeline_name,omitempty"`

	// Status is the current status.
	Status ExecutionStatus `json:"status"`

	// Mode is the resolved execution mode (local or remote).
	Mode ExecutionMode `json:"mode,omitempty"`

	// ExternalID is the remote job reference, set for remote runs only.
	ExternalID string `json:"external_id,omitempty"`

	// StartedAt is when the run was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the run reached its terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Logs accumulates run-level log output.
	Logs string `json:"logs,omitempty"`

	// ErrorMessage is the user-visible failure reason.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepExecutionRecord tracks one step of one run.
type StepExecutionRecord struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	StepID       string          `json:"step_id"`
	StepName     string          `json:"step_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Logs         string          `json:"logs,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// Attempt counts executions of this step within the run, starting at 1.
	Attempt int `json:"attempt"`
}

// StepResult is the outcome of executing a single step.
type StepResult struct {
	Success      bool                   `json:"success"`
	Output       string                 `json:"output"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`

	// Status is set by executors for timeouts and cancellation. When empty
	// it is derived from Success.
	Status ExecutionStatus `json:"status,omitempty"`

	// Err classifies an unsuccessful result when the cause is known, for
	// example a TimeoutError. It is not persisted.
	Err error `json:"-"`

	Duration time.Duration `json:"duration"`
}

// FinalStatus returns the result's status, deriving it from Success when unset.
func (r *StepResult) FinalStatus() ExecutionStatus {
	if r == nil {
		return StatusFailed
	}
	if r.Status != "" {
		return r.Status
	}
	if r.Success {
		return StatusSuccess
	}
	return StatusFailed
}

// FailedResult builds an unsuccessful result with the given message.
func FailedResult(msg string) *StepResult {
	return &StepResult{Success: false, ErrorMessage: msg, Status: StatusFailed}
}

// TriggerResult is returned by Adapter.TriggerPipeline.
type TriggerResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id"`
	Message    string `json:"message,omitempty"`
}

// RemoteStatus is a poll result from the external CI tool.
type RemoteStatus struct {
	Status ExecutionStatus `json:"status"`
	Logs   string          `json:"logs,omitempty"`
	URL    string          `json:"url,omitempty"`
}

// Event is a timeline entry persisted next to an execution.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// CIToolConfig is the connection configuration of an external CI tool.
type CIToolConfig struct {
	Name     string `json:"name" mapstructure:"name" validate:"required"`
	Type     string `json:"type" mapstructure:"type" validate:"required,oneof=jenkins"`
	BaseURL  string `json:"base_url" mapstructure:"base_url" validate:"required,url"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Token    string `json:"-" mapstructure:"token"`

	// RemediationAttempts bounds delete-then-recreate on rejected updates.
	RemediationAttempts int `json:"remediation_attempts,omitempty" mapstructure:"remediation_attempts" validate:"gte=0"`
}
