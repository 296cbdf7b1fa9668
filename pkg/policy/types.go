package policy

import (
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the pipeline.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// ParseSeverity converts a string to a Severity, falling back to def for
// unknown values.
func ParseSeverity(s string, def Severity) Severity {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s)
	}
	return def
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Pipeline PipelineInput `json:"pipeline"`
	Context  Context       `json:"context"`
}

// PipelineInput is the pipeline as seen by Rego. Durations are whole seconds.
type PipelineInput struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	ExecutionMode  string            `json:"execution_mode,omitempty"`
	Tool           string            `json:"tool,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Environment    map[string]string `json:"environment,omitempty"`
	Steps          []StepInput       `json:"steps"`
}

// StepInput is one step as seen by Rego.
type StepInput struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Order          int                    `json:"order"`
	ParallelGroup  string                 `json:"parallel_group,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

// Context provides evaluation context.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewInput builds the policy input for a pipeline definition.
func NewInput(def *engine.PipelineDefinition, operation string) *Input {
	in := &Input{
		Pipeline: PipelineInput{
			ID:             def.ID,
			Name:           def.Name,
			ExecutionMode:  string(def.ExecutionMode),
			Tool:           def.Tool,
			TimeoutSeconds: int(def.Timeout / time.Second),
			Environment:    def.Environment,
			Steps:          make([]StepInput, 0, len(def.Steps)),
		},
		Context: Context{
			Timestamp: time.Now().UTC(),
			Operation: operation,
		},
	}
	for _, s := range def.Steps {
		in.Pipeline.Steps = append(in.Pipeline.Steps, StepInput{
			ID:             s.ID,
			Name:           s.Name,
			Type:           string(s.Type),
			Parameters:     s.Parameters,
			Order:          s.Order,
			ParallelGroup:  s.ParallelGroup,
			TimeoutSeconds: int(s.Timeout / time.Second),
		})
	}
	return in
}
