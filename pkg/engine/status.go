package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the status of a pipeline execution or of one of its steps.
type ExecutionStatus string

const (
	// StatusPending indicates the execution or step is created but not yet dispatched.
	StatusPending ExecutionStatus = "pending"

	// StatusRunning indicates the execution or step is currently executing.
	StatusRunning ExecutionStatus = "running"

	// StatusSuccess indicates the execution or step completed successfully.
	StatusSuccess ExecutionStatus = "success"

	// StatusFailed indicates the execution or step failed.
	StatusFailed ExecutionStatus = "failed"

	// StatusCancelled indicates the execution or step was cancelled.
	StatusCancelled ExecutionStatus = "cancelled"

	// StatusTimeout indicates the execution or step exceeded its time budget.
	StatusTimeout ExecutionStatus = "timeout"
)

// IsTerminal returns true if the status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed ||
		s == StatusCancelled || s == StatusTimeout
}

// IsActive returns true if the execution is pending or running.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// IsFailure returns true for terminal states other than success.
func (s ExecutionStatus) IsFailure() bool {
	return s.IsTerminal() && s != StatusSuccess
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess,
		StatusFailed, StatusCancelled, StatusTimeout:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// SyncPolicy is the aggregation rule deciding when a parallel group is complete.
type SyncPolicy string

const (
	// SyncPolicyWaitAll waits for every member of the group.
	SyncPolicyWaitAll SyncPolicy = "wait_all"

	// SyncPolicyWaitAny completes the group on the first successful member.
	SyncPolicyWaitAny SyncPolicy = "wait_any"

	// SyncPolicyFailFast cancels not-yet-started members on the first failure.
	SyncPolicyFailFast SyncPolicy = "fail_fast"
)

// Validate checks if the sync policy is valid. The empty policy is valid and
// means wait_all.
func (p SyncPolicy) Validate() error {
	switch p {
	case "", SyncPolicyWaitAll, SyncPolicyWaitAny, SyncPolicyFailFast:
		return nil
	default:
		return fmt.Errorf("invalid sync policy: %s", p)
	}
}

// OrDefault returns wait_all for the empty policy.
func (p SyncPolicy) OrDefault() SyncPolicy {
	if p == "" {
		return SyncPolicyWaitAll
	}
	return p
}

// ExecutionMode selects where a pipeline runs.
type ExecutionMode string

const (
	// ModeLocal runs the steps on this host inside a workspace.
	ModeLocal ExecutionMode = "local"

	// ModeRemote drives an external CI tool.
	ModeRemote ExecutionMode = "remote"

	// ModeAuto runs remotely when a CI tool is configured, locally otherwise.
	ModeAuto ExecutionMode = "auto"
)

// Validate checks if the execution mode is valid. The empty mode means auto.
func (m ExecutionMode) Validate() error {
	switch m {
	case "", ModeLocal, ModeRemote, ModeAuto:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeExecutionStatus is emitted on every ExecutionRecord status change.
	EventTypeExecutionStatus EventType = "execution.status_changed"

	// EventTypeStepStatus is emitted on every StepExecutionRecord status change.
	EventTypeStepStatus EventType = "step.status_changed"

	// EventTypeNotification carries messages produced by notify steps.
	EventTypeNotification EventType = "notification"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}
