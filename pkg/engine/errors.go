package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary CI server unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a rejected job update.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: missing step parameters, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind (configuration, execution, adapter...).
	Code string `json:"code,omitempty"`

	// Step is the step ID that caused the error, if applicable.
	Step string `json:"step,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Step != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (step=%s, operation=%s)", msg, e.Step, e.Operation)
	} else if e.Step != "" {
		msg = fmt.Sprintf("%s (step=%s)", msg, e.Step)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code match; an empty code on the
// target matches any code of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.Step = stepID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// Error codes. The first five are the domain error kinds surfaced on records.
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeExecution     = "EXECUTION_ERROR"
	ErrCodeAdapter       = "ADAPTER_ERROR"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeWorkspace     = "WORKSPACE_ERROR"

	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodePolicy      = "POLICY_DENIED"
	ErrCodeRateLimited = "RATE_LIMITED"
)

// NewConfigurationError reports missing or invalid step parameters. It is the
// only step-level error that escapes a StepExecutor, and it is raised before
// any side effect.
func NewConfigurationError(stepID, message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeConfiguration).WithStep(stepID)
}

// NewExecutionError wraps a failed command or tool call.
func NewExecutionError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeExecution)
}

// NewAdapterError reports an external CI tool rejecting a request.
func NewAdapterError(operation string, err error) *EngineError {
	return NewConflictError("ci tool rejected request", err).
		WithCode(ErrCodeAdapter).
		WithOperation(operation)
}

// NewTimeoutError reports a step, group or run exceeding its time budget.
func NewTimeoutError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeTimeout)
}

// NewWorkspaceError reports a filesystem allocation or cleanup failure.
func NewWorkspaceError(operation string, err error) *EngineError {
	return NewPermanentError("workspace operation failed", err).
		WithCode(ErrCodeWorkspace).
		WithOperation(operation)
}

// Sentinel errors returned by stores and the engine.
var (
	// ErrNotFound indicates a record was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal indicates an attempt to change the status of a record
	// that already reached a terminal status.
	ErrAlreadyTerminal = errors.New("record already in terminal status")

	// ErrNotSupported indicates the adapter does not implement an optional operation.
	ErrNotSupported = errors.New("operation not supported")
)

// hasCode reports whether err carries an EngineError with the given code.
func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConfigurationError returns true if the error is a ConfigurationError.
func IsConfigurationError(err error) bool { return hasCode(err, ErrCodeConfiguration) }

// IsExecutionError returns true if the error is an ExecutionError.
func IsExecutionError(err error) bool { return hasCode(err, ErrCodeExecution) }

// IsAdapterError returns true if the error is an AdapterError.
func IsAdapterError(err error) bool { return hasCode(err, ErrCodeAdapter) }

// IsTimeoutError returns true if the error is a TimeoutError.
func IsTimeoutError(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsWorkspaceError returns true if the error is a WorkspaceError.
func IsWorkspaceError(err error) bool { return hasCode(err, ErrCodeWorkspace) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
