package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and escalation logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates bad topology or settings.
	// Never retried; the configuration must be fixed.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransient indicates a dependency that is not ready yet.
	// Examples: subscription not yet confirmed, credential propagation delay.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// An "already exists" conflict during account creation counts as success.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassConstruction indicates the stage graph builder could not
	// resolve a dependency while building a plan.
	ErrorClassConstruction ErrorClass = "construction"

	// ErrorClassExecution indicates any run-time task failure not covered above.
	ErrorClassExecution ErrorClass = "execution"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the task, account or stage that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
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
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewTransientDependencyError creates a new retryable dependency error.
func NewTransientDependencyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Code:    ErrCodeNotReady,
		Err:     err,
	}
}

// NewResourceConflictError creates a new conflict error.
func NewResourceConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewAlreadyExistsError creates a conflict error for a resource that already exists.
func NewAlreadyExistsError(message string, err error) *EngineError {
	return NewResourceConflictError(message, err).WithCode(ErrCodeAlreadyExists)
}

// NewConstructionError creates a new plan construction error.
func NewConstructionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConstruction,
		Message: message,
		Code:    ErrCodeUnresolved,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassExecution,
		Message: message,
		Code:    ErrCodeTaskFailed,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain.
// Unclassified errors are reported as execution errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassExecution
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsConstruction returns true if the error was raised while building a plan.
func IsConstruction(err error) bool {
	return hasClass(err, ErrorClassConstruction)
}

// IsExecution returns true if the error is classified as an execution error.
func IsExecution(err error) bool {
	return hasClass(err, ErrorClassExecution)
}

// IsAlreadyExists returns true for conflicts caused by an existing resource.
func IsAlreadyExists(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict && e.Code == ErrCodeAlreadyExists
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only transient dependency errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeNotReady      = "NOT_READY"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnresolved    = "UNRESOLVED_DEPENDENCY"
	ErrCodeUnexecuted    = "UNEXECUTED_STAGE"
	ErrCodeTaskFailed    = "TASK_FAILED"
	ErrCodeUnsupported   = "UNSUPPORTED"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeCancelled     = "CANCELLED"
)
