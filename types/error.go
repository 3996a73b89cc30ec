package types

import "fmt"

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Validation and graph error codes
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrCycleDetected ErrorCode = "CYCLE_DETECTED"
	ErrNotFound      ErrorCode = "NOT_FOUND"
)

// Execution error codes
const (
	ErrConcurrencyLimit  ErrorCode = "CONCURRENCY_LIMIT"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrAgentExecution    ErrorCode = "AGENT_EXECUTION"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
)

// Collaboration and workflow outcome codes
const (
	ErrConsensusNotReached    ErrorCode = "CONSENSUS_NOT_REACHED"
	ErrPartialWorkflowFailure ErrorCode = "PARTIAL_WORKFLOW_FAILURE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Service   string    `json:"service,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithService sets the logical service name the error originated from.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
