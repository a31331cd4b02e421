package workflows

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors. The set is closed; codes cross the
// wire as strings and drive retry allow/deny lists.
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeInvalidPath          ErrorCode = "INVALID_PATH"
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeConditionEval        ErrorCode = "CONDITION_EVAL_ERROR"
	ErrCodeComputedField        ErrorCode = "COMPUTED_FIELD_ERROR"
	ErrCodeMaxIterations        ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeNonIterable          ErrorCode = "NON_ITERABLE"
	ErrCodeBreakOutsideLoop     ErrorCode = "BREAK_OUTSIDE_LOOP"
	ErrCodeContinueOutsideLoop  ErrorCode = "CONTINUE_OUTSIDE_LOOP"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeCancelled            ErrorCode = "CANCELLED"
	ErrCodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted       ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationFailed      ErrorCode = "OPERATION_FAILED"
)

var knownCodes = map[ErrorCode]bool{
	ErrCodeInvalidInput:        true,
	ErrCodeNotFound:            true,
	ErrCodeInvalidPath:         true,
	ErrCodeValidation:          true,
	ErrCodeConditionEval:       true,
	ErrCodeComputedField:       true,
	ErrCodeMaxIterations:       true,
	ErrCodeNonIterable:         true,
	ErrCodeBreakOutsideLoop:    true,
	ErrCodeContinueOutsideLoop: true,
	ErrCodeTimeout:             true,
	ErrCodeCancelled:           true,
	ErrCodeCircuitOpen:         true,
	ErrCodeRetryExhausted:      true,
	ErrCodeOperationFailed:     true,
}

// Known reports whether the code belongs to the closed set. Unknown strings
// arriving on the wire fall back to OPERATION_FAILED.
func (c ErrorCode) Known() bool { return knownCodes[c] }

// Error carries a classified engine error with optional step attribution and
// a structured payload for the error history.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	StepID  string                 `json:"step_id,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s at step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithStep attributes the error to a step, returning the same error for
// chaining.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithData attaches a structured payload.
func (e *Error) WithData(data map[string]interface{}) *Error {
	e.Data = data
	return e
}

// AsError extracts the classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// CodeOf classifies an arbitrary error: engine errors report their code,
// anything else is OPERATION_FAILED.
func CodeOf(err error) ErrorCode {
	if engineErr, ok := AsError(err); ok {
		return engineErr.Code
	}
	return ErrCodeOperationFailed
}

// ErrValidation indicates a definition failed validation. Callers unwrap the
// issue list from the accompanying ValidationResult.
var ErrValidation = errors.New("workflow validation failed")
