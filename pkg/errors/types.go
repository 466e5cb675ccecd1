// Package errors provides structured, code-tagged errors used across the
// caseval services. Codes let the API layer map failures to HTTP statuses
// and let the orchestrator distinguish per-case failures from run-fatal ones.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Configuration / validation errors (fatal to a start attempt).
	ErrCodeConfigInvalid      ErrorCode = "CONFIG_INVALID"
	ErrCodeConcurrencyInvalid ErrorCode = "CONCURRENCY_INVALID"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"

	// Per-case errors (recovered locally, recorded on the result).
	ErrCodeRenderFailed  ErrorCode = "RENDER_FAILED"
	ErrCodeModelAPIError ErrorCode = "MODEL_API_ERROR"
	ErrCodeModelTimeout  ErrorCode = "MODEL_TIMEOUT"

	// Per-evaluator errors (folded into the evaluator log entry).
	ErrCodeEvaluatorFailed ErrorCode = "EVALUATOR_FAILED"

	// Run-level errors.
	ErrCodeRunAborted ErrorCode = "RUN_ABORTED"

	// Storage errors.
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is a code-tagged error with optional context key/values.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
}

// New creates a new structured error.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with caseval error context. Returns nil for
// a nil error.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds a context key-value pair to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error carries a specific error code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(*Error)
	if !ok {
		return false
	}
	return ce.Code == code
}

// GetCode extracts the error code from an error. Untyped errors report
// ErrCodeInternal.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	ce, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}
	return ce.Code
}
