package errors

import (
	"fmt"
)

// ErrorCode represents a specific error type for negotiation engine operations.
type ErrorCode string

const (
	// ErrCodeInvalidState indicates an operation attempted on a terminal session.
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	// ErrCodeRoundLimit indicates the session reached its round limit and expired.
	ErrCodeRoundLimit ErrorCode = "ROUND_LIMIT"
	// ErrCodeSessionNotFound indicates the requested session does not exist.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeProvider indicates the LLM provider returned an error.
	ErrCodeProvider ErrorCode = "PROVIDER_ERROR"
	// ErrCodeTimeout indicates the LLM call timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeConcurrentModification indicates a rejected concurrent turn submission.
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	// ErrCodeEngine indicates an internal failure the fallback path could not absorb.
	ErrCodeEngine ErrorCode = "ENGINE_ERROR"
)

// EngineError represents a structured error for negotiation operations.
type EngineError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *EngineError) GetCode() ErrorCode {
	return e.Code
}

// Convenience constructors for common error types.

// InvalidState creates an invalid state error.
func InvalidState(msg string) *EngineError {
	return &EngineError{Code: ErrCodeInvalidState, Message: msg}
}

// RoundLimit creates a round limit error.
func RoundLimit(msg string) *EngineError {
	return &EngineError{Code: ErrCodeRoundLimit, Message: msg}
}

// SessionNotFound creates a session not found error.
func SessionNotFound(sessionID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session not found: %s", sessionID),
	}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *EngineError {
	return &EngineError{Code: ErrCodeInvalidArgument, Message: msg}
}

// Provider creates a provider error.
func Provider(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeProvider, Message: msg, Cause: cause}
}

// Timeout creates a timeout error.
func Timeout(msg string) *EngineError {
	return &EngineError{Code: ErrCodeTimeout, Message: msg}
}

// ConcurrentModification creates a concurrent modification error.
func ConcurrentModification(sessionID string) *EngineError {
	return &EngineError{
		Code:    ErrCodeConcurrentModification,
		Message: fmt.Sprintf("another turn is in flight for session %s", sessionID),
	}
}

// Engine creates an internal engine error.
func Engine(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeEngine, Message: msg, Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	if engErr, ok := err.(*EngineError); ok {
		return engErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not an EngineError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	if engErr, ok := err.(*EngineError); ok {
		return engErr.Code
	}
	return defaultCode
}
