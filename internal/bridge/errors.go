package bridge

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed bridge call
type ErrorCode string

const (
	// CodeNotFound indicates no capability is registered under the name
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeHandlerError indicates the capability returned an error or panicked
	CodeHandlerError ErrorCode = "HANDLER_ERROR"

	// CodeBadRequest indicates a malformed envelope or arguments
	CodeBadRequest ErrorCode = "BAD_REQUEST"

	// CodeTimeout indicates the call was not resolved before the pending timeout
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnavailable indicates no renderer is attached or it went away
	CodeUnavailable ErrorCode = "UNAVAILABLE"
)

var (
	// ErrNotFound matches any NOT_FOUND CallError via errors.Is
	ErrNotFound = &CallError{Code: CodeNotFound}
	// ErrHandler matches any HANDLER_ERROR CallError via errors.Is
	ErrHandler = &CallError{Code: CodeHandlerError}
	// ErrTimeout matches any TIMEOUT CallError via errors.Is
	ErrTimeout = &CallError{Code: CodeTimeout}
	// ErrUnavailable matches any UNAVAILABLE CallError via errors.Is
	ErrUnavailable = &CallError{Code: CodeUnavailable}

	// ErrAlreadyResolved is returned when a correlation id is settled twice
	ErrAlreadyResolved = errors.New("bridge call already resolved")
	// ErrDuplicateName is returned when a capability name is registered twice
	ErrDuplicateName = errors.New("capability already registered")
	// ErrSealed is returned when registering after startup
	ErrSealed = errors.New("capability registry is sealed")
	// ErrTooManyPending is returned when the pending-call table is full
	ErrTooManyPending = errors.New("too many pending bridge calls")
)

// CallError is the structured failure delivered to the caller of a bridge call
type CallError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface
func (e *CallError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the code-only sentinels above
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewCallError creates a CallError
func NewCallError(code ErrorCode, message string) *CallError {
	return &CallError{Code: code, Message: message}
}

// NotFound reports an unregistered capability
func NotFound(name string) *CallError {
	return &CallError{Code: CodeNotFound, Message: fmt.Sprintf("capability %q is not registered", name)}
}

// HandlerError wraps a handler failure. A CallError is passed through as-is.
func HandlerError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Code: CodeHandlerError, Message: err.Error()}
}

// BadRequest reports malformed input
func BadRequest(format string, args ...any) *CallError {
	return &CallError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// asCallError converts any error to the wire form
func asCallError(err error) *CallError {
	if err == nil {
		return nil
	}
	return HandlerError(err)
}
