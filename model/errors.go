package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// ErrOperationFailed is reported when a question workflow operation fails.
const ErrOperationFailed = "OPERATION_FAILED"

// ErrorEnvelope is the standard error response envelope returned by the BFF.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The question service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The question service did not respond in time",
	}
}

// NewOperationFailedError returns an OPERATION_FAILED error carrying the
// failure message recorded in the workflow state.
func NewOperationFailedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrOperationFailed, Message: msg}
}

// DefaultFailureMessage replaces an empty failure message so that a failed
// workflow always carries a non-empty error.
const DefaultFailureMessage = "The request could not be completed"

// OperationFailure is the single failure kind reported by question workflow
// operations. Network, validation and server failures are not distinguished.
type OperationFailure struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (f *OperationFailure) Error() string {
	return f.Op + ": " + f.Message
}

// NewOperationFailure builds an OperationFailure from an underlying error,
// using its message as the failure message.
func NewOperationFailure(op string, err error) *OperationFailure {
	msg := ""
	if err != nil {
		msg = MessageOf(err)
	}
	if msg == "" {
		msg = DefaultFailureMessage
	}
	return &OperationFailure{Op: op, Message: msg}
}

// MessageOf extracts the human-readable message of an error. For an
// ErrorEnvelope the bare message is used rather than the "CODE: msg" form.
func MessageOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Message
	}
	var of *OperationFailure
	if errors.As(err, &of) {
		return of.Message
	}
	return err.Error()
}
