// Package errors provides the error taxonomy shared by the sync engine.
//
// Every failure that crosses a component boundary (remote delivery, queue
// storage, realtime decoding, entity validation) is expressed as a
// *SyncError so callers can branch on its Type instead of matching strings.
// The classification drives the queue's retry policy:
//
//   - TRANSIENT / UNAVAILABLE: retried with backoff up to the retry ceiling
//   - PERMANENT: retried like any other delivery error, then dropped
//   - MALFORMED: dropped immediately without retry
//   - STORAGE: logged; reads degrade to an empty queue, writes never surface
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// ERROR TYPES AND CODES
// ============================================================================

// ErrorType defines the category of an error for handling decisions.
type ErrorType string

const (
	ErrorTypeTransient   ErrorType = "TRANSIENT"
	ErrorTypePermanent   ErrorType = "PERMANENT"
	ErrorTypeStorage     ErrorType = "STORAGE"
	ErrorTypeMalformed   ErrorType = "MALFORMED"
	ErrorTypeValidation  ErrorType = "VALIDATION"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeConflict    ErrorType = "CONFLICT"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
)

// ErrorCode is a specific, programmatically checkable error code.
type ErrorCode string

const (
	CodeDeliveryFailed      ErrorCode = "DELIVERY_FAILED"
	CodeRetriesExhausted    ErrorCode = "RETRIES_EXHAUSTED"
	CodeUnknownCollection   ErrorCode = "UNKNOWN_COLLECTION"
	CodeUnknownKind         ErrorCode = "UNKNOWN_KIND"
	CodeMissingID           ErrorCode = "MISSING_ID"
	CodeStorageRead         ErrorCode = "STORAGE_READ"
	CodeStorageWrite        ErrorCode = "STORAGE_WRITE"
	CodeMalformedSnapshot   ErrorCode = "MALFORMED_SNAPSHOT"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeNodeNotFound        ErrorCode = "NODE_NOT_FOUND"
	CodeLinkNotFound        ErrorCode = "LINK_NOT_FOUND"
	CodeCrossWorkspaceLink  ErrorCode = "CROSS_WORKSPACE_LINK"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeRemoteError         ErrorCode = "REMOTE_ERROR"
	CodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	CodeNoActiveWorkspace   ErrorCode = "NO_ACTIVE_WORKSPACE"
	CodeIdentityUnavailable ErrorCode = "IDENTITY_UNAVAILABLE"
)

// ============================================================================
// SYNC ERROR
// ============================================================================

// SyncError is the single error type used across the sync engine.
type SyncError struct {
	Type      ErrorType `json:"type"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Operation string    `json:"operation,omitempty"` // the operation that failed
	Resource  string    `json:"resource,omitempty"`  // collection or entity id
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (%s)", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// WithOperation returns a copy annotated with the failing operation.
func (e *SyncError) WithOperation(op string) *SyncError {
	c := *e
	c.Operation = op
	return &c
}

// WithResource returns a copy annotated with the affected resource.
func (e *SyncError) WithResource(resource string) *SyncError {
	c := *e
	c.Resource = resource
	return &c
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// New creates a SyncError with retryability derived from its type.
func New(t ErrorType, code ErrorCode, message string) *SyncError {
	return &SyncError{
		Type:      t,
		Code:      code,
		Message:   message,
		Retryable: t == ErrorTypeTransient || t == ErrorTypeUnavailable || t == ErrorTypePermanent,
	}
}

// Wrap creates a SyncError around an underlying cause.
func Wrap(cause error, t ErrorType, code ErrorCode, message string) *SyncError {
	e := New(t, code, message)
	e.Cause = cause
	return e
}

// NewTransient reports a network or server failure worth retrying.
func NewTransient(message string, cause error) *SyncError {
	return Wrap(cause, ErrorTypeTransient, CodeDeliveryFailed, message)
}

// NewMalformed reports an operation that can never succeed.
func NewMalformed(code ErrorCode, message string) *SyncError {
	return New(ErrorTypeMalformed, code, message)
}

// NewStorage reports a queue persistence failure.
func NewStorage(code ErrorCode, message string, cause error) *SyncError {
	return Wrap(cause, ErrorTypeStorage, code, message)
}

// NewValidation reports invalid caller input.
func NewValidation(message string, cause error) *SyncError {
	return Wrap(cause, ErrorTypeValidation, CodeValidationFailed, message)
}

// NewNotFound reports a missing entity.
func NewNotFound(code ErrorCode, resource string) *SyncError {
	e := New(ErrorTypeNotFound, code, "entity not found")
	e.Resource = resource
	return e
}

// NewConflict reports a state conflict such as an illegal state transition.
func NewConflict(code ErrorCode, message string) *SyncError {
	return New(ErrorTypeConflict, code, message)
}

// NewUnavailable reports a dependency that is temporarily unusable.
func NewUnavailable(code ErrorCode, message string, cause error) *SyncError {
	return Wrap(cause, ErrorTypeUnavailable, code, message)
}

// ============================================================================
// CLASSIFICATION HELPERS
// ============================================================================

// TypeOf returns the ErrorType of err, or "" when err is not a SyncError.
func TypeOf(err error) ErrorType {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}

// CodeOf returns the ErrorCode of err, or "" when err is not a SyncError.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsMalformed reports whether err must be dropped without retry.
func IsMalformed(err error) bool {
	return TypeOf(err) == ErrorTypeMalformed
}

// IsRetryable reports whether the queue should retry after err.
// Errors that are not SyncErrors are retried: the delivery layer cannot
// tell a transient fault from a logical one.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// IsNotFound reports whether err is a NOT_FOUND SyncError.
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsValidation reports whether err is a VALIDATION SyncError.
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}
