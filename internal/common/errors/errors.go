// internal/common/errors/errors.go

// Package errors provides the standardized outcome taxonomy for record
// mutations. Every failure a repository surfaces is one of these codes, so
// callers can react deterministically: CONFLICT means reload and retry,
// NOT_FOUND means the record no longer exists, everything INTERNAL is an
// infrastructure fault that has already been logged.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// ErrCodeConflict is the optimistic-lock failure: the supplied lock
	// number no longer matches the stored record, or a status predicate on
	// the same conditional write did not hold. Expected and recoverable.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeNotFound means the identified record does not exist (or has
	// been soft-deleted).
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAlreadySubmitted means the record is in a terminal status and
	// accepts no further edits.
	ErrCodeAlreadySubmitted ErrorCode = "ALREADY_SUBMITTED"

	// ErrCodeCannotSubmit means submission preconditions (virus scans,
	// status) did not hold.
	ErrCodeCannotSubmit ErrorCode = "CANNOT_SUBMIT"

	// ErrCodeCannotChangeType means an update tried to change templateType.
	ErrCodeCannotChangeType ErrorCode = "CANNOT_CHANGE_TEMPLATE_TYPE"

	// ErrCodeValidationFailed means the proposed mutation itself is invalid;
	// rejected before any store call is attempted.
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// ErrCodeTemplatesNotFound means a routing config update referenced
	// templates that do not exist.
	ErrCodeTemplatesNotFound ErrorCode = "ROUTING_CONFIG_TEMPLATES_NOT_FOUND"

	// ErrCodeInternal is any backend failure: timeout, throttling,
	// malformed data. Logged with record context before being surfaced.
	ErrCodeInternal ErrorCode = "INTERNAL"

	// ErrCodeAmbiguous means an operation was cancelled with the write
	// possibly applied. Callers must re-read before retrying.
	ErrCodeAmbiguous ErrorCode = "AMBIGUOUS"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches diagnostic key/values and returns the error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// New builds a StandardError with the given code wrapping cause (may be nil).
func New(code ErrorCode, message string, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeInternal,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// NewLockFailure creates the CONFLICT outcome for a stale lock number or a
// failed status predicate on the same conditional write.
func NewLockFailure(entity string, cause error) *StandardError {
	return New(ErrCodeConflict,
		fmt.Sprintf("Lock number mismatch - %s has been modified since last read", entity),
		cause)
}

// NewNotFound creates the NOT_FOUND outcome.
func NewNotFound(entity string) *StandardError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", entity), nil)
}

// NewAlreadySubmitted creates the terminal-status outcome.
func NewAlreadySubmitted(entity, status string) *StandardError {
	return New(ErrCodeAlreadySubmitted,
		fmt.Sprintf("%s with status %s cannot be updated", entity, status),
		nil)
}

// NewValidationFailed creates the pre-store rejection outcome.
func NewValidationFailed(message string, cause error) *StandardError {
	return New(ErrCodeValidationFailed, message, cause)
}

// NewInternal creates the backend-failure outcome.
func NewInternal(message string, cause error) *StandardError {
	return New(ErrCodeInternal, message, cause)
}

// NewAmbiguous flags an outcome where the write may or may not have applied.
func NewAmbiguous(message string, cause error) *StandardError {
	return New(ErrCodeAmbiguous, message, cause)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal when err is not
// a StandardError.
func CodeOf(err error) ErrorCode {
	var std *StandardError
	if errors.As(err, &std) {
		return std.Code
	}
	return ErrCodeInternal
}

// IsLockFailure reports whether err is the CONFLICT outcome.
func IsLockFailure(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsNotFound reports whether err is the NOT_FOUND outcome.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRetryable reports whether the caller may retry without re-reading.
func IsRetryable(err error) bool {
	var std *StandardError
	if errors.As(err, &std) {
		return std.Retryable
	}
	return false
}
