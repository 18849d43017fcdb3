package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so callers can branch without string matching.
type Kind string

// Error kinds.
const (
	// KindValidation marks malformed input: unknown feature, bad reason,
	// non-positive amount.
	KindValidation Kind = "validation"
	// KindInsufficientBalance marks a debit that would drive a pool negative.
	// No mutation is performed.
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindConflict marks a duplicate natural-key operation or an
	// authorization in the wrong state for the requested transition.
	KindConflict Kind = "conflict"
	// KindNotFound marks an unknown authorization or resource.
	KindNotFound Kind = "not_found"
	// KindServer marks a storage or internal failure.
	KindServer Kind = "server_error"
)

// Error is the structured error type returned by every core operation.
type Error struct {
	Kind    Kind           // Machine-readable classification.
	Message string         // Human-readable summary.
	Details map[string]any // Structured context (required/available amounts, state, timestamps).
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Detail returns one detail value, or nil when absent.
func (e *Error) Detail(key string) any {
	if e == nil || e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// NewValidation builds a validation error.
func NewValidation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewInsufficientBalance builds an insufficient-balance error carrying the
// required and available amounts.
func NewInsufficientBalance(required, available int64) *Error {
	return &Error{
		Kind:    KindInsufficientBalance,
		Message: "insufficient balance",
		Details: map[string]any{
			"required":  required,
			"available": available,
		},
	}
}

// NewConflict builds a conflict error with optional details.
func NewConflict(message string, details map[string]any) *Error {
	return &Error{Kind: KindConflict, Message: message, Details: details}
}

// NewNotFound builds a not-found error.
func NewNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewServer wraps a storage or internal failure.
func NewServer(message string, cause error) *Error {
	return &Error{Kind: KindServer, Message: message, cause: cause}
}

// KindOf extracts the error kind, defaulting to KindServer for plain errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if le, ok := AsError(err); ok {
		return le.Kind
	}
	return KindServer
}

// AsError returns the structured error when err wraps one.
func AsError(err error) (*Error, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
