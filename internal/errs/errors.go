// Package errs provides the unified error type used across all of tenantdb.
//
// Every subsystem (catalog, migrate, provision, drivers, …) wraps its native
// errors into *errs.Error before returning them to callers. Callers use the
// Is* predicates to decide whether a failure aborts the run, is recorded as
// a skipped result, or is only reported.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindTimeout, "query timed out", pgErr)
//
//	// In the orchestrator, check the error kind:
//	if errs.IsSchemaMismatch(err) {
//	    result.Skipped = true
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing subsystem-specific codes.
type ErrKind int

const (
	ErrKindUnknown            ErrKind = iota
	ErrKindNotFound                   // source table, city record, object
	ErrKindConnectionFailed           // cannot reach the backend
	ErrKindTimeout                    // context deadline / cancellation
	ErrKindQueryFailed                // SQL or storage operation error
	ErrKindInvalidInput               // bad arguments from the caller
	ErrKindPermissionDenied           // access denied / auth failure
	ErrKindConfiguration              // missing connection string or credentials
	ErrKindSchemaMismatch             // target table missing for a data copy
	ErrKindConstraintDeferred         // FK references a table absent from the target
	ErrKindTransaction                // failure inside a batch-copy transaction
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindSchemaMismatch:
		return "schema_mismatch"
	case ErrKindConstraintDeferred:
		return "constraint_deferred"
	case ErrKindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all tenantdb subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Annotate adds context to err while keeping the kind of the innermost
// *Error in its chain. A nil err stays nil.
func Annotate(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Message: msg, Cause: err}
}

// --- Predicates ---

// IsNotFound reports whether err represents a "not found" result.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsQueryFailed reports whether err is a backend operation failure.
func IsQueryFailed(err error) bool {
	return KindOf(err) == ErrKindQueryFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == ErrKindPermissionDenied
}

// IsConfiguration reports whether err is a missing or invalid setting.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrKindConfiguration
}

// IsSchemaMismatch reports whether err means the target lacks a table
// the caller expected.
func IsSchemaMismatch(err error) bool {
	return KindOf(err) == ErrKindSchemaMismatch
}

// IsConstraintDeferred reports whether err is a skipped foreign key.
func IsConstraintDeferred(err error) bool {
	return KindOf(err) == ErrKindConstraintDeferred
}

// IsTransaction reports whether err happened inside a copy transaction.
func IsTransaction(err error) bool {
	return KindOf(err) == ErrKindTransaction
}

// KindOf extracts the ErrKind of the first *Error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
