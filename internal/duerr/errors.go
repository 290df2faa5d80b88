// Package duerr classifies session-sync failures so callers can route them:
// read failures degrade to stale data, write failures surface with a code the
// UI can turn into a retry affordance.
package duerr

import (
	"errors"
	"fmt"
)

// Code is the failure classification.
type Code string

const (
	CodeVersionMismatch  Code = "VERSION_MISMATCH"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeSyncFailed       Code = "SYNC_FAILED"
	CodeOffline          Code = "OFFLINE"
	CodeCacheCorrupted   Code = "CACHE_CORRUPTED"
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

// Error is a classified session-sync error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error. A nil cause returns
// nil so call sites can wrap unconditionally.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification if one exists.
	var inner *Error
	if errors.As(err, &inner) {
		code = inner.Code
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the classification from err, defaulting to SYNC_FAILED for
// unclassified failures. Returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSyncFailed
}

// HasCode reports whether err carries the given classification.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError extracts the classified error, wrapping unclassified ones as
// SYNC_FAILED. Returns nil for nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeSyncFailed, Message: err.Error(), Err: err}
}
