// Package errors provides structured error types for distwatch.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the library, CLI and status API
//   - Machine-readable error codes for programmatic handling
//   - Error wrapping with context preservation
//
// # Error Codes
//
// Resolution failures (CHANNEL_NOT_FOUND, NO_ELIGIBLE_VERSION,
// NO_STABLE_FALLBACK), FETCH_FAILED and INSTALL_FAILED are recoverable: the
// poller reports them and retries on its next tick. INVALID_VERSION aborts a
// single dependency install. FALLBACK_RESOLUTION is returned to a caller of
// the watcher only after both the live result and the local fallback failed.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeChannelNotFound, "no %s tag for %s", tag, name)
//	if errors.Is(err, errors.ErrCodeChannelNotFound) {
//	    // Handle missing dist-tag
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeInstall, origErr, "install %s@%s", name, version)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInvalidPackage Code = "INVALID_PACKAGE"
	ErrCodeInvalidPath    Code = "INVALID_PATH"
	ErrCodeInvalidTag     Code = "INVALID_TAG"
	ErrCodeInvalidVersion Code = "INVALID_VERSION"

	// Version resolution errors
	ErrCodeChannelNotFound   Code = "CHANNEL_NOT_FOUND"
	ErrCodeNoEligibleVersion Code = "NO_ELIGIBLE_VERSION"
	ErrCodeNoStableFallback  Code = "NO_STABLE_FALLBACK"

	// Registry and disk errors
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeFetch              Code = "FETCH_FAILED"
	ErrCodeInstall            Code = "INSTALL_FAILED"
	ErrCodeFallbackResolution Code = "FALLBACK_RESOLUTION"
	ErrCodeLockTimeout        Code = "LOCK_TIMEOUT"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
	ErrCodeStopped  Code = "STOPPED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether any *Error in err's chain carries the given code.
// Joined errors are searched as well, so a FALLBACK_RESOLUTION error still
// reports the code of the live failure it carries.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if Is(inner, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Recoverable reports whether err is one the poller retries on its next
// scheduled attempt.
func Recoverable(err error) bool {
	switch GetCode(err) {
	case ErrCodeChannelNotFound, ErrCodeNoEligibleVersion, ErrCodeNoStableFallback,
		ErrCodeFetch, ErrCodeInstall, ErrCodeNotFound, ErrCodeLockTimeout:
		return true
	}
	return false
}
