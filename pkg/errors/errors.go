// Package errors provides structured error types for depdb.
//
// Every failure that can happen while processing a single index artifact is
// expressed as an [*Error] whose [Code] is stored verbatim in the error
// record written to the result store. The codes therefore form the on-disk
// failure taxonomy and must stay stable across releases.
//
// # Error Codes
//
// Artifact-level codes (recorded, never fatal to a crawl session):
//   - FETCH_NETWORK, FETCH_HASH_MISMATCH: download failures
//   - MALFORMED_ARTIFACT, UNSUPPORTED_FORMAT: archive or metadata problems
//   - TIMEOUT, BUILD_SCRIPT_ERROR, NO_BUILD_SCRIPT, UNSUPPORTED_ENCODING:
//     sdist probe outcomes
//
// Session-level codes (abort the crawl):
//   - SNAPSHOT: the index snapshot could not be read
//   - STORE: the result store could not be opened or written
//   - LOCKED: another session holds the crawl lock for the kind
//
// # Usage
//
//	err := errors.New(errors.ErrCodeMalformedArtifact, "no METADATA in %s", name)
//	if errors.Is(err, errors.ErrCodeMalformedArtifact) {
//	    // Handle malformed archive
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeFetchNetwork, origErr, "download %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Artifact failure codes. These values are persisted in error records.
const (
	ErrCodeFetchNetwork        Code = "FETCH_NETWORK"
	ErrCodeFetchHashMismatch   Code = "FETCH_HASH_MISMATCH"
	ErrCodeMalformedArtifact   Code = "MALFORMED_ARTIFACT"
	ErrCodeUnsupportedFormat   Code = "UNSUPPORTED_FORMAT"
	ErrCodeTimeout             Code = "TIMEOUT"
	ErrCodeBuildScriptError    Code = "BUILD_SCRIPT_ERROR"
	ErrCodeNoBuildScript       Code = "NO_BUILD_SCRIPT"
	ErrCodeUnsupportedEncoding Code = "UNSUPPORTED_ENCODING"
)

// Ambient error codes.
const (
	// Input validation errors
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInvalidPackage Code = "INVALID_PACKAGE"
	ErrCodeInvalidPath    Code = "INVALID_PATH"

	// Resource not found errors
	ErrCodeNotFound Code = "NOT_FOUND"

	// Session-fatal errors
	ErrCodeSnapshot Code = "SNAPSHOT"
	ErrCodeStore    Code = "STORE"
	ErrCodeLocked   Code = "LOCKED"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// ArtifactCodes lists every code that may appear in an error record.
var ArtifactCodes = []Code{
	ErrCodeFetchNetwork,
	ErrCodeFetchHashMismatch,
	ErrCodeMalformedArtifact,
	ErrCodeUnsupportedFormat,
	ErrCodeTimeout,
	ErrCodeBuildScriptError,
	ErrCodeNoBuildScript,
	ErrCodeUnsupportedEncoding,
}

// IsArtifactFailure reports whether code describes a failure local to one
// artifact. Such failures are recorded and the crawl continues.
func IsArtifactFailure(code Code) bool {
	for _, c := range ArtifactCodes {
		if c == code {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must abort the crawl session.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case ErrCodeSnapshot, ErrCodeStore, ErrCodeLocked:
		return true
	}
	return false
}

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

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
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
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}
