// pkg/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors. Callers dispatch on the code, not
// the message.
type ErrorCode int

const (
	CodeInvalidKey ErrorCode = iota
	CodeNotFound
	CodeWrongType
	CodeConflict
	CodeVersionConflict
	CodeConstraintViolation
	CodeInvalidInput
	CodeHistoryTrimmed
	CodeTransactionNotActive
	CodeStorage
	CodeSerialization
	CodeCorruption
	CodeInternal
)

// String returns the code name
func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidKey:
		return "InvalidKey"
	case CodeNotFound:
		return "NotFound"
	case CodeWrongType:
		return "WrongType"
	case CodeConflict:
		return "Conflict"
	case CodeVersionConflict:
		return "VersionConflict"
	case CodeConstraintViolation:
		return "ConstraintViolation"
	case CodeInvalidInput:
		return "InvalidInput"
	case CodeHistoryTrimmed:
		return "HistoryTrimmed"
	case CodeTransactionNotActive:
		return "TransactionNotActive"
	case CodeStorage:
		return "Storage"
	case CodeSerialization:
		return "Serialization"
	case CodeCorruption:
		return "Corruption"
	case CodeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a categorized engine error. It wraps an optional cause so
// errors.Is / errors.As keep working through the engine boundary.
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors that carry the same code, so sentinel comparisons
// like errors.Is(err, &Error{Code: CodeConflict}) work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError creates a categorized error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Errorf creates a categorized error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to a cause.
func WrapError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// CodeOf extracts the error code, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
