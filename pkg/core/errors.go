package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies failures so the orchestrator can decide fatality.
type ErrorCode string

// Error codes.
const (
	CodeConfiguration      ErrorCode = "INVALID_CONFIGURATION"
	CodeSchemaIncompatible ErrorCode = "SCHEMA_INCOMPATIBLE"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeRecordRejected     ErrorCode = "RECORD_REJECTED"
	CodeIntegrity          ErrorCode = "INTEGRITY_VIOLATION"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Error is a coded error raised by a pipeline component.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError wraps err with a code and the operation that failed.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned by stores when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// CodeOf returns the code of the outermost coded error in err's chain,
// or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// TransientClassifier recognizes driver-specific transient errors.
type TransientClassifier func(error) bool

// IsRetryable reports whether err is a transient failure worth retrying.
// Extra classifiers supplied by adapters are consulted last.
func IsRetryable(err error, classifiers ...TransientClassifier) bool {
	if err == nil {
		return false
	}
	if HasCode(err, CodeTransient) {
		return true
	}
	switch CodeOf(err) {
	case CodeConfiguration, CodeSchemaIncompatible, CodeRecordRejected, CodeIntegrity, CodeCancelled:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	for _, c := range classifiers {
		if c != nil && c(err) {
			return true
		}
	}
	return false
}
