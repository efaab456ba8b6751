// Package apperr defines the coded errors reported by reconciliation and
// live ingestion jobs.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a short machine-readable error classification.
type Code string

const (
	RemoteTransient Code = "REMOTE_TRANSIENT"
	StoreWrite      Code = "STORE_WRITE"
	Cancelled       Code = "CANCELLED"
	EnumerateFailed Code = "ENUMERATE_FAILED"
	DiffFailed      Code = "DIFF_FAILED"
	InvalidParams   Code = "INVALID_PARAMS"
	LockHeld        Code = "LOCK_HELD"
	Internal        Code = "INTERNAL"
)

// AppError carries a code, a human message and the underlying cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps err with a code. A nil err yields nil.
func Wrap(code Code, message string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code Code) bool {
	var ae *AppError
	for err != nil {
		if !errors.As(err, &ae) {
			return false
		}
		if ae.Code == code {
			return true
		}
		err = ae.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain. Context cancellation
// maps to Cancelled; anything else uncoded maps to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}
