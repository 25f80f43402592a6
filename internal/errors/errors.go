// Package errors defines the error taxonomy shared by the data-access layer.
// Every failure that crosses a component boundary is an *AppError carrying a Kind,
// so callers switch on the kind instead of matching error types.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindNotFound       Kind = "NOT_FOUND"
	KindNetwork        Kind = "NETWORK_ERROR"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindDatabase       Kind = "DATABASE_ERROR"
	KindValidation     Kind = "VALIDATION_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindStorage        Kind = "STORAGE_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	KindNotFound,
	KindNetwork,
	KindRateLimited,
	KindDatabase,
	KindValidation,
	KindAuthentication,
	KindStorage,
	KindInternal,
}

// ErrCapacityExceeded is wrapped by storage writes that do not fit the byte budget.
var ErrCapacityExceeded = stderrors.New("storage capacity exceeded")

// AppError is an error tagged with a Kind.
type AppError struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter is the server supplied wait for KindRateLimited.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first AppError in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// RetryAfter returns the server supplied retry delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether a failure of this kind may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindDatabase, KindAuthentication, KindStorage, KindInternal:
		return true
	case KindNotFound, KindValidation:
		return false
	}
	return false
}
