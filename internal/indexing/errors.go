package indexing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies every failure that can reach a job. Nothing crosses
// the worker boundary unclassified; unknown errors default to
// UnexpectedError.
type ErrorKind string

// The error taxonomy.
const (
	ConfigError            ErrorKind = "CONFIG_ERROR"
	QuotaExceeded          ErrorKind = "QUOTA_EXCEEDED"
	AuthError              ErrorKind = "AUTH_ERROR"
	TransientProviderError ErrorKind = "TRANSIENT_PROVIDER_ERROR"
	TerminalProviderError  ErrorKind = "TERMINAL_PROVIDER_ERROR"
	UnexpectedError        ErrorKind = "UNEXPECTED_ERROR"
)

// Error is the classified error type used across adapter and worker
// boundaries. Detail carries the provider's raw error text verbatim.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a classified error without a wrapped cause.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetail attaches the provider-supplied raw detail.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the classification from err. Timeouts classify as
// transient; anything unclassified is UnexpectedError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientProviderError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientProviderError
	}
	return UnexpectedError
}

// Retryable reports whether err warrants another attempt.
func Retryable(err error) bool {
	return KindOf(err) == TransientProviderError
}

// RecordError converts err into the structured form stored on jobs and
// transitions.
func RecordError(err error, at time.Time) *ErrorRecord {
	if err == nil {
		return nil
	}
	rec := &ErrorRecord{Kind: KindOf(err), Message: err.Error(), At: at}
	var ce *Error
	if errors.As(err, &ce) {
		rec.Message = ce.Message
		rec.Detail = ce.Detail
	}
	return rec
}
