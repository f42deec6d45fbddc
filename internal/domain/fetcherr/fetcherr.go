// Package fetcherr defines the error taxonomy shared by the fetch pipeline.
// Errors are tagged with a Kind at the point of origin so downstream retry and
// dead-letter decisions are lookups, not string matching.
package fetcherr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with its retry/recovery semantics.
type Kind string

const (
	// KindTransient covers timeouts, rate limits and flaky upstream responses; retried.
	KindTransient Kind = "transient"
	// KindClientFault covers invalid requests and auth failures; never retried.
	KindClientFault Kind = "client_fault"
	// KindServerFault covers upstream or internal server faults.
	KindServerFault Kind = "server_fault"
	// KindUnknown is the fallback when no origin tagged the error.
	KindUnknown Kind = "unknown"
)

// Error is a kinded error produced at the failure's point of origin.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a kinded error without a wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap tags an existing error with a kind and operation.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus builds a kinded error from an upstream HTTP status code.
func FromStatus(op string, status int, err error) *Error {
	return &Error{Kind: kindForStatus(status), Op: op, StatusCode: status, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return KindTransient
	case status >= 400 && status < 500:
		return KindClientFault
	case status >= 500:
		return KindServerFault
	default:
		return KindUnknown
	}
}

// KindOf extracts the Kind from an error chain. Context deadline and
// cancellation errors count as transient so an aborted upstream call is
// eligible for retry.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether the retry policy should re-enqueue after this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindServerFault, KindUnknown:
		return true
	default:
		return false
	}
}
