package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorizes a failure. Every error that crosses a subsystem
// boundary carries exactly one kind; nothing is reported as a bare string.
type ErrorKind string

const (
	// ErrInvalidRequest means the caller's input was malformed.
	ErrInvalidRequest ErrorKind = "invalid_request"

	// ErrProviderUnavailable means the backing data source cannot be
	// reached or rejected authentication.
	ErrProviderUnavailable ErrorKind = "provider_unavailable"

	// ErrLLMFailure means the model call failed after retries.
	ErrLLMFailure ErrorKind = "llm_failure"

	// ErrRateLimited means the LLM provider throttled the request. The
	// invoker retries these; it surfaces only when the budget is exhausted.
	ErrRateLimited ErrorKind = "rate_limited"

	// ErrTimeout means a deadline elapsed.
	ErrTimeout ErrorKind = "timeout"

	// ErrCancelled means the caller gave up.
	ErrCancelled ErrorKind = "cancelled"

	// ErrInternal means an invariant was violated. These indicate bugs.
	ErrInternal ErrorKind = "internal"
)

// Error is the typed error used across sibyl subsystems.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a typed error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError wraps an underlying error with a kind and message.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Context errors win over
// typed wraps: a deadline that expired mid-call classifies as Timeout no
// matter which layer wrapped it. Unclassified errors are ErrInternal.
func KindOf(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
