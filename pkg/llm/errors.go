package llm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind classifies generator failures into the policy-relevant buckets.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrTimeout     ErrorKind = "timeout"
	ErrTransport   ErrorKind = "transport"
	ErrBadResponse ErrorKind = "bad_response"
)

// Error is a classified generator failure. The inbound loop never surfaces
// these to the end user; rate-limited errors carry an optional retry hint.
type Error struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration // only meaningful for ErrRateLimited, zero if unknown
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a classified generator error wrapping the provider failure.
func NewError(provider string, kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, cause: cause}
}

// NewRateLimitError creates a rate-limited error with an optional retry hint.
func NewRateLimitError(provider string, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: ErrRateLimited, Provider: provider, RetryAfter: retryAfter, cause: cause}
}

// AsError extracts a classified generator error, if any.
func AsError(err error) (*Error, bool) {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr, true
	}
	return nil, false
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	case status == 408 || status == 504:
		return ErrTimeout
	case status >= 500:
		return ErrTransport
	default:
		return ErrBadResponse
	}
}
