package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies an exchange operation failure. The caller's retry
// decision hangs entirely off this classification, so adapters must map
// every provider error onto one of these.
type ErrKind uint8

const (
	ErrUnknown ErrKind = iota
	ErrTransientNetwork
	ErrRateLimited
	ErrAuthenticationFailed
	ErrBadRequest
	ErrNotSupported
)

func (k ErrKind) String() string {
	switch k {
	case ErrTransientNetwork:
		return "transient_network"
	case ErrRateLimited:
		return "rate_limited"
	case ErrAuthenticationFailed:
		return "authentication_failed"
	case ErrBadRequest:
		return "bad_request"
	case ErrNotSupported:
		return "not_supported"
	}
	return "unknown"
}

// Error is the typed failure every Capability operation returns.
// RetryAfter is only meaningful for ErrRateLimited and is zero when the
// server gave no hint.
type Error struct {
	Kind       ErrKind
	Venue      string
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified exchange error.
func NewError(kind ErrKind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// NewRateLimited builds a rate-limit error with an optional server hint.
func NewRateLimited(venue, op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: ErrRateLimited, Venue: venue, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the classification from any error chain. Unwrapped errors
// classify as ErrUnknown.
func KindOf(err error) ErrKind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return ErrUnknown
}

// IsTransient reports whether the operation may be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == ErrTransientNetwork
}

// IsRateLimited reports whether the venue throttled us, and returns the
// server-provided retry hint (zero when absent).
func IsRateLimited(err error) (time.Duration, bool) {
	var xe *Error
	if errors.As(err, &xe) && xe.Kind == ErrRateLimited {
		return xe.RetryAfter, true
	}
	return 0, false
}

// IsFatal reports whether the error must not be retried: auth failures, bad
// requests, unsupported features, and anything unclassified.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ErrTransientNetwork, ErrRateLimited:
		return false
	}
	return true
}
