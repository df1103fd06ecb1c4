package transport

import (
	"errors"
	"fmt"
)

// Kind categorizes a transport-level failure. See spec.md §4.2/§7.
type Kind string

const (
	KindNetwork        Kind = "NETWORK"
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindForbidden      Kind = "FORBIDDEN"
	KindNotFound       Kind = "NOT_FOUND"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindInvalidAPIKey  Kind = "INVALID_API_KEY"
	KindSiteNotFound   Kind = "SITE_NOT_FOUND"
	KindInvalidOrigin  Kind = "INVALID_ORIGIN"
	KindValidation     Kind = "VALIDATION"
	KindUnknown        Kind = "UNKNOWN"
)

// Error is the structured error every Transport call fails with. It
// carries enough context for callers to decide whether to retry,
// surface a typed message, or treat the failure as fatal.
//
// Modeled on the teacher's cli/pkg/errors.CLIError: a typed error with
// an unwrap-able cause and an errors.As-compatible shape.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error kind is fatal at fetch time (the
// store should remain in error state rather than being retried
// automatically). See spec.md §7.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindInvalidAPIKey, KindSiteNotFound, KindInvalidOrigin:
		return true
	default:
		return false
	}
}

// NetworkError wraps a low-level connection failure (the request never
// reached the server, or no response was received).
func NetworkError(cause error) *Error {
	return &Error{Kind: KindNetwork, Message: "network error", Cause: cause}
}

// statusToKind maps an HTTP status code plus an optional server-supplied
// error code to a Kind, per spec.md §4.2 point 4.
func statusToKind(status int, serverCode string) Kind {
	switch serverCode {
	case "SITE_NOT_FOUND":
		return KindSiteNotFound
	case "INVALID_API_KEY":
		return KindInvalidAPIKey
	case "INVALID_ORIGIN":
		return KindInvalidOrigin
	case "RATE_LIMITED":
		return KindRateLimited
	case "VALIDATION":
		return KindValidation
	}

	switch status {
	case 401:
		return KindUnauthorized
	case 403:
		return KindForbidden
	case 404:
		return KindNotFound
	case 422:
		return KindValidation
	case 429:
		return KindRateLimited
	default:
		return KindUnknown
	}
}

// IsUnauthorized reports whether err is a transport.Error of kind
// UNAUTHORIZED.
func IsUnauthorized(err error) bool {
	return kindOf(err) == KindUnauthorized
}

// IsNotFound reports whether err is a transport.Error of kind NOT_FOUND.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsFatal reports whether err is a transport.Error whose kind is fatal
// at fetch time.
func IsFatal(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.IsFatal()
	}
	return false
}

func kindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
