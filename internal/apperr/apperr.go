// Package apperr defines the error kinds surfaced by the recommendation core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindConsentDenied     Kind = "consent_denied"
	KindExternalService   Kind = "external_service"
	KindInternal          Kind = "internal"
)

// Subtypes of KindExternalService.
const (
	SubtypeRateLimited = "rate_limited"
	SubtypeTimeout     = "timeout"
	SubtypeUnavailable = "unavailable"
	SubtypeAuth        = "auth"
	SubtypeMalformed   = "malformed"
	SubtypeRejected    = "rejected"
)

type Error struct {
	Kind    Kind
	Subtype string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *Error) Transient() bool {
	if e == nil || e.Kind != KindExternalService {
		return false
	}
	switch e.Subtype {
	case SubtypeRateLimited, SubtypeTimeout, SubtypeUnavailable, SubtypeMalformed:
		return true
	default:
		return false
	}
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func ConsentDenied(userID string) *Error {
	return New(KindConsentDenied, "user %q has not granted consent for recommendations", userID)
}

func External(subtype string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternalService, Subtype: subtype, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the operator API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindConsentDenied:
		return http.StatusForbidden
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
