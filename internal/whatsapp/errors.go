package whatsapp

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures so callers can decide on retries.
type Kind string

const (
	KindTransientNetwork    Kind = "transient_network"
	KindAuth                Kind = "auth"
	KindRateLimited         Kind = "rate_limited"
	KindValidation          Kind = "validation"
	KindWindowClosed        Kind = "window_closed"
	KindMediaNotFound       Kind = "media_not_found"
	KindTemplateNotApproved Kind = "template_not_approved"
	KindNotFound            Kind = "not_found"
)

// Error is a classified provider (or provider-rule) failure.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error

	sentinel bool
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("whatsapp %s (code %d): %s", e.Kind, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("whatsapp %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("whatsapp %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any error of the same kind against a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.sentinel && t.Kind == e.Kind
}

// Transient reports whether a retry may succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindTransientNetwork || e.Kind == KindRateLimited
}

func sentinel(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, sentinel: true}
}

var (
	ErrTransientNetwork    = sentinel(KindTransientNetwork, "provider unreachable")
	ErrAuth                = sentinel(KindAuth, "provider rejected credentials")
	ErrRateLimited         = sentinel(KindRateLimited, "provider rate limit reached")
	ErrValidation          = sentinel(KindValidation, "provider rejected the request")
	ErrWindowClosed        = sentinel(KindWindowClosed, "24-hour customer service window is closed")
	ErrMediaNotFound       = sentinel(KindMediaNotFound, "media not found")
	ErrTemplateNotApproved = sentinel(KindTemplateNotApproved, "template is not approved")
	ErrNotFound            = sentinel(KindNotFound, "object not found")
)

// KindOf returns the Kind of a provider error anywhere in err's chain,
// or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient()
}

// classify maps Graph API error codes and HTTP statuses onto kinds.
func classify(httpStatus, code, subcode int) Kind {
	switch code {
	case 131047:
		return KindWindowClosed
	case 132001, 132007, 132015, 132016:
		return KindTemplateNotApproved
	case 131052:
		return KindMediaNotFound
	case 4, 80007, 130429, 131048, 131056:
		return KindRateLimited
	case 0, 10, 190, 200:
		if httpStatus == 401 || httpStatus == 403 || code != 0 {
			return KindAuth
		}
	case 100:
		if subcode == 33 {
			return KindNotFound
		}
		return KindValidation
	case 131000, 131016:
		return KindTransientNetwork
	}

	switch {
	case httpStatus == 401 || httpStatus == 403:
		return KindAuth
	case httpStatus == 404:
		return KindNotFound
	case httpStatus == 429:
		return KindRateLimited
	case httpStatus >= 500:
		return KindTransientNetwork
	default:
		return KindValidation
	}
}
