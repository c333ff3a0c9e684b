// Package apperr defines the error kinds that cross component boundaries.
//
// Internal detail (provider status codes, SQL errors, decrypt failures) is kept
// in the wrapped error for logging; only the Kind and a short user-safe message
// are ever shown to a caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP mapping.
type Kind string

const (
	KindInvalidState        Kind = "invalid_state"
	KindConnectDenied       Kind = "connect_denied"
	KindTokenExchangeFailed Kind = "token_exchange_failed"
	KindNoCalendarFound     Kind = "no_calendar_found"
	KindReauthRequired      Kind = "reauth_required"
	KindProviderTimeout     Kind = "provider_timeout"
	KindProviderError       Kind = "provider_error"
	KindPersistenceFailed   Kind = "persistence_failed"
	KindDecryptionError     Kind = "decryption_error"
	KindNoConnection        Kind = "no_connection"
	KindValidation          Kind = "validation_failed"
	KindNotFound            Kind = "not_found"
	KindUnsupportedProvider Kind = "unsupported_provider"
	KindUnauthenticated     Kind = "unauthenticated"
	KindInternal            Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	// StatusCode is the upstream HTTP status when the error came from a provider.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus creates a classified error carrying an upstream HTTP status.
func WithStatus(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, StatusCode: status, Err: err}
}

// Wrap classifies err unless it already carries a kind.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return New(kind, message, err)
}

// KindOf returns the outermost kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			return false
		}
		if ae.Kind == kind {
			return true
		}
		err = ae.Err
	}
	return false
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTimeout
}

// UserMessage is the text shown to end users for a kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindInvalidState, KindConnectDenied:
		return "Calendar authorization failed. Please try connecting again."
	case KindTokenExchangeFailed:
		return "We could not complete the connection with your calendar provider."
	case KindNoCalendarFound:
		return "No primary calendar was found on this account."
	case KindReauthRequired, KindDecryptionError:
		return "Your calendar connection has expired. Please reconnect your calendar."
	case KindProviderTimeout:
		return "Your calendar provider did not respond in time. Please try again."
	case KindProviderError:
		return "Your calendar provider rejected the request."
	case KindPersistenceFailed:
		return "We could not save your calendar changes. Please try again."
	case KindNoConnection:
		return "Connect a calendar before scheduling."
	case KindValidation:
		return "The request is invalid."
	case KindNotFound:
		return "The requested item was not found."
	case KindUnsupportedProvider:
		return "This calendar provider is not supported."
	case KindUnauthenticated:
		return "Authentication required."
	default:
		return "Something went wrong."
	}
}

// PublicMessage returns the message safe to show for err. Validation messages
// are authored by this service and pass through; everything else is generic.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindValidation && ae.Message != "" {
		return ae.Message
	}
	return UserMessage(KindOf(err))
}

// HTTPStatus maps a kind to the status returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidState, KindConnectDenied, KindUnsupportedProvider:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindReauthRequired, KindDecryptionError:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindNoConnection:
		return http.StatusPreconditionFailed
	case KindNoCalendarFound:
		return http.StatusUnprocessableEntity
	case KindTokenExchangeFailed, KindProviderError:
		return http.StatusBadGateway
	case KindProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
