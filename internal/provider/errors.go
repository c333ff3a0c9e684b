package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"

	"calconnect-go/internal/apperr"
)

// tokenPhase says which token endpoint call failed; it decides how a 4xx maps.
type tokenPhase int

const (
	phaseExchange tokenPhase = iota
	phaseRefresh
)

// networkError classifies failures where no usable response arrived.
// Timeouts and unreachable hosts are both transient and retryable.
// It returns nil when err is not a transport failure.
func networkError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindProviderTimeout, op+": timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apperr.New(apperr.KindProviderError, op+": canceled", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return apperr.New(apperr.KindProviderTimeout, op+": provider unreachable", err)
	}
	return nil
}

// tokenError classifies an error from the oauth2 token endpoint.
func tokenError(op string, phase tokenPhase, err error) error {
	if classified := networkError(op, err); classified != nil {
		return classified
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		// keep the provider's error code for logs, never its body
		cause := fmt.Errorf("oauth error %q", re.ErrorCode)
		if phase == phaseRefresh {
			if status >= 500 {
				return apperr.WithStatus(apperr.KindProviderError, status, op+": provider error", cause)
			}
			return apperr.WithStatus(apperr.KindReauthRequired, status, op+": refresh rejected", cause)
		}
		return apperr.WithStatus(apperr.KindTokenExchangeFailed, status, op+": exchange rejected", cause)
	}

	if phase == phaseRefresh {
		return apperr.New(apperr.KindReauthRequired, op+": refresh failed", err)
	}
	return apperr.New(apperr.KindTokenExchangeFailed, op+": exchange failed", err)
}

// statusError classifies a non-2xx response from an authenticated API call.
func statusError(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return apperr.WithStatus(apperr.KindReauthRequired, status, op+": access token rejected", nil)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s: %w", op, ErrEventNotFound)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.WithStatus(apperr.KindProviderTimeout, status, op+": provider timed out", nil)
	default:
		return apperr.WithStatus(apperr.KindProviderError, status, op+": provider error", nil)
	}
}
