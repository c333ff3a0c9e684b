package provider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/metrics"
)

// ResilienceConfig bounds every outbound provider call.
type ResilienceConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultResilience returns the production limits.
func DefaultResilience() ResilienceConfig {
	return ResilienceConfig{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
	}
}

// Resilient wraps a Provider with a per-call timeout, retries for transient
// failures and metrics. Calls are detached from the caller's cancellation so a
// started provider call always completes; cancellation only prevents further
// retries.
type Resilient struct {
	next   Provider
	cfg    ResilienceConfig
	logger logrus.FieldLogger
}

// WithResilience decorates p.
func WithResilience(p Provider, cfg ResilienceConfig, logger logrus.FieldLogger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResilience().Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Resilient{next: p, cfg: cfg, logger: logger}
}

func (r *Resilient) Name() Name { return r.next.Name() }

func (r *Resilient) AuthCodeURL(state, verifier string) string {
	return r.next.AuthCodeURL(state, verifier)
}

func (r *Resilient) call(ctx context.Context, op string, retry bool, fn func(ctx context.Context) error) error {
	attempts := 1
	if retry {
		attempts = r.cfg.MaxAttempts
	}
	backoff := r.cfg.BaseBackoff
	name := string(r.next.Name())

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()

		metrics.ProviderDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.ProviderRequests.WithLabelValues(name, op, result).Inc()

		if err == nil || !apperr.Retryable(err) || attempt >= attempts {
			return err
		}

		r.logger.WithFields(logrus.Fields{
			"provider":  name,
			"operation": op,
			"attempt":   attempt,
			"backoff":   backoff.String(),
		}).WithError(err).Warn("Transient provider failure, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (r *Resilient) ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error) {
	var out *TokenSet
	// a code is single use; only retry when no response was received
	err := r.call(ctx, "exchange_code", true, func(ctx context.Context) error {
		var err error
		out, err = r.next.ExchangeCode(ctx, code, verifier)
		return err
	})
	return out, err
}

func (r *Resilient) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	var out *TokenSet
	err := r.call(ctx, "refresh_token", true, func(ctx context.Context) error {
		var err error
		out, err = r.next.RefreshToken(ctx, refreshToken)
		return err
	})
	return out, err
}

func (r *Resilient) RevokeToken(ctx context.Context, token string) error {
	return r.call(ctx, "revoke_token", false, func(ctx context.Context) error {
		return r.next.RevokeToken(ctx, token)
	})
}

func (r *Resilient) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	var out []Calendar
	err := r.call(ctx, "list_calendars", true, func(ctx context.Context) error {
		var err error
		out, err = r.next.ListCalendars(ctx, accessToken)
		return err
	})
	return out, err
}

// CreateEvent is never retried: a lost response would otherwise create a duplicate event.
func (r *Resilient) CreateEvent(ctx context.Context, accessToken, calendarID string, ev EventPayload) (*CreatedEvent, error) {
	var out *CreatedEvent
	err := r.call(ctx, "create_event", false, func(ctx context.Context) error {
		var err error
		out, err = r.next.CreateEvent(ctx, accessToken, calendarID, ev)
		return err
	})
	return out, err
}

func (r *Resilient) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	return r.call(ctx, "delete_event", true, func(ctx context.Context) error {
		return r.next.DeleteEvent(ctx, accessToken, calendarID, eventID)
	})
}
