// Package provider translates token and event operations into calendar
// provider REST calls. Every adapter returns errors classified with apperr so
// callers never see raw provider responses.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"calconnect-go/internal/apperr"
)

// Name identifies a calendar provider.
type Name string

const (
	Google    Name = "google"
	Microsoft Name = "microsoft"
)

// ParseName validates a provider name from user input.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case Google, Microsoft:
		return Name(s), nil
	}
	return "", apperr.New(apperr.KindUnsupportedProvider, fmt.Sprintf("unsupported provider %q", s), nil)
}

// DefaultExpiresIn is assumed when a token response carries no lifetime.
const DefaultExpiresIn = time.Hour

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken string
	// RefreshToken is empty when the provider did not issue or rotate one.
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string
}

// Calendar is one calendar visible to the connected account.
type Calendar struct {
	ID       string
	Name     string
	Email    string
	Primary  bool
	TimeZone string
}

// Primary returns the account's primary calendar, if any.
func Primary(calendars []Calendar) (Calendar, bool) {
	for _, c := range calendars {
		if c.Primary {
			return c, true
		}
	}
	return Calendar{}, false
}

// EventPayload is the provider-neutral event to create.
type EventPayload struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	// ReminderMinutes are popup reminders before the start.
	ReminderMinutes []int
	SourceTitle     string
	SourceURL       string
}

// CreatedEvent identifies an event after creation.
type CreatedEvent struct {
	ID  string
	URL string
}

var (
	// ErrEventNotFound is returned by DeleteEvent when the provider has no such event.
	ErrEventNotFound = apperr.New(apperr.KindNotFound, "event not found on provider", nil)
	// ErrRevokeUnsupported is returned by providers without a token revocation endpoint.
	ErrRevokeUnsupported = errors.New("token revocation not supported")
)

// Provider is implemented once per calendar provider.
type Provider interface {
	Name() Name
	// AuthCodeURL builds the consent redirect. verifier is the PKCE code verifier.
	AuthCodeURL(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
	RevokeToken(ctx context.Context, token string) error
	ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev EventPayload) (*CreatedEvent, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[Name]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Name]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name Name) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.New(apperr.KindUnsupportedProvider, fmt.Sprintf("provider %q is not configured", name), nil)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
