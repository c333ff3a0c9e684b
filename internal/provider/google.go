package provider

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calconnect-go/internal/apperr"
)

const (
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"

	// Event writes plus read access to the calendar list, needed to find the primary calendar.
	googleEventsScope       = "https://www.googleapis.com/auth/calendar.events"
	googleCalendarListScope = "https://www.googleapis.com/auth/calendar.calendarlist.readonly"
)

// GoogleConfig configures the Google adapter. The URL fields override the
// production endpoints and are only set in tests.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL    string
	TokenURL   string
	RevokeURL  string
	APIBaseURL string

	HTTPClient *http.Client
}

// GoogleProvider talks to Google OAuth and the Calendar v3 API.
type GoogleProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	revokeURL  string
	apiBaseURL string
}

// NewGoogle creates the Google adapter.
func NewGoogle(cfg GoogleConfig) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	revokeURL := googleRevokeURL
	if cfg.RevokeURL != "" {
		revokeURL = cfg.RevokeURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{googleEventsScope, googleCalendarListScope},
		},
		httpClient: client,
		revokeURL:  revokeURL,
		apiBaseURL: cfg.APIBaseURL,
	}
}

func (g *GoogleProvider) Name() Name { return Google }

// AuthCodeURL requests offline access and forces the consent screen so a
// refresh token is issued on every connect.
func (g *GoogleProvider) AuthCodeURL(state, verifier string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
}

func (g *GoogleProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

func (g *GoogleProvider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error) {
	tok, err := g.oauth.Exchange(g.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, tokenError("google exchange", phaseExchange, err)
	}
	return tokenSetFrom(tok), nil
}

func (g *GoogleProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := g.oauth.TokenSource(g.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, tokenError("google refresh", phaseRefresh, err)
	}
	set := tokenSetFrom(tok)
	// the oauth2 package copies the old refresh token forward when none is returned
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

func (g *GoogleProvider) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("google revoke: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if classified := networkError("google revoke", err); classified != nil {
			return classified
		}
		return apperr.New(apperr.KindProviderError, "google revoke", err)
	}
	defer resp.Body.Close()

	// 400 means the token is already invalid, which is the goal
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	return statusError("google revoke", resp.StatusCode)
}

func (g *GoogleProvider) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	client := oauth2.NewClient(g.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.apiBaseURL != "" {
		opts = append(opts, option.WithEndpoint(g.apiBaseURL))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "failed to create calendar service", err)
	}
	return svc, nil
}

// apiError classifies errors from the generated Calendar client.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return statusError(op, gerr.Code)
	}
	if classified := networkError(op, err); classified != nil {
		return classified
	}
	return apperr.New(apperr.KindProviderError, op, err)
}

func (g *GoogleProvider) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var out []Calendar
	err = svc.CalendarList.List().MinAccessRole("writer").Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			c := Calendar{
				ID:       item.Id,
				Name:     item.Summary,
				Primary:  item.Primary,
				TimeZone: item.TimeZone,
			}
			// the primary calendar's id is the account email
			if item.Primary && strings.Contains(item.Id, "@") {
				c.Email = item.Id
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, apiError("google list calendars", err)
	}
	return out, nil
}

func (g *GoogleProvider) CreateEvent(ctx context.Context, accessToken, calendarID string, ev EventPayload) (*CreatedEvent, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	overrides := make([]*calendar.EventReminder, 0, len(ev.ReminderMinutes))
	for _, m := range ev.ReminderMinutes {
		overrides = append(overrides, &calendar.EventReminder{Method: "popup", Minutes: int64(m)})
	}

	event := &calendar.Event{
		Summary: ev.Title,
		// Google renders descriptions as HTML; escape so notes stay plain text
		Description: html.EscapeString(ev.Description),
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if ev.SourceURL != "" {
		event.Source = &calendar.EventSource{Title: ev.SourceTitle, Url: ev.SourceURL}
	}

	created, err := svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, apiError("google create event", err)
	}
	if created.Id == "" {
		return nil, apperr.New(apperr.KindProviderError, "google create event: response has no event id", nil)
	}
	return &CreatedEvent{ID: created.Id, URL: created.HtmlLink}, nil
}

func (g *GoogleProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return apiError("google delete event", err)
	}
	return nil
}

// tokenSetFrom converts an oauth2 token, preferring the raw expires_in.
func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	switch {
	case tok.ExpiresIn > 0:
		set.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		set.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	default:
		set.ExpiresIn = DefaultExpiresIn
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}
