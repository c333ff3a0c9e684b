package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"calconnect-go/internal/apperr"
)

const (
	msGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	outlookTimeFormat = "2006-01-02T15:04:05"
)

// MicrosoftConfig configures the Microsoft adapter. Tenant defaults to
// "common"; the URL fields are only set in tests.
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string

	AuthURL      string
	TokenURL     string
	GraphBaseURL string

	HTTPClient *http.Client
}

// MicrosoftProvider talks to the Microsoft identity platform and Graph.
type MicrosoftProvider struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	graphURL   string
}

// NewMicrosoft creates the Microsoft adapter.
func NewMicrosoft(cfg MicrosoftConfig) *MicrosoftProvider {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	graphURL := msGraphBaseURL
	if cfg.GraphBaseURL != "" {
		graphURL = cfg.GraphBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &MicrosoftProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			// offline_access is how Microsoft issues refresh tokens
			Scopes: []string{"offline_access", "Calendars.ReadWrite"},
		},
		httpClient: client,
		graphURL:   graphURL,
	}
}

func (m *MicrosoftProvider) Name() Name { return Microsoft }

func (m *MicrosoftProvider) AuthCodeURL(state, verifier string) string {
	return m.oauth.AuthCodeURL(state, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))
}

func (m *MicrosoftProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *MicrosoftProvider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error) {
	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, tokenError("microsoft exchange", phaseExchange, err)
	}
	return tokenSetFrom(tok), nil
}

func (m *MicrosoftProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, tokenError("microsoft refresh", phaseRefresh, err)
	}
	set := tokenSetFrom(tok)
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

// RevokeToken is unsupported: the identity platform has no per-token
// revocation endpoint for delegated grants.
func (m *MicrosoftProvider) RevokeToken(ctx context.Context, token string) error {
	return ErrRevokeUnsupported
}

// do sends an authenticated Graph request and decodes a JSON response into out.
func (m *MicrosoftProvider) do(ctx context.Context, op, method, path, accessToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.KindInternal, op+": encode request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.graphURL+path, reader)
	if err != nil {
		return apperr.New(apperr.KindInternal, op+": build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if classified := networkError(op, err); classified != nil {
			return classified
		}
		return apperr.New(apperr.KindProviderError, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused; the body is never surfaced
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return statusError(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.New(apperr.KindProviderError, op+": decode response", err)
	}
	return nil
}

func (m *MicrosoftProvider) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	var result struct {
		Value []struct {
			ID                string `json:"id"`
			Name              string `json:"name"`
			IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			CanEdit           bool   `json:"canEdit"`
			Owner             struct {
				Address string `json:"address"`
			} `json:"owner"`
		} `json:"value"`
	}
	if err := m.do(ctx, "microsoft list calendars", http.MethodGet, "/me/calendars", accessToken, nil, &result); err != nil {
		return nil, err
	}

	out := make([]Calendar, 0, len(result.Value))
	for _, c := range result.Value {
		out = append(out, Calendar{
			ID:      c.ID,
			Name:    c.Name,
			Email:   c.Owner.Address,
			Primary: c.IsDefaultCalendar,
		})
	}
	return out, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Start                      graphDateTime `json:"start"`
	End                        graphDateTime `json:"end"`
	IsReminderOn               bool          `json:"isReminderOn"`
	ReminderMinutesBeforeStart int           `json:"reminderMinutesBeforeStart"`
}

func (m *MicrosoftProvider) CreateEvent(ctx context.Context, accessToken, calendarID string, ev EventPayload) (*CreatedEvent, error) {
	body := graphEvent{
		Subject: ev.Title,
		Start:   graphDateTime{DateTime: ev.Start.UTC().Format(outlookTimeFormat), TimeZone: "UTC"},
		End:     graphDateTime{DateTime: ev.End.UTC().Format(outlookTimeFormat), TimeZone: "UTC"},
	}
	body.Body.ContentType = "text"
	body.Body.Content = ev.Description

	// Graph supports a single reminder; keep the earliest one
	for _, r := range ev.ReminderMinutes {
		if r > body.ReminderMinutesBeforeStart {
			body.ReminderMinutesBeforeStart = r
		}
		body.IsReminderOn = true
	}

	var created struct {
		ID      string `json:"id"`
		WebLink string `json:"webLink"`
	}
	path := fmt.Sprintf("/me/calendars/%s/events", url.PathEscape(calendarID))
	if err := m.do(ctx, "microsoft create event", http.MethodPost, path, accessToken, body, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, apperr.New(apperr.KindProviderError, "microsoft create event: response has no event id", nil)
	}
	return &CreatedEvent{ID: created.ID, URL: created.WebLink}, nil
}

func (m *MicrosoftProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	path := fmt.Sprintf("/me/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return m.do(ctx, "microsoft delete event", http.MethodDelete, path, accessToken, nil, nil)
}
