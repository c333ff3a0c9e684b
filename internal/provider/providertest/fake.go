// Package providertest provides an in-memory Provider that records calls.
package providertest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"calconnect-go/internal/provider"
)

// Fake is a scriptable Provider. Set the *Err fields to make a call fail.
type Fake struct {
	mu sync.Mutex

	ProviderName provider.Name

	Exchange     provider.TokenSet
	Refreshed    provider.TokenSet
	Calendars    []provider.Calendar
	NextEventID  string
	EventBaseURL string

	ExchangeErr error
	RefreshErr  error
	RevokeErr   error
	ListErr     error
	CreateErr   error
	DeleteErr   error

	ExchangeCalls int
	RefreshCalls  int
	RevokeCalls   int
	ListCalls     int
	CreateCalls   int
	DeleteCalls   int

	LastCode         string
	LastVerifier     string
	LastRefreshToken string
	LastRevoked      string
	LastAccessToken  string
	LastCalendarID   string
	LastEvent        provider.EventPayload
	LastDeletedID    string
}

// New returns a Google-named fake with a primary calendar and a token
// exchange that yields AT1/RT1 valid for an hour.
func New() *Fake {
	return &Fake{
		ProviderName: provider.Google,
		Exchange: provider.TokenSet{
			AccessToken:  "AT1",
			RefreshToken: "RT1",
			ExpiresIn:    time.Hour,
		},
		Refreshed: provider.TokenSet{
			AccessToken: "AT2",
			ExpiresIn:   time.Hour,
		},
		Calendars: []provider.Calendar{
			{ID: "secondary", Name: "Holidays"},
			{ID: "surgeon@example.com", Name: "surgeon@example.com", Email: "surgeon@example.com", Primary: true},
		},
		NextEventID:  "evt-1",
		EventBaseURL: "https://calendar.example.com/event",
	}
}

func (f *Fake) Name() provider.Name { return f.ProviderName }

func (f *Fake) AuthCodeURL(state, verifier string) string {
	q := url.Values{
		"state":          {state},
		"code_challenge": {verifier},
		"access_type":    {"offline"},
		"prompt":         {"consent"},
	}
	return "https://auth.example.com/authorize?" + q.Encode()
}

func (f *Fake) ExchangeCode(ctx context.Context, code, verifier string) (*provider.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExchangeCalls++
	f.LastCode = code
	f.LastVerifier = verifier
	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}
	ts := f.Exchange
	return &ts, nil
}

func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	f.LastRefreshToken = refreshToken
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	ts := f.Refreshed
	return &ts, nil
}

func (f *Fake) RevokeToken(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RevokeCalls++
	f.LastRevoked = token
	return f.RevokeErr
}

func (f *Fake) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	f.LastAccessToken = accessToken
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]provider.Calendar(nil), f.Calendars...), nil
}

func (f *Fake) CreateEvent(ctx context.Context, accessToken, calendarID string, ev provider.EventPayload) (*provider.CreatedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	f.LastAccessToken = accessToken
	f.LastCalendarID = calendarID
	f.LastEvent = ev
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	id := f.NextEventID
	if id == "" {
		id = fmt.Sprintf("evt-%d", f.CreateCalls)
	}
	return &provider.CreatedEvent{ID: id, URL: f.EventBaseURL + "/" + id}, nil
}

func (f *Fake) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	f.LastAccessToken = accessToken
	f.LastCalendarID = calendarID
	f.LastDeletedID = eventID
	return f.DeleteErr
}

// Calls returns a snapshot of the call counters keyed by operation.
func (f *Fake) Calls() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"exchange": f.ExchangeCalls,
		"refresh":  f.RefreshCalls,
		"revoke":   f.RevokeCalls,
		"list":     f.ListCalls,
		"create":   f.CreateCalls,
		"delete":   f.DeleteCalls,
	}
}

// TotalNetworkCalls is the number of outbound calls made so far.
func (f *Fake) TotalNetworkCalls() int {
	n := 0
	for _, c := range f.Calls() {
		n += c
	}
	return n
}

var _ provider.Provider = (*Fake)(nil)
