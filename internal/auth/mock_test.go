package auth

import (
	"context"
	"database/sql"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"calconnect-go/internal/provider"
	"calconnect-go/internal/provider/providertest"
	"calconnect-go/internal/storage"
	"calconnect-go/internal/storage/storagetest"
)

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2030, 3, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// auditSpy collects recorded entries.
type auditSpy struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditSpy) Record(e storage.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditSpy) Entries() []storage.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.AuditEntry(nil), a.entries...)
}

// flakyStore fails writes with the configured error.
type flakyStore struct {
	*storage.Store
	upsertErr   error
	deleteErr   error
	upsertCalls int
}

func (f *flakyStore) UpsertConnection(ctx context.Context, c *storage.Connection) error {
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertConnection(ctx, c)
}

func (f *flakyStore) DeleteConnection(ctx context.Context, userID, provider string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.DeleteConnection(ctx, userID, provider)
}

type fixture struct {
	store   *storage.Store
	cipher  *storage.Cipher
	fake    *providertest.Fake
	states  *InMemoryStateStore
	clock   *testClock
	audit   *auditSpy
	logger  logrus.FieldLogger
	logs    *test.Hook
	manager *Manager
	refresh *TokenRefreshService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:  storagetest.Open(t),
		cipher: storagetest.Cipher(t),
		fake:   providertest.New(),
		states: NewInMemoryStateStore(),
		clock:  newTestClock(),
		audit:  &auditSpy{},
		logger: logger,
		logs:   hook,
	}
	f.states.SetClock(f.clock.Now)
	f.store.SetClock(f.clock.Now)
	f.rebuild(f.store)
	return f
}

// rebuild recreates the services on top of store.
func (f *fixture) rebuild(store ConnectionStore) {
	reg := provider.NewRegistry(f.fake)
	f.manager = NewManager(reg, store, f.cipher, f.states, f.logger,
		WithClock(f.clock.Now), WithAudit(f.audit))
	f.refresh = NewTokenRefreshService(reg, store, f.cipher, f.logger,
		WithRefreshClock(f.clock.Now), WithRefreshAudit(f.audit))
}

// begin starts a connect and returns the raw state from the authorization URL.
func (f *fixture) begin(t *testing.T, userID string) string {
	t.Helper()
	authURL, err := f.manager.BeginConnect(context.Background(), userID, provider.Google)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// connect runs a full successful connect for userID.
func (f *fixture) connect(t *testing.T, userID string) *ConnectionResult {
	t.Helper()
	state := f.begin(t, userID)
	res, err := f.manager.CompleteConnect(context.Background(), provider.Google, CallbackParams{Code: "code-" + userID, State: state})
	require.NoError(t, err)
	return res
}

// insertLegacy stores a plaintext connection the way rows looked before encryption.
func (f *fixture) insertLegacy(t *testing.T, userID, access, refresh string, expiresAt time.Time) {
	t.Helper()
	conn := &storage.Connection{
		UserID:         userID,
		Provider:       string(provider.Google),
		AccessToken:    access,
		RefreshToken:   sql.NullString{String: refresh, Valid: refresh != ""},
		TokenExpiresAt: expiresAt,
		CalendarID:     "surgeon@example.com",
	}
	require.NoError(t, f.store.UpsertConnection(context.Background(), conn))
}

func (f *fixture) open(t *testing.T, value string, iv sql.NullString) string {
	t.Helper()
	pt, legacy, err := f.cipher.Open(value, iv)
	require.NoError(t, err)
	require.False(t, legacy)
	return pt
}
