package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/audit"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/storage"
)

func TestTokenRefreshService_NoConnection(t *testing.T) {
	f := newFixture(t)

	_, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindNoConnection, apperr.KindOf(err))
	assert.Zero(t, f.fake.TotalNetworkCalls())
}

func TestTokenRefreshService_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.refresh.GetValidAccessToken(context.Background(), "", provider.Google)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Microsoft)
	assert.Equal(t, apperr.KindUnsupportedProvider, apperr.KindOf(err))
}

// Refresh is lazy: a token with more than five minutes left is used as is.
func TestTokenRefreshService_Laziness(t *testing.T) {
	tests := []struct {
		name        string
		advance     time.Duration
		wantRefresh int
		wantToken   string
	}{
		{"fresh", 0, 0, "AT1"},
		{"six minutes left", 54 * time.Minute, 0, "AT1"},
		{"exactly five minutes left", 55 * time.Minute, 1, "AT2"},
		{"two minutes left", 58 * time.Minute, 1, "AT2"},
		{"expired", 2 * time.Hour, 1, "AT2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect(t, "user-1")
			before := f.fake.TotalNetworkCalls()
			f.clock.Advance(tt.advance)

			tok, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, tok.Token)
			assert.Equal(t, tt.wantRefresh, f.fake.RefreshCalls)
			assert.Equal(t, before+tt.wantRefresh, f.fake.TotalNetworkCalls())
			assert.Equal(t, "surgeon@example.com", tok.CalendarID)
		})
	}
}

// Scenario D: two minutes before expiry exactly one refresh happens and the
// new expiry comes from the refresh response.
func TestTokenRefreshService_RefreshNearExpiry(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")
	f.fake.Refreshed = provider.TokenSet{AccessToken: "AT2", ExpiresIn: 45 * time.Minute}
	f.clock.Advance(58 * time.Minute)

	tok, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)
	assert.True(t, tok.Refreshed)
	assert.Equal(t, "AT2", tok.Token)
	assert.Equal(t, 1, f.fake.RefreshCalls)
	assert.Equal(t, "RT1", f.fake.LastRefreshToken)
	assert.WithinDuration(t, f.clock.Now().Add(45*time.Minute), tok.ExpiresAt, time.Second)

	conn, err := f.store.GetConnection(context.Background(), "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "AT2", f.open(t, conn.AccessToken, conn.AccessTokenIV))
	assert.Equal(t, "RT1", f.open(t, conn.RefreshToken.String, conn.RefreshTokenIV), "unrotated refresh token kept")
	assert.WithinDuration(t, f.clock.Now().Add(45*time.Minute), conn.TokenExpiresAt, time.Second)
	require.True(t, conn.LastRefreshedAt.Valid)
	assert.WithinDuration(t, f.clock.Now(), conn.LastRefreshedAt.Time, time.Second)

	// the refreshed token is now fresh; no second refresh
	tok, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)
	assert.Equal(t, "AT2", tok.Token)
	assert.False(t, tok.Refreshed)
	assert.Equal(t, 1, f.fake.RefreshCalls)
}

func TestTokenRefreshService_RotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")
	f.fake.Refreshed = provider.TokenSet{AccessToken: "AT2", RefreshToken: "RT2", ExpiresIn: time.Hour}
	f.clock.Advance(time.Hour)

	_, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)

	conn, err := f.store.GetConnection(context.Background(), "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "RT2", f.open(t, conn.RefreshToken.String, conn.RefreshTokenIV))
}

func TestTokenRefreshService_MissingExpiresInUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")
	f.fake.Refreshed = provider.TokenSet{AccessToken: "AT2"}
	f.clock.Advance(time.Hour)

	tok, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock.Now().Add(provider.DefaultExpiresIn), tok.ExpiresAt, time.Second)
}

func TestTokenRefreshService_RefreshFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"revoked grant", apperr.New(apperr.KindReauthRequired, "invalid_grant", nil), apperr.KindReauthRequired},
		{"unclassified", errors.New("boom"), apperr.KindReauthRequired},
		{"provider outage", apperr.New(apperr.KindProviderError, "503", nil), apperr.KindProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect(t, "user-1")
			f.fake.RefreshErr = tt.err
			f.clock.Advance(time.Hour)

			_, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
			assert.Equal(t, tt.want, apperr.KindOf(err))
			assert.Equal(t, 1, f.fake.RefreshCalls, "refresh is not retried here")

			conn, err := f.store.GetConnection(context.Background(), "user-1", "google")
			require.NoError(t, err)
			assert.Equal(t, "AT1", f.open(t, conn.AccessToken, conn.AccessTokenIV), "row untouched")

			entries := f.audit.Entries()
			last := entries[len(entries)-1]
			assert.Equal(t, audit.ActionRefresh, last.Action)
			assert.Equal(t, audit.OutcomeFailure, last.Outcome)
		})
	}
}

func TestTokenRefreshService_NoRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.fake.Exchange.RefreshToken = ""
	f.connect(t, "user-1")
	f.clock.Advance(time.Hour)

	_, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindReauthRequired, apperr.KindOf(err))
	assert.Zero(t, f.fake.RefreshCalls)
}

func TestTokenRefreshService_DecryptionFailureIsReauth(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")

	other, err := storage.NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	f.cipher = other
	f.rebuild(f.store)

	_, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindReauthRequired, apperr.KindOf(err))
	assert.True(t, apperr.Is(err, apperr.KindDecryptionError))

	f.clock.Advance(time.Hour)
	_, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindReauthRequired, apperr.KindOf(err))
	assert.Zero(t, f.fake.RefreshCalls, "no refresh with an unreadable refresh token")
}

func TestTokenRefreshService_CorruptRowIsReauth(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")

	_, err := f.store.DB().Exec(`UPDATE calendar_connections SET access_token_iv = '' WHERE user_id = 'user-1'`)
	require.NoError(t, err)

	_, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindReauthRequired, apperr.KindOf(err))
}

func TestTokenRefreshService_LegacyPlaintext(t *testing.T) {
	f := newFixture(t)
	f.insertLegacy(t, "user-1", "plain-at", "plain-rt", f.clock.Now().Add(time.Hour))

	tok, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)
	assert.Equal(t, "plain-at", tok.Token)
	assert.Zero(t, f.fake.RefreshCalls)

	// the refresh write path re-encrypts both tokens
	f.clock.Advance(time.Hour)
	tok, err = f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	require.NoError(t, err)
	assert.Equal(t, "AT2", tok.Token)
	assert.Equal(t, "plain-rt", f.fake.LastRefreshToken)

	conn, err := f.store.GetConnection(context.Background(), "user-1", "google")
	require.NoError(t, err)
	assert.False(t, conn.IsLegacy())
	assert.Equal(t, "plain-rt", f.open(t, conn.RefreshToken.String, conn.RefreshTokenIV))
}

func TestTokenRefreshService_DisconnectedDuringRefresh(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")
	f.clock.Advance(time.Hour)

	store := &deletingStore{Store: f.store}
	f.rebuild(store)

	_, err := f.refresh.GetValidAccessToken(context.Background(), "user-1", provider.Google)
	assert.Equal(t, apperr.KindNoConnection, apperr.KindOf(err))
}

// deletingStore removes the row right before the token update lands.
type deletingStore struct {
	*storage.Store
}

func (d *deletingStore) UpdateTokens(ctx context.Context, u storage.TokenUpdate) error {
	if err := d.Store.DeleteConnection(ctx, u.UserID, u.Provider); err != nil {
		return err
	}
	return d.Store.UpdateTokens(ctx, u)
}

func TestSealTokens(t *testing.T) {
	f := newFixture(t)

	sealed, err := sealTokens(f.cipher, "access", "")
	require.NoError(t, err)
	assert.True(t, sealed.accessIV.Valid)
	assert.Equal(t, sql.NullString{}, sealed.refresh)
	assert.Equal(t, sql.NullString{}, sealed.refreshIV)

	sealed, err = sealTokens(f.cipher, "access", "refresh")
	require.NoError(t, err)
	assert.True(t, sealed.refresh.Valid)
	assert.Equal(t, "refresh", f.open(t, sealed.refresh.String, sealed.refreshIV))
}
