package auth

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/audit"
	"calconnect-go/internal/metrics"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/storage"
)

// RefreshWindow is how close to expiry a token is refreshed instead of used.
const RefreshWindow = 5 * time.Minute

// AccessToken is a usable provider access token for one connection.
type AccessToken struct {
	Token      string
	ExpiresAt  time.Time
	CalendarID string
	Refreshed  bool
}

// TokenRefreshService is the single place usable access tokens come from.
// Tokens are refreshed lazily when they are within RefreshWindow of expiry.
type TokenRefreshService struct {
	providers *provider.Registry
	store     storage.CredentialStore
	cipher    *storage.Cipher
	audit     audit.Sink
	logger    logrus.FieldLogger
	now       func() time.Time

	// collapses concurrent refreshes of one connection within this process;
	// across processes the row update is last-write-wins
	group singleflight.Group
}

// RefreshOption configures a TokenRefreshService.
type RefreshOption func(*TokenRefreshService)

// WithRefreshClock sets the time source.
func WithRefreshClock(now func() time.Time) RefreshOption {
	return func(s *TokenRefreshService) { s.now = now }
}

// WithRefreshAudit records refresh failures.
func WithRefreshAudit(sink audit.Sink) RefreshOption {
	return func(s *TokenRefreshService) { s.audit = sink }
}

// NewTokenRefreshService creates a new TokenRefreshService
func NewTokenRefreshService(providers *provider.Registry, store storage.CredentialStore, cipher *storage.Cipher, logger logrus.FieldLogger, opts ...RefreshOption) *TokenRefreshService {
	s := &TokenRefreshService{
		providers: providers,
		store:     store,
		cipher:    cipher,
		audit:     audit.Discard,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetValidAccessToken returns an access token for (userID, provider) that is
// valid for at least RefreshWindow, refreshing it first if needed.
func (s *TokenRefreshService) GetValidAccessToken(ctx context.Context, userID string, name provider.Name) (*AccessToken, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	p, err := s.providers.Get(name)
	if err != nil {
		return nil, err
	}

	conn, err := s.load(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	if s.now().Before(conn.TokenExpiresAt.Add(-RefreshWindow)) {
		token, _, err := openAccessToken(s.cipher, conn)
		if err != nil {
			return nil, s.reauth(userID, name, err)
		}
		return &AccessToken{Token: token, ExpiresAt: conn.TokenExpiresAt, CalendarID: conn.CalendarID}, nil
	}

	v, err, _ := s.group.Do(userID+"\x00"+string(name), func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx), p, conn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccessToken), nil
}

func (s *TokenRefreshService) load(ctx context.Context, userID string, name provider.Name) (*storage.Connection, error) {
	var conn *storage.Connection
	err := storage.RetryOnce(ctx, func(ctx context.Context) error {
		var err error
		conn, err = s.store.GetConnection(ctx, userID, string(name))
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.New(apperr.KindNoConnection, "calendar is not connected", err)
	case err != nil:
		return nil, apperr.New(apperr.KindPersistenceFailed, "failed to load calendar connection", err)
	}
	return conn, nil
}

// reauth surfaces an unreadable stored secret as ReauthRequired.
func (s *TokenRefreshService) reauth(userID string, name provider.Name, err error) error {
	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"provider": name,
	}).WithError(err).Error("Stored token could not be decrypted")
	return apperr.New(apperr.KindReauthRequired, "calendar connection must be re-authorized", err)
}

func (s *TokenRefreshService) refresh(ctx context.Context, p provider.Provider, conn *storage.Connection) (*AccessToken, error) {
	name := p.Name()
	logger := s.logger.WithFields(logrus.Fields{"user_id": conn.UserID, "provider": name})

	refreshToken, refreshLegacy, err := openRefreshToken(s.cipher, conn)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(name), string(apperr.KindDecryptionError)).Inc()
		return nil, s.reauth(conn.UserID, name, err)
	}
	if refreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues(string(name), "no_refresh_token").Inc()
		return nil, apperr.New(apperr.KindReauthRequired, "connection has no refresh token", nil)
	}

	tokens, err := p.RefreshToken(ctx, refreshToken)
	if err != nil {
		err = apperr.Wrap(apperr.KindReauthRequired, "token refresh failed", err)
		metrics.TokenRefreshes.WithLabelValues(string(name), string(apperr.KindOf(err))).Inc()
		s.audit.Record(audit.Entry(conn.UserID, string(name), audit.ActionRefresh, err))
		logger.WithError(err).Warn("Token refresh failed")
		return nil, err
	}

	// a rotated refresh token replaces the old one; a plaintext one is re-sealed
	newRefresh := tokens.RefreshToken
	if newRefresh == "" && refreshLegacy {
		newRefresh = refreshToken
	}
	sealed, err := sealTokens(s.cipher, tokens.AccessToken, newRefresh)
	if err != nil {
		return nil, err
	}

	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = provider.DefaultExpiresIn
	}
	now := s.now()
	update := storage.TokenUpdate{
		UserID:         conn.UserID,
		Provider:       conn.Provider,
		AccessToken:    sealed.access,
		AccessTokenIV:  sealed.accessIV,
		RefreshToken:   sealed.refresh,
		RefreshTokenIV: sealed.refreshIV,
		ExpiresAt:      now.Add(expiresIn),
		RefreshedAt:    now,
	}

	err = storage.RetryOnce(ctx, func(ctx context.Context) error {
		return s.store.UpdateTokens(ctx, update)
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		metrics.TokenRefreshes.WithLabelValues(string(name), string(apperr.KindNoConnection)).Inc()
		return nil, apperr.New(apperr.KindNoConnection, "calendar was disconnected during refresh", err)
	case err != nil:
		metrics.TokenRefreshes.WithLabelValues(string(name), string(apperr.KindPersistenceFailed)).Inc()
		return nil, apperr.New(apperr.KindPersistenceFailed, "failed to save refreshed token", err)
	}

	metrics.TokenRefreshes.WithLabelValues(string(name), "success").Inc()
	logger.WithField("expires_at", update.ExpiresAt).Debug("Access token refreshed")

	return &AccessToken{
		Token:      tokens.AccessToken,
		ExpiresAt:  update.ExpiresAt,
		CalendarID: conn.CalendarID,
		Refreshed:  true,
	}, nil
}
