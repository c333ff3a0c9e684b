package auth

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/audit"
	"calconnect-go/internal/metrics"
	"calconnect-go/internal/provider"
	"calconnect-go/internal/storage"
)

// ConnectionStore is the persistence the Manager needs.
type ConnectionStore interface {
	storage.CredentialStore
	ListLegacyConnections(ctx context.Context, limit int) ([]storage.Connection, error)
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	Code  string
	State string
	// Error is set instead of Code when the user denied consent.
	Error string
}

// ConnectionResult describes a freshly stored connection.
type ConnectionResult struct {
	UserID        string
	Provider      provider.Name
	CalendarID    string
	CalendarName  string
	CalendarEmail string
	ExpiresAt     time.Time
}

// ConnectionInfo is the token-free view of a stored connection.
type ConnectionInfo struct {
	Provider        string     `json:"provider"`
	CalendarID      string     `json:"calendar_id"`
	CalendarName    string     `json:"calendar_name"`
	CalendarEmail   string     `json:"calendar_email"`
	TokenExpiresAt  time.Time  `json:"token_expires_at"`
	ConnectedAt     time.Time  `json:"connected_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	Legacy          bool       `json:"legacy_plaintext"`
}

// Manager drives the connect and disconnect flows for calendar providers.
type Manager struct {
	providers *provider.Registry
	store     ConnectionStore
	cipher    *storage.Cipher
	states    StateStore
	audit     audit.Sink
	logger    logrus.FieldLogger
	stateTTL  time.Duration
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithStateTTL sets how long an issued state stays valid.
func WithStateTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// WithAudit sets where connect and disconnect outcomes are recorded.
func WithAudit(sink audit.Sink) ManagerOption {
	return func(m *Manager) { m.audit = sink }
}

// NewManager creates a new Manager instance
func NewManager(providers *provider.Registry, store ConnectionStore, cipher *storage.Cipher, states StateStore, logger logrus.FieldLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		providers: providers,
		store:     store,
		cipher:    cipher,
		states:    states,
		audit:     audit.Discard,
		logger:    logger,
		stateTTL:  DefaultStateTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginConnect issues a single-use state for userID and returns the
// provider's authorization URL.
func (m *Manager) BeginConnect(ctx context.Context, userID string, name provider.Name) (string, error) {
	if userID == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	p, err := m.providers.Get(name)
	if err != nil {
		return "", err
	}

	nonce, err := newNonce()
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "failed to start connect", err)
	}
	verifier := oauth2.GenerateVerifier()

	pending := PendingConnect{
		UserID:    userID,
		Provider:  string(name),
		Verifier:  verifier,
		ExpiresAt: m.now().Add(m.stateTTL),
	}
	if err := m.states.Save(ctx, nonce, pending); err != nil {
		return "", apperr.New(apperr.KindInternal, "failed to store connect state", err)
	}

	state := State{UserID: userID, Provider: string(name), Nonce: nonce}
	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"provider": name,
	}).Info("Starting calendar connect")

	return p.AuthCodeURL(state.Encode(), verifier), nil
}

// consumeState checks the state against the record issued by BeginConnect.
// The nonce is spent whether or not the checks pass.
func (m *Manager) consumeState(ctx context.Context, name provider.Name, raw string) (*State, *PendingConnect, error) {
	state, err := DecodeState(raw)
	if err != nil {
		return nil, nil, err
	}

	pending, err := m.states.Consume(ctx, state.Nonce)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return &state, nil, apperr.New(apperr.KindInvalidState, "state was not issued, already used or expired", err)
		}
		return &state, nil, apperr.New(apperr.KindInternal, "failed to read connect state", err)
	}
	if pending.UserID != state.UserID || pending.Provider != state.Provider || state.Provider != string(name) {
		return &state, nil, apperr.New(apperr.KindInvalidState, "state does not match the issued connect", nil)
	}
	return &state, pending, nil
}

// CompleteConnect handles the provider callback: validate state, exchange the
// code, find the primary calendar and store the encrypted tokens.
func (m *Manager) CompleteConnect(ctx context.Context, name provider.Name, params CallbackParams) (*ConnectionResult, error) {
	logger := m.logger.WithField("provider", name)

	result, userID, err := m.completeConnect(ctx, name, params)
	metrics.Connects.WithLabelValues(string(name), connectResult(err)).Inc()
	if userID != "" {
		m.audit.Record(audit.Entry(userID, string(name), audit.ActionConnect, err))
	}
	if err != nil {
		logger.WithField("user_id", userID).WithError(err).Warn("Calendar connect failed")
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"calendar_id": result.CalendarID,
	}).Info("Calendar connected")
	return result, nil
}

func (m *Manager) completeConnect(ctx context.Context, name provider.Name, params CallbackParams) (*ConnectionResult, string, error) {
	p, err := m.providers.Get(name)
	if err != nil {
		return nil, "", err
	}

	state, pending, err := m.consumeState(ctx, name, params.State)
	userID := ""
	if pending != nil {
		userID = pending.UserID
	}
	if params.Error != "" {
		// the state is spent either way; the denial is what the user sees
		return nil, userID, apperr.New(apperr.KindConnectDenied, "authorization was not granted", errors.New(params.Error))
	}
	if err != nil {
		return nil, userID, err
	}
	userID = state.UserID

	if params.Code == "" {
		return nil, userID, apperr.New(apperr.KindConnectDenied, "no authorization code returned", nil)
	}

	tokens, err := p.ExchangeCode(ctx, params.Code, pending.Verifier)
	if err != nil {
		return nil, userID, apperr.Wrap(apperr.KindTokenExchangeFailed, "token exchange failed", err)
	}
	if tokens.AccessToken == "" {
		return nil, userID, apperr.New(apperr.KindTokenExchangeFailed, "token response had no access token", nil)
	}

	calendars, err := p.ListCalendars(ctx, tokens.AccessToken)
	if err != nil {
		return nil, userID, apperr.Wrap(apperr.KindProviderError, "failed to list calendars", err)
	}
	primary, ok := provider.Primary(calendars)
	if !ok {
		return nil, userID, apperr.New(apperr.KindNoCalendarFound, "account has no primary calendar", nil)
	}

	sealed, err := sealTokens(m.cipher, tokens.AccessToken, tokens.RefreshToken)
	if err != nil {
		return nil, userID, err
	}

	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = provider.DefaultExpiresIn
	}
	now := m.now()
	conn := &storage.Connection{
		UserID:         userID,
		Provider:       string(name),
		AccessToken:    sealed.access,
		AccessTokenIV:  sealed.accessIV,
		RefreshToken:   sealed.refresh,
		RefreshTokenIV: sealed.refreshIV,
		TokenExpiresAt: now.Add(expiresIn).UTC(),
		CalendarID:     primary.ID,
		CalendarName:   primary.Name,
		CalendarEmail:  primary.Email,
		CreatedAt:      now.UTC(),
	}
	if tokens.RefreshToken == "" {
		m.logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"provider": name,
		}).Warn("Provider issued no refresh token; connection will need re-consent on expiry")
	}

	err = storage.RetryOnce(ctx, func(ctx context.Context) error {
		return m.store.UpsertConnection(ctx, conn)
	})
	if err != nil {
		return nil, userID, apperr.New(apperr.KindPersistenceFailed, "failed to save calendar connection", err)
	}

	return &ConnectionResult{
		UserID:        userID,
		Provider:      name,
		CalendarID:    primary.ID,
		CalendarName:  primary.Name,
		CalendarEmail: primary.Email,
		ExpiresAt:     conn.TokenExpiresAt,
	}, userID, nil
}

func connectResult(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperr.KindOf(err))
}

// Disconnect revokes the grant on a best-effort basis and deletes the stored
// connection. Disconnecting a provider that is not connected is a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID string, name provider.Name) error {
	if userID == "" {
		return apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	p, err := m.providers.Get(name)
	if err != nil {
		return err
	}
	logger := m.logger.WithFields(logrus.Fields{"user_id": userID, "provider": name})

	conn, err := m.store.GetConnection(ctx, userID, string(name))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Debug("Disconnect on missing connection")
		return nil
	case err != nil:
		return apperr.New(apperr.KindPersistenceFailed, "failed to load calendar connection", err)
	}

	m.revoke(ctx, p, conn, logger)

	err = storage.RetryOnce(ctx, func(ctx context.Context) error {
		return m.store.DeleteConnection(ctx, userID, string(name))
	})
	metrics.Disconnects.WithLabelValues(string(name)).Inc()
	m.audit.Record(audit.Entry(userID, string(name), audit.ActionDisconnect, err))
	if err != nil {
		return apperr.New(apperr.KindPersistenceFailed, "failed to delete calendar connection", err)
	}

	logger.Info("Calendar disconnected")
	return nil
}

// revoke never fails the disconnect; the row is deleted regardless.
func (m *Manager) revoke(ctx context.Context, p provider.Provider, conn *storage.Connection, logger logrus.FieldLogger) {
	// revoking the refresh token ends the whole grant on providers that support it
	token, _, err := openRefreshToken(m.cipher, conn)
	if err == nil && token == "" {
		token, _, err = openAccessToken(m.cipher, conn)
	}
	if err != nil {
		logger.WithError(err).Warn("Skipping token revocation, stored token unreadable")
		return
	}

	err = p.RevokeToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrRevokeUnsupported):
		logger.Debug("Provider does not support token revocation")
	default:
		logger.WithError(err).Warn("Token revocation failed, deleting connection anyway")
	}
}

// ListConnections returns the caller's connections without any token material.
func (m *Manager) ListConnections(ctx context.Context, userID string) ([]ConnectionInfo, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "user ID cannot be empty", nil)
	}
	conns, err := m.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, apperr.New(apperr.KindPersistenceFailed, "failed to list calendar connections", err)
	}

	out := make([]ConnectionInfo, 0, len(conns))
	for i := range conns {
		c := &conns[i]
		info := ConnectionInfo{
			Provider:       c.Provider,
			CalendarID:     c.CalendarID,
			CalendarName:   c.CalendarName,
			CalendarEmail:  c.CalendarEmail,
			TokenExpiresAt: c.TokenExpiresAt,
			ConnectedAt:    c.CreatedAt,
			Legacy:         c.IsLegacy(),
		}
		if c.LastRefreshedAt.Valid {
			t := c.LastRefreshedAt.Time
			info.LastRefreshedAt = &t
		}
		out = append(out, info)
	}
	return out, nil
}

// ReencryptLegacy encrypts tokens still stored as plaintext and returns how
// many connections were rewritten.
func (m *Manager) ReencryptLegacy(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	total := 0
	for {
		conns, err := m.store.ListLegacyConnections(ctx, batchSize)
		if err != nil {
			return total, apperr.New(apperr.KindPersistenceFailed, "failed to list legacy connections", err)
		}
		if len(conns) == 0 {
			return total, nil
		}

		rewritten := 0
		for i := range conns {
			if err := m.reencrypt(ctx, &conns[i]); err != nil {
				m.logger.WithFields(logrus.Fields{
					"user_id":  conns[i].UserID,
					"provider": conns[i].Provider,
				}).WithError(err).Warn("Failed to re-encrypt legacy connection")
				continue
			}
			rewritten++
		}
		total += rewritten

		// rows that keep failing would be listed again forever
		if rewritten < len(conns) || len(conns) < batchSize {
			return total, nil
		}
	}
}

func (m *Manager) reencrypt(ctx context.Context, conn *storage.Connection) error {
	access, _, err := openAccessToken(m.cipher, conn)
	if err != nil {
		return err
	}
	refresh, _, err := openRefreshToken(m.cipher, conn)
	if err != nil {
		return err
	}
	sealed, err := sealTokens(m.cipher, access, refresh)
	if err != nil {
		return err
	}

	conn.AccessToken, conn.AccessTokenIV = sealed.access, sealed.accessIV
	conn.RefreshToken, conn.RefreshTokenIV = sealed.refresh, sealed.refreshIV
	return m.store.UpsertConnection(ctx, conn)
}
