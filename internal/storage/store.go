package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Store implements the credential, event, resource and audit stores on top of
// sqlx. It runs against Postgres in production and SQLite locally and in tests.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func validateKey(userID, provider string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if provider == "" {
		return fmt.Errorf("%w: provider cannot be empty", ErrInvalidInput)
	}
	return nil
}

func validateConnection(c *Connection) error {
	if c == nil {
		return fmt.Errorf("%w: connection cannot be nil", ErrInvalidInput)
	}
	if err := validateKey(c.UserID, c.Provider); err != nil {
		return err
	}
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access token cannot be empty", ErrInvalidInput)
	}
	if c.AccessTokenIV.Valid != (c.AccessTokenIV.String != "") {
		return fmt.Errorf("%w: access token iv is malformed", ErrInvalidInput)
	}
	if c.RefreshTokenIV.Valid && !c.RefreshToken.Valid {
		return fmt.Errorf("%w: refresh token iv without refresh token", ErrInvalidInput)
	}
	if c.CalendarID == "" {
		return fmt.Errorf("%w: calendar ID cannot be empty", ErrInvalidInput)
	}
	return nil
}

// UpsertConnection inserts or fully overwrites the row for (user, provider).
// The row id is kept on conflict.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) error {
	if err := validateConnection(c); err != nil {
		return err
	}

	now := s.now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.TokenExpiresAt = c.TokenExpiresAt.UTC()

	query := `
		INSERT INTO calendar_connections (
			id, user_id, provider,
			access_token, access_token_iv, refresh_token, refresh_token_iv,
			token_expires_at, calendar_id, calendar_name, calendar_email,
			created_at, last_refreshed_at, updated_at
		) VALUES (
			:id, :user_id, :provider,
			:access_token, :access_token_iv, :refresh_token, :refresh_token_iv,
			:token_expires_at, :calendar_id, :calendar_name, :calendar_email,
			:created_at, :last_refreshed_at, :updated_at
		)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			access_token_iv = excluded.access_token_iv,
			refresh_token = excluded.refresh_token,
			refresh_token_iv = excluded.refresh_token_iv,
			token_expires_at = excluded.token_expires_at,
			calendar_id = excluded.calendar_id,
			calendar_name = excluded.calendar_name,
			calendar_email = excluded.calendar_email,
			created_at = excluded.created_at,
			last_refreshed_at = excluded.last_refreshed_at,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

const connectionColumns = `
	id, user_id, provider,
	access_token, access_token_iv, refresh_token, refresh_token_iv,
	token_expires_at, calendar_id, calendar_name, calendar_email,
	created_at, last_refreshed_at, updated_at`

// GetConnection returns the row for (user, provider) or ErrNotFound.
func (s *Store) GetConnection(ctx context.Context, userID, provider string) (*Connection, error) {
	if err := validateKey(userID, provider); err != nil {
		return nil, err
	}

	var c Connection
	query := s.db.Rebind(`SELECT ` + connectionColumns + ` FROM calendar_connections WHERE user_id = ? AND provider = ?`)
	if err := s.db.GetContext(ctx, &c, query, userID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no %s connection for user %s", ErrNotFound, provider, userID)
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &c, nil
}

// ListConnections returns every connection owned by userID.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	var out []Connection
	query := s.db.Rebind(`SELECT ` + connectionColumns + ` FROM calendar_connections WHERE user_id = ? ORDER BY provider`)
	if err := s.db.SelectContext(ctx, &out, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return out, nil
}

// ListLegacyConnections returns rows that still hold a plaintext token.
func (s *Store) ListLegacyConnections(ctx context.Context, limit int) ([]Connection, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	var out []Connection
	query := s.db.Rebind(`SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE access_token_iv IS NULL
		   OR (refresh_token IS NOT NULL AND refresh_token <> '' AND refresh_token_iv IS NULL)
		ORDER BY created_at
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list legacy connections: %w", err)
	}
	return out, nil
}

// UpdateTokens rewrites the token fields after a refresh. Concurrent refreshes
// resolve last-write-wins. Returns ErrNotFound if the row was deleted meanwhile.
func (s *Store) UpdateTokens(ctx context.Context, u TokenUpdate) error {
	if err := validateKey(u.UserID, u.Provider); err != nil {
		return err
	}
	if u.AccessToken == "" || !u.AccessTokenIV.Valid {
		return fmt.Errorf("%w: access token must be encrypted", ErrInvalidInput)
	}
	if u.RefreshToken.Valid && !u.RefreshTokenIV.Valid {
		return fmt.Errorf("%w: refresh token must be encrypted", ErrInvalidInput)
	}

	now := s.now().UTC()
	args := []interface{}{u.AccessToken, u.AccessTokenIV, u.ExpiresAt.UTC(), u.RefreshedAt.UTC(), now}
	set := `access_token = ?, access_token_iv = ?, token_expires_at = ?, last_refreshed_at = ?, updated_at = ?`
	if u.RefreshToken.Valid {
		set += `, refresh_token = ?, refresh_token_iv = ?`
		args = append(args, u.RefreshToken, u.RefreshTokenIV)
	}
	args = append(args, u.UserID, u.Provider)

	query := s.db.Rebind(`UPDATE calendar_connections SET ` + set + ` WHERE user_id = ? AND provider = ?`)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no %s connection for user %s", ErrNotFound, u.Provider, u.UserID)
	}
	return nil
}

// DeleteConnection removes the row for (user, provider) together with the
// events tracked under it. Deleting a missing row is not an error.
func (s *Store) DeleteConnection(ctx context.Context, userID, provider string) error {
	if err := validateKey(userID, provider); err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.DeleteEventsForConnection(ctx, userID, provider); err != nil {
		return err
	}
	if _, err := tx.DeleteConnection(ctx, userID, provider); err != nil {
		return err
	}
	return tx.Commit()
}

func validateEvent(ev *ScheduledEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: event cannot be nil", ErrInvalidInput)
	}
	if err := validateKey(ev.UserID, ev.Provider); err != nil {
		return err
	}
	if ev.ExternalEventID == "" {
		return fmt.Errorf("%w: external event ID cannot be empty", ErrInvalidInput)
	}
	if !ev.EndsAt.After(ev.StartsAt) {
		return fmt.Errorf("%w: event must end after it starts", ErrInvalidInput)
	}
	return nil
}

// InsertScheduledEvent records a provider event. (provider, external id) is unique.
func (s *Store) InsertScheduledEvent(ctx context.Context, ev *ScheduledEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	ev.StartsAt = ev.StartsAt.UTC()
	ev.EndsAt = ev.EndsAt.UTC()

	query := `
		INSERT INTO scheduled_events (
			id, user_id, resource_id, provider, external_event_id, calendar_id,
			title, starts_at, ends_at, notes, created_at
		) VALUES (
			:id, :user_id, :resource_id, :provider, :external_event_id, :calendar_id,
			:title, :starts_at, :ends_at, :notes, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("failed to insert scheduled event: %w", err)
	}
	return nil
}

// GetScheduledEvent returns the tracked event or ErrNotFound.
func (s *Store) GetScheduledEvent(ctx context.Context, provider, externalEventID string) (*ScheduledEvent, error) {
	if provider == "" || externalEventID == "" {
		return nil, fmt.Errorf("%w: provider and external event ID are required", ErrInvalidInput)
	}

	var ev ScheduledEvent
	query := s.db.Rebind(`
		SELECT id, user_id, resource_id, provider, external_event_id, calendar_id,
		       title, starts_at, ends_at, notes, created_at
		FROM scheduled_events
		WHERE provider = ? AND external_event_id = ?`)
	if err := s.db.GetContext(ctx, &ev, query, provider, externalEventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, externalEventID)
		}
		return nil, fmt.Errorf("failed to get scheduled event: %w", err)
	}
	return &ev, nil
}

// DeleteScheduledEvent removes a tracked event. Missing rows are not an error.
func (s *Store) DeleteScheduledEvent(ctx context.Context, provider, externalEventID string) error {
	if provider == "" || externalEventID == "" {
		return fmt.Errorf("%w: provider and external event ID are required", ErrInvalidInput)
	}

	query := s.db.Rebind(`DELETE FROM scheduled_events WHERE provider = ? AND external_event_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, provider, externalEventID); err != nil {
		return fmt.Errorf("failed to delete scheduled event: %w", err)
	}
	return nil
}

// GetResource returns a library resource or ErrNotFound.
func (s *Store) GetResource(ctx context.Context, id string) (*Resource, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: resource ID cannot be empty", ErrInvalidInput)
	}

	var r Resource
	query := s.db.Rebind(`SELECT id, title, is_published FROM resources WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: resource %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &r, nil
}

// RecordAudit appends an audit row.
func (s *Store) RecordAudit(ctx context.Context, e *AuditEntry) error {
	if e == nil || e.Action == "" {
		return fmt.Errorf("%w: audit action cannot be empty", ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	query := `
		INSERT INTO connection_audit (id, user_id, provider, action, outcome, detail, created_at)
		VALUES (:id, :user_id, :provider, :action, :outcome, :detail, :created_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// RetryOnce runs fn and retries it a single time on failure. Input validation
// and not-found results are returned without a retry.
func RetryOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}
