package storage

import (
	"context"
	"database/sql"
	"time"
)

// Connection is one delegated calendar grant per (user, provider).
// Token columns hold base64 ciphertext; a token with a NULL iv is legacy plaintext.
type Connection struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Provider        string         `db:"provider"`
	AccessToken     string         `db:"access_token"`
	AccessTokenIV   sql.NullString `db:"access_token_iv"`
	RefreshToken    sql.NullString `db:"refresh_token"`
	RefreshTokenIV  sql.NullString `db:"refresh_token_iv"`
	TokenExpiresAt  time.Time      `db:"token_expires_at"`
	CalendarID      string         `db:"calendar_id"`
	CalendarName    string         `db:"calendar_name"`
	CalendarEmail   string         `db:"calendar_email"`
	CreatedAt       time.Time      `db:"created_at"`
	LastRefreshedAt sql.NullTime   `db:"last_refreshed_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// IsLegacy reports whether any stored token is still plaintext.
func (c *Connection) IsLegacy() bool {
	if !c.AccessTokenIV.Valid {
		return true
	}
	return c.RefreshToken.Valid && c.RefreshToken.String != "" && !c.RefreshTokenIV.Valid
}

// TokenUpdate carries the fields rewritten by a token refresh.
// RefreshToken is only written when Valid.
type TokenUpdate struct {
	UserID         string
	Provider       string
	AccessToken    string
	AccessTokenIV  sql.NullString
	RefreshToken   sql.NullString
	RefreshTokenIV sql.NullString
	ExpiresAt      time.Time
	RefreshedAt    time.Time
}

// ScheduledEvent tracks an event created on the provider side.
type ScheduledEvent struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	ResourceID      string    `db:"resource_id"`
	Provider        string    `db:"provider"`
	ExternalEventID string    `db:"external_event_id"`
	CalendarID      string    `db:"calendar_id"`
	Title           string    `db:"title"`
	StartsAt        time.Time `db:"starts_at"`
	EndsAt          time.Time `db:"ends_at"`
	Notes           string    `db:"notes"`
	CreatedAt       time.Time `db:"created_at"`
}

// Resource is the read-only view of a library item that can be scheduled.
type Resource struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	IsPublished bool   `db:"is_published"`
}

// AuditEntry is one row of the connection audit trail.
type AuditEntry struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Provider  string    `db:"provider"`
	Action    string    `db:"action"`
	Outcome   string    `db:"outcome"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// CredentialStore persists calendar connections.
type CredentialStore interface {
	UpsertConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, userID, provider string) (*Connection, error)
	ListConnections(ctx context.Context, userID string) ([]Connection, error)
	UpdateTokens(ctx context.Context, update TokenUpdate) error
	DeleteConnection(ctx context.Context, userID, provider string) error
}

// EventStore persists tracked provider events.
type EventStore interface {
	InsertScheduledEvent(ctx context.Context, ev *ScheduledEvent) error
	GetScheduledEvent(ctx context.Context, provider, externalEventID string) (*ScheduledEvent, error)
	DeleteScheduledEvent(ctx context.Context, provider, externalEventID string) error
}

// ResourceStore looks up library resources.
type ResourceStore interface {
	GetResource(ctx context.Context, id string) (*Resource, error)
}

// AuditStore appends audit rows.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}
