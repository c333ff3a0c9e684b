package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// migrationLock ensures only one migration can run at a time
var migrationLock sync.Mutex

// Migration represents a database migration. Postgres and SQLite differ only
// in column types, so each migration carries one script per dialect.
type Migration struct {
	Version     int64
	Description string
	Postgres    string
	SQLite      string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create calendar connections",
		Postgres: `
			CREATE TABLE IF NOT EXISTS calendar_connections (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				access_token TEXT NOT NULL,
				access_token_iv TEXT,
				refresh_token TEXT,
				refresh_token_iv TEXT,
				token_expires_at TIMESTAMPTZ NOT NULL,
				calendar_id TEXT NOT NULL,
				calendar_name TEXT NOT NULL DEFAULT '',
				calendar_email TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_refreshed_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT calendar_connections_user_provider_key UNIQUE (user_id, provider)
			);
		`,
		SQLite: `
			CREATE TABLE IF NOT EXISTS calendar_connections (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				access_token TEXT NOT NULL,
				access_token_iv TEXT,
				refresh_token TEXT,
				refresh_token_iv TEXT,
				token_expires_at DATETIME NOT NULL,
				calendar_id TEXT NOT NULL,
				calendar_name TEXT NOT NULL DEFAULT '',
				calendar_email TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_refreshed_at DATETIME,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (user_id, provider)
			);
		`,
	},
	{
		Version:     2,
		Description: "Create scheduled events and resources",
		Postgres: `
			CREATE TABLE IF NOT EXISTS scheduled_events (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				external_event_id TEXT NOT NULL,
				calendar_id TEXT NOT NULL,
				title TEXT NOT NULL,
				starts_at TIMESTAMPTZ NOT NULL,
				ends_at TIMESTAMPTZ NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT scheduled_events_provider_external_key UNIQUE (provider, external_event_id)
			);

			CREATE INDEX IF NOT EXISTS idx_scheduled_events_user_provider ON scheduled_events(user_id, provider);

			CREATE TABLE IF NOT EXISTS resources (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				is_published BOOLEAN NOT NULL DEFAULT TRUE
			);
		`,
		SQLite: `
			CREATE TABLE IF NOT EXISTS scheduled_events (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				external_event_id TEXT NOT NULL,
				calendar_id TEXT NOT NULL,
				title TEXT NOT NULL,
				starts_at DATETIME NOT NULL,
				ends_at DATETIME NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (provider, external_event_id)
			);

			CREATE INDEX IF NOT EXISTS idx_scheduled_events_user_provider ON scheduled_events(user_id, provider);

			CREATE TABLE IF NOT EXISTS resources (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				is_published BOOLEAN NOT NULL DEFAULT TRUE
			);
		`,
	},
	{
		Version:     3,
		Description: "Create connection audit trail",
		Postgres: `
			CREATE TABLE IF NOT EXISTS connection_audit (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				action TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_connection_audit_created_at ON connection_audit(created_at);
		`,
		SQLite: `
			CREATE TABLE IF NOT EXISTS connection_audit (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				action TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_connection_audit_created_at ON connection_audit(created_at);
		`,
	},
}

func (m Migration) script(driver string) string {
	if driver == "postgres" {
		return m.Postgres
	}
	return m.SQLite
}

// Migrate applies all pending database migrations
func (s *Store) Migrate(ctx context.Context) error {
	migrationLock.Lock()
	defer migrationLock.Unlock()

	createTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int64
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.script(s.db.DriverName())); err != nil {
		return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
	}

	insert := tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, m.Version, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version   int64     `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

// GetMigrationStatus returns the current migration status
func (s *Store) GetMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	var status []MigrationStatus
	err := s.db.SelectContext(ctx, &status, `
		SELECT version, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	return status, nil
}
