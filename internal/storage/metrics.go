package storage

import (
	"context"
	"fmt"
	"time"
)

// Metrics is a point-in-time snapshot of stored calendar state
type Metrics struct {
	ConnectionsByProvider map[string]int64 // Connections per provider
	LegacyPlaintext       int64            // Connections still holding a plaintext token
	ExpiredAccessTokens   int64            // Connections whose access token has expired
	ScheduledEvents       int64            // Tracked provider events
	CollectedAt           time.Time        // When these metrics were collected
}

// GetMetrics collects the snapshot
func (s *Store) GetMetrics(ctx context.Context) (*Metrics, error) {
	now := s.now().UTC()
	metrics := &Metrics{
		ConnectionsByProvider: make(map[string]int64),
		CollectedAt:           now,
	}

	var perProvider []struct {
		Provider string `db:"provider"`
		Count    int64  `db:"n"`
	}
	err := s.db.SelectContext(ctx, &perProvider, `
		SELECT provider, COUNT(*) AS n
		FROM calendar_connections
		GROUP BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count connections: %w", err)
	}
	for _, p := range perProvider {
		metrics.ConnectionsByProvider[p.Provider] = p.Count
	}

	err = s.db.GetContext(ctx, &metrics.LegacyPlaintext, `
		SELECT COUNT(*)
		FROM calendar_connections
		WHERE access_token_iv IS NULL
		   OR (refresh_token IS NOT NULL AND refresh_token <> '' AND refresh_token_iv IS NULL)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count legacy connections: %w", err)
	}

	err = s.db.GetContext(ctx, &metrics.ExpiredAccessTokens,
		s.db.Rebind(`SELECT COUNT(*) FROM calendar_connections WHERE token_expires_at < ?`), now)
	if err != nil {
		return nil, fmt.Errorf("failed to count expired tokens: %w", err)
	}

	err = s.db.GetContext(ctx, &metrics.ScheduledEvents, `SELECT COUNT(*) FROM scheduled_events`)
	if err != nil {
		return nil, fmt.Errorf("failed to count scheduled events: %w", err)
	}

	return metrics, nil
}
