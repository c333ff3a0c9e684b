package storage

import (
	"context"
	"fmt"
	"time"
)

// PruneOrphanedEvents removes tracked events whose connection no longer exists.
// Such rows are stale: the provider grant they were created under is gone.
func (s *Store) PruneOrphanedEvents(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM scheduled_events
		WHERE NOT EXISTS (
			SELECT 1 FROM calendar_connections c
			WHERE c.user_id = scheduled_events.user_id
			  AND c.provider = scheduled_events.provider
		)
	`
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prune orphaned events: %w", err)
	}

	return result.RowsAffected()
}

// PruneAudit removes audit rows older than the retention period
func (s *Store) PruneAudit(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	if retentionPeriod <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}

	cutoff := s.now().UTC().Add(-retentionPeriod)
	query := s.db.Rebind(`DELETE FROM connection_audit WHERE created_at < ?`)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}

	return result.RowsAffected()
}
