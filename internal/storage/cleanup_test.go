package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PruneOrphanedEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertConnection(ctx, sealedConnection(t, "user-1", "google", "a", "r")))
	require.NoError(t, store.InsertScheduledEvent(ctx, testEvent("user-1", "google", "kept")))
	require.NoError(t, store.InsertScheduledEvent(ctx, testEvent("user-2", "google", "orphan")))

	n, err := store.PruneOrphanedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetScheduledEvent(ctx, "google", "kept")
	assert.NoError(t, err)
	_, err = store.GetScheduledEvent(ctx, "google", "orphan")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PruneAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.SetClock(func() time.Time { return now })

	old := &AuditEntry{UserID: "u", Provider: "google", Action: "connect", Outcome: "success", CreatedAt: now.Add(-100 * 24 * time.Hour)}
	fresh := &AuditEntry{UserID: "u", Provider: "google", Action: "disconnect", Outcome: "success", CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, store.RecordAudit(ctx, old))
	require.NoError(t, store.RecordAudit(ctx, fresh))

	n, err := store.PruneAudit(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.PruneAudit(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
