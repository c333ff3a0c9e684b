// Package storagetest opens a migrated in-memory store for tests in other packages.
package storagetest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"calconnect-go/internal/storage"
)

// Key is a fixed 32-byte encryption key for tests.
var Key = []byte("0123456789abcdef0123456789abcdef")

// Open returns a migrated SQLite store that lives for the duration of t.
func Open(t testing.TB) *storage.Store {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a second connection would see a different empty database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := storage.NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// Cipher returns a cipher keyed with Key.
func Cipher(t testing.TB) *storage.Cipher {
	t.Helper()
	c, err := storage.NewCipher(Key)
	require.NoError(t, err)
	return c
}

// AddResource inserts a library resource.
func AddResource(t testing.TB, store *storage.Store, id, title string, published bool) {
	t.Helper()
	_, err := store.DB().Exec(store.DB().Rebind(`INSERT INTO resources (id, title, is_published) VALUES (?, ?, ?)`), id, title, published)
	require.NoError(t, err)
}
