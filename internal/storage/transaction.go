package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var (
	ErrTransactionClosed = errors.New("transaction is already closed")
)

// Transaction represents a database transaction
type Transaction struct {
	tx     *sqlx.Tx
	closed bool
}

// BeginTx starts a new database transaction
func (s *Store) BeginTx(ctx context.Context) (*Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.closed = true
	return t.tx.Commit()
}

// Rollback rolls back the transaction
func (t *Transaction) Rollback() error {
	if t.closed {
		return ErrTransactionClosed
	}
	t.closed = true
	return t.tx.Rollback()
}

// DeleteConnection removes the connection row within the transaction
func (t *Transaction) DeleteConnection(ctx context.Context, userID, provider string) (int64, error) {
	if t.closed {
		return 0, ErrTransactionClosed
	}

	query := t.tx.Rebind(`DELETE FROM calendar_connections WHERE user_id = ? AND provider = ?`)
	result, err := t.tx.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to delete connection: %w", err)
	}
	return result.RowsAffected()
}

// DeleteEventsForConnection removes the events tracked under a connection within the transaction
func (t *Transaction) DeleteEventsForConnection(ctx context.Context, userID, provider string) (int64, error) {
	if t.closed {
		return 0, ErrTransactionClosed
	}

	query := t.tx.Rebind(`DELETE FROM scheduled_events WHERE user_id = ? AND provider = ?`)
	result, err := t.tx.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scheduled events: %w", err)
	}
	return result.RowsAffected()
}
