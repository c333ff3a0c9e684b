package auth

import (
	"context"
	"sync"
	"time"
)

// InMemoryStateStore provides an in-memory implementation of the StateStore
// interface. It is only correct for a single process.
type InMemoryStateStore struct {
	mu     sync.Mutex
	states map[string]PendingConnect
	now    func() time.Time
}

// NewInMemoryStateStore creates a new InMemoryStateStore.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		states: make(map[string]PendingConnect),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (s *InMemoryStateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Save stores the pending connect and sweeps expired entries.
func (s *InMemoryStateStore) Save(ctx context.Context, nonce string, pending PendingConnect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.states {
		if !now.Before(v.ExpiresAt) {
			delete(s.states, k)
		}
	}
	s.states[nonce] = pending
	return nil
}

// Consume validates and then deletes the state for a nonce.
func (s *InMemoryStateStore) Consume(ctx context.Context, nonce string) (*PendingConnect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.states[nonce]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.states, nonce)
	if !s.now().Before(pending.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &pending, nil
}

// Len returns the number of outstanding states.
func (s *InMemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
