package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "calconnect:oauth_state:"

// RedisStateStore keeps pending connects in Redis so any instance can serve
// the callback. Entries expire through the key TTL.
type RedisStateStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStateStore wraps a Redis client.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client, now: time.Now}
}

func (s *RedisStateStore) Save(ctx context.Context, nonce string, pending PendingConnect) error {
	ttl := pending.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}
	buf, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := s.client.Set(ctx, redisStatePrefix+nonce, buf, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Consume uses GETDEL so two concurrent callbacks cannot both succeed.
func (s *RedisStateStore) Consume(ctx context.Context, nonce string) (*PendingConnect, error) {
	buf, err := s.client.GetDel(ctx, redisStatePrefix+nonce).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	var pending PendingConnect
	if err := json.Unmarshal(buf, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if !s.now().Before(pending.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &pending, nil
}
