package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// IdempotencyStore holds executor action keys so a settlement transaction is
// submitted by exactly one replica until its key is released.
type IdempotencyStore struct {
	rdb *redis.Client
	key func(kind, id string) string
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.rdb, key: c.key}
}

// Claim sets the key if absent. It returns false when it is already held.
func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key("action", key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key("action", key)).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}
