package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// IdempotencyStore records which verification emails were already sent.
// Keys are caller-built (see notify.IdempotencyKey).
type IdempotencyStore struct {
	rdb *goredis.Client
}

func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.rdb}
}

func (s *IdempotencyStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return n > 0, nil
}

// MarkSent uses SETNX, so a second mark keeps the original timestamp and TTL.
func (s *IdempotencyStore) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("idempotency setnx: %w", err)
	}
	return nil
}
