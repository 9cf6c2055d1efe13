package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindowStore is a fixed-window counter kept in Redis with INCR and
// EXPIRE.
type RedisWindowStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisWindowStore(client redis.UniversalClient, timeout time.Duration) *RedisWindowStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisWindowStore{client: client, timeout: timeout}
}

func (s *RedisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
