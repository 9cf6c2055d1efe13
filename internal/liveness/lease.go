package liveness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLeaseKey = "liveroom:liveness:sweep"

// RedisLease is a best-effort cross-replica lease built on SET NX PX. It is
// never released; it expires shortly before the next tick so exactly one
// replica sweeps per interval.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	holder string
}

// NewRedisLease returns a lease stored under key, identifying this replica
// as holder.
func NewRedisLease(client redis.UniversalClient, key, holder string) (*RedisLease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultLeaseKey
	}
	if strings.TrimSpace(holder) == "" {
		return nil, fmt.Errorf("lease holder is required")
	}
	return &RedisLease{client: client, key: key, holder: holder}, nil
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	return ok, nil
}
