package server

import (
	"context"
	"testing"
	"time"

	"liveroom/internal/testsupport/redisstub"

	"github.com/redis/go-redis/v9"
)

func TestRedisWindowStoreSharesWindowAcrossLimiters(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	client := redis.NewClient(&redis.Options{Addr: stub.Addr(), DisableIndentity: true})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisWindowStore(client, time.Second)
	replicaA := newRateLimiter(RateLimitConfig{CreateLimit: 2, CreateWindow: time.Minute, Store: store})
	replicaB := newRateLimiter(RateLimitConfig{CreateLimit: 2, CreateWindow: time.Minute, Store: store})
	ctx := context.Background()

	if allowed, _, err := replicaA.AllowCreate(ctx, "10.0.0.1"); err != nil || !allowed {
		t.Fatalf("expected first create allowed, got %v (err %v)", allowed, err)
	}
	if allowed, _, err := replicaB.AllowCreate(ctx, "10.0.0.1"); err != nil || !allowed {
		t.Fatalf("expected second create allowed, got %v (err %v)", allowed, err)
	}
	allowed, retryAfter, err := replicaA.AllowCreate(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("AllowCreate error: %v", err)
	}
	if allowed {
		t.Fatal("expected the shared window to be exhausted")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected retry within the window, got %s", retryAfter)
	}
}

func TestRedisWindowStoreReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DisableIndentity: true, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisWindowStore(client, 200*time.Millisecond)
	if _, _, err := store.Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
