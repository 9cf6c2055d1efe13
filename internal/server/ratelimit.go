package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request volume. GlobalRPS caps the whole server;
// CreateLimit caps room creation per client IP within CreateWindow. When a
// Store is set the per-IP window is shared across replicas.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	CreateLimit  int
	CreateWindow time.Duration
	Store        WindowStore
}

// WindowStore counts hits against a fixed window shared by every replica.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global       *rate.Limiter
	createLimit  int
	createWindow time.Duration
	store        WindowStore

	mu      sync.Mutex
	clients map[string]*ipLimiter
	now     func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		createLimit:  cfg.CreateLimit,
		createWindow: cfg.CreateWindow,
		store:        cfg.Store,
		clients:      make(map[string]*ipLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.createLimit < 0 {
		rl.createLimit = 0
	}
	if rl.createWindow <= 0 {
		rl.createWindow = time.Minute
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowCreate reports whether the client identified by key may create
// another room, and how long to wait when it may not.
func (r *rateLimiter) AllowCreate(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.createLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "liveroom:create:"+key, r.createLimit, r.createWindow)
	}

	now := r.now()
	r.mu.Lock()
	client, exists := r.clients[key]
	if !exists {
		every := r.createWindow / time.Duration(r.createLimit)
		client = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.createLimit)}
		r.clients[key] = client
	}
	client.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := client.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.createWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}
