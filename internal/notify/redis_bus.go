package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"liveroom/internal/observability/metrics"

	"github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the cross-replica bus. Every replica reads the
// stream through its own consumer group, so each one sees every event and
// relays it to its local subscribers.
type RedisBusConfig struct {
	Client         redis.UniversalClient
	Stream         string
	GroupPrefix    string
	InstanceID     string
	MaxLen         int64
	PublishTimeout time.Duration
	BlockTimeout   time.Duration
	Outbox         int
	Buffer         int
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// RedisBus publishes events to a Redis stream and relays the stream back to
// in-process subscribers.
type RedisBus struct {
	client         redis.UniversalClient
	stream         string
	group          string
	consumer       string
	maxLen         int64
	publishTimeout time.Duration
	blockTimeout   time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder

	local  *Broker
	outbox chan Event
	// stop hands the Close context to publishLoop, which drains the outbox
	// under it and then closes published.
	stop      chan context.Context
	published chan struct{}
	cancel    context.CancelFunc
	relayDone chan struct{}
	once      sync.Once
}

// NewRedisBus creates the instance's consumer group and starts the publish
// and relay loops. Close must be called to release them.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "liveroom:notifications"
	}
	prefix := strings.TrimSpace(cfg.GroupPrefix)
	if prefix == "" {
		prefix = "liveroom-notify"
	}
	instance := strings.TrimSpace(cfg.InstanceID)
	if instance == "" {
		instance = randomInstanceID()
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := &RedisBus{
		client:         cfg.Client,
		stream:         stream,
		group:          prefix + ":" + instance,
		consumer:       instance,
		maxLen:         cfg.MaxLen,
		publishTimeout: cfg.PublishTimeout,
		blockTimeout:   cfg.BlockTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		local:          NewBroker(cfg.Buffer, cfg.Metrics),
		outbox:         make(chan Event, cfg.Outbox),
		stop:           make(chan context.Context),
		published:      make(chan struct{}),
		relayDone:      make(chan struct{}),
	}

	setupCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	if err := bus.client.XGroupCreateMkStream(setupCtx, bus.stream, bus.group, "$").Err(); err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create notification group: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	bus.cancel = runCancel
	go bus.publishLoop(runCtx)
	go bus.relayLoop(runCtx)
	return bus, nil
}

// Broadcast queues the event for publication. A full outbox drops the
// event rather than blocking the lifecycle transition that produced it.
func (b *RedisBus) Broadcast(event Event) {
	if event.Type == "" {
		return
	}
	select {
	case b.outbox <- event:
	default:
		b.metrics.NotificationDropped("redis")
		b.logger.Warn("notification outbox full, dropping event", "type", event.Type, "room_id", event.Data.RoomID)
	}
}

func (b *RedisBus) Subscribe() Subscription {
	return b.local.Subscribe()
}

// Close publishes whatever is still queued, then stops the relay loop and
// removes the instance's consumer group. Events left when ctx expires are
// delivered locally only. The shared client is left open.
func (b *RedisBus) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		defer b.cancel()
		if err = ctx.Err(); err != nil {
			return
		}
		select {
		case b.stop <- ctx:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		select {
		case <-b.published:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		b.cancel()
		select {
		case <-b.relayDone:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		if destroyErr := b.client.XGroupDestroy(ctx, b.stream, b.group).Err(); destroyErr != nil {
			b.logger.Warn("remove notification group failed", "group", b.group, "error", destroyErr)
		}
	})
	return err
}

// publishLoop exits on abort only when Close gave up before handing over
// its context.
func (b *RedisBus) publishLoop(abort context.Context) {
	defer close(b.published)
	for {
		select {
		case <-abort.Done():
			return
		case ctx := <-b.stop:
			b.drain(ctx)
			return
		case event := <-b.outbox:
			b.publish(context.Background(), event)
		}
	}
}

// drain empties the outbox. Once ctx is done each publish fails fast and
// falls back to local delivery, so drain never outlives Close.
func (b *RedisBus) drain(ctx context.Context) {
	for {
		select {
		case event := <-b.outbox:
			b.publish(ctx, event)
		default:
			return
		}
	}
}

func (b *RedisBus) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encode notification failed", "type", event.Type, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	err = b.client.XAdd(pubCtx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
	if err == nil {
		return
	}
	b.metrics.NotificationDropped("redis")
	b.logger.Warn("publish notification failed, delivering locally", "type", event.Type, "room_id", event.Data.RoomID, "error", err)
	b.local.Broadcast(event)
}

func (b *RedisBus) relayLoop(ctx context.Context) {
	defer close(b.relayDone)
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    32,
			Block:    b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("read notifications failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.relay(message)
				if err := b.client.XAck(ctx, b.stream, b.group, message.ID).Err(); err != nil && ctx.Err() == nil {
					b.logger.Warn("ack notification failed", "id", message.ID, "error", err)
				}
			}
		}
	}
}

func (b *RedisBus) relay(message redis.XMessage) {
	raw, _ := message.Values["payload"].(string)
	if raw == "" {
		return
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.Error("decode notification failed", "id", message.ID, "error", err)
		return
	}
	b.local.Broadcast(event)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func randomInstanceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
