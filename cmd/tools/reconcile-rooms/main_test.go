package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"liveroom/internal/models"
	"liveroom/internal/notify"
	"liveroom/internal/storage"
	"liveroom/internal/testsupport/redisstub"

	"github.com/redis/go-redis/v9"
)

// seedStaleRoom writes a pending room created ten minutes ago.
func seedStaleRoom(t *testing.T, path string) models.Room {
	t.Helper()
	past := time.Now().Add(-10 * time.Minute)
	seed, err := storage.NewJSONRepository(path, storage.WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	stale, err := seed.InsertRoom(context.Background(), storage.RoomDraft{OwnerID: "alice", Title: "Forgotten"})
	if err != nil {
		t.Fatalf("insert stale room: %v", err)
	}
	return stale
}

func TestReconcileRemovesStalePendingRooms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()
	stale := seedStaleRoom(t, path)

	fresh, err := storage.NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	recent, err := fresh.InsertRoom(ctx, storage.RoomDraft{OwnerID: "bob", Title: "Just made"})
	if err != nil {
		t.Fatalf("insert recent room: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := reconcile(ctx, path, "", "", 2*time.Minute, time.Minute, logger)
	if err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}
	if result.Deleted != 1 || result.Ended != 0 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	after, err := storage.NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if _, err := after.GetRoom(ctx, stale.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale room to be removed, got %v", err)
	}
	if _, err := after.GetRoom(ctx, recent.ID); err != nil {
		t.Fatalf("expected recent room to survive, got %v", err)
	}
}

func TestReconcilePublishesEventsToRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	client := redis.NewClient(&redis.Options{Addr: stub.Addr(), DisableIndentity: true})
	t.Cleanup(func() { _ = client.Close() })

	// A running server listens on the shared stream through its own group.
	ctx := context.Background()
	listener, err := notify.NewRedisBus(ctx, notify.RedisBusConfig{Client: client, InstanceID: "server", BlockTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("listener bus: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = listener.Close(closeCtx)
	})
	sub := listener.Subscribe()
	defer sub.Close()

	path := filepath.Join(t.TempDir(), "rooms.json")
	stale := seedStaleRoom(t, path)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := reconcile(ctx, path, "", stub.Addr(), 2*time.Minute, time.Minute, logger)
	if err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	select {
	case event := <-sub.Events():
		if event.Type != notify.EventRoomDeleted || event.Data.RoomID != stale.ID {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the running server to receive roomDeleted")
	}
}

func TestOpenStoreRequiresDriver(t *testing.T) {
	if _, err := openStore("", ""); err == nil {
		t.Fatal("expected error without a datastore")
	}
}
