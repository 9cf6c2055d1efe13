package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"liveroom/internal/models"
)

func jsonRepositoryFactory(t *testing.T, opts ...Option) (RoomStore, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func TestJSONRoomStoreLifecycle(t *testing.T) {
	RunRoomStoreLifecycle(t, jsonRepositoryFactory)
}

func TestJSONRoomStoreOpenRoomConflict(t *testing.T) {
	RunRoomStoreOpenRoomConflict(t, jsonRepositoryFactory)
}

func TestJSONRoomStoreConditionalRace(t *testing.T) {
	RunRoomStoreConditionalRace(t, jsonRepositoryFactory)
}

func TestJSONRoomStoreViewerClamp(t *testing.T) {
	RunRoomStoreViewerClamp(t, jsonRepositoryFactory)
}

func TestJSONRoomStoreListFilters(t *testing.T) {
	RunRoomStoreListFilters(t, jsonRepositoryFactory)
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	room, err := store.InsertRoom(context.Background(), RoomDraft{OwnerID: "owner", Title: "Persist"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, err := reopened.GetRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("GetRoom after reopen: %v", err)
	}
	if loaded.StreamKey != room.StreamKey || loaded.Status != models.RoomPending {
		t.Fatalf("unexpected reloaded room %+v", loaded)
	}
}

func TestStorageEmptyFileLoadsEmptyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	rooms, err := store.ListRooms(context.Background(), RoomFilter{})
	if err != nil || len(rooms) != 0 {
		t.Fatalf("expected empty dataset, got %v %v", rooms, err)
	}
}

func TestStoragePersistFailureRollsBack(t *testing.T) {
	fail := false
	store, err := NewStorage("", WithPersistHook(func() error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()
	room, err := store.InsertRoom(ctx, RoomDraft{OwnerID: "owner", Title: "Rollback"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}

	fail = true
	now := time.Now()
	live := models.RoomLive
	if _, err := store.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomPending}, RoomPatch{Status: &live, StartTime: &now}); err == nil {
		t.Fatal("expected persist failure")
	}
	current, err := store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if current.Status != models.RoomPending {
		t.Fatalf("expected rollback to pending, got %s", current.Status)
	}
	if _, err := store.AdjustViewerCount(ctx, room.StreamKey, 1); err == nil {
		t.Fatal("expected persist failure on viewer adjust")
	}
	if _, err := store.DeleteRoomIf(ctx, room.ID, Condition{}); err == nil {
		t.Fatal("expected persist failure on delete")
	}
	if _, err := store.GetRoom(ctx, room.ID); err != nil {
		t.Fatalf("room should survive failed delete: %v", err)
	}
}

func TestStorageHonoursCancelledContext(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.InsertRoom(ctx, RoomDraft{OwnerID: "o", Title: "t"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConditionMatchesSilence(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	silence := &Silence{LastMediaBefore: base, StartedBefore: base.Add(-time.Minute)}

	tests := []struct {
		name string
		room models.Room
		want bool
	}{
		{name: "media older than threshold", room: models.Room{LastMediaAt: timePtr(base.Add(-time.Second))}, want: true},
		{name: "media exactly at threshold", room: models.Room{LastMediaAt: timePtr(base)}, want: false},
		{name: "never confirmed within grace", room: models.Room{StartTime: timePtr(base)}, want: false},
		{name: "never confirmed past grace", room: models.Room{StartTime: timePtr(base.Add(-2 * time.Minute))}, want: true},
		{name: "never started", room: models.Room{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Condition{Silent: silence}).Matches(tt.room); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnapshotRoundTripFromJSONStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := store.InsertRoom(context.Background(), RoomDraft{OwnerID: "a", Title: "one"}); err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	counts := snapshot.Counts()
	if counts.Rooms != 1 || counts.Pending != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	if err := ImportSnapshotToPostgres(context.Background(), store, snapshot); !errors.Is(err, ErrPostgresUnavailable) {
		t.Fatalf("expected ErrPostgresUnavailable for JSON store, got %v", err)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != "0001_rooms" {
		t.Fatalf("unexpected migrations %+v", migrations)
	}
	if stmts := splitSQLStatements(migrations[0].SQL); len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
}
