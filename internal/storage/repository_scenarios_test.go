package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liveroom/internal/models"
)

// RepositoryFactory constructs a RoomStore backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (RoomStore, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) RoomStore {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres repository unavailable")
	}
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// steppingClock advances one second on every call so rows created in a
// sequence have strictly increasing timestamps.
type steppingClock struct {
	base  time.Time
	ticks atomic.Int64
}

func newSteppingClock() *steppingClock {
	return &steppingClock{base: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

func statusPtr(s models.RoomStatus) *models.RoomStatus { return &s }
func boolPtr(b bool) *bool                             { return &b }
func timePtr(t time.Time) *time.Time                   { return &t }

// RunRoomStoreLifecycle walks a room through pending, live and ended using
// conditional writes.
func RunRoomStoreLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	room, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "Launch"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	if room.ID == "" || len(room.StreamKey) != 48 {
		t.Fatalf("expected id and 48 char stream key, got %q %q", room.ID, room.StreamKey)
	}
	if room.Status != models.RoomPending || room.ViewerCount != 0 || room.HasActiveMedia {
		t.Fatalf("unexpected fresh room %+v", room)
	}

	byKey, err := repo.GetRoomByStreamKey(ctx, room.StreamKey)
	if err != nil || byKey.ID != room.ID {
		t.Fatalf("GetRoomByStreamKey: %v %+v", err, byKey)
	}

	started := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	live, err := repo.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomPending}, RoomPatch{
		Status:           statusPtr(models.RoomLive),
		StartTime:        timePtr(started),
		ClearEndTime:     true,
		HasActiveMedia:   boolPtr(false),
		ClearLastMediaAt: true,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := live.Validate(); err != nil {
		t.Fatalf("live room invalid: %v", err)
	}

	if _, err := repo.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomPending}, RoomPatch{Status: statusPtr(models.RoomLive)}); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed on second start, got %v", err)
	}

	ended, err := repo.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomLive}, RoomPatch{
		Status:         statusPtr(models.RoomEnded),
		EndTime:        timePtr(started.Add(time.Hour)),
		HasActiveMedia: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := ended.Validate(); err != nil {
		t.Fatalf("ended room invalid: %v", err)
	}

	if _, err := repo.UpdateRoomIf(ctx, "missing", Condition{}, RoomPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetRoom(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// RunRoomStoreOpenRoomConflict asserts one open room per owner.
func RunRoomStoreOpenRoomConflict(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	first, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "One"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	if _, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "Two"}); !errors.Is(err, ErrOpenRoomExists) {
		t.Fatalf("expected ErrOpenRoomExists, got %v", err)
	}
	if _, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-2", Title: "Other"}); err != nil {
		t.Fatalf("other owner insert: %v", err)
	}

	if _, err := repo.DeleteRoomIf(ctx, first.ID, Condition{Status: models.RoomPending}); err != nil {
		t.Fatalf("DeleteRoomIf: %v", err)
	}
	if _, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "Again"}); err != nil {
		t.Fatalf("insert after delete: %v", err)
	}
}

// RunRoomStoreConditionalRace fires concurrent conditional updates and
// expects exactly one winner.
func RunRoomStoreConditionalRace(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	room, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "Race"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	now := time.Now().UTC()
	if _, err := repo.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomPending}, RoomPatch{
		Status: statusPtr(models.RoomLive), StartTime: &now,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	const workers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateRoomIf(ctx, room.ID, Condition{Status: models.RoomLive}, RoomPatch{
				Status: statusPtr(models.RoomEnded), EndTime: &now,
			})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrConditionFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

// RunRoomStoreViewerClamp checks that viewer counts never go negative.
func RunRoomStoreViewerClamp(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	room, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "owner-1", Title: "Viewers"})
	if err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	updated, err := repo.AdjustViewerCount(ctx, room.StreamKey, -1)
	if err != nil {
		t.Fatalf("AdjustViewerCount: %v", err)
	}
	if updated.ViewerCount != 0 {
		t.Fatalf("expected clamp at zero, got %d", updated.ViewerCount)
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.AdjustViewerCount(ctx, room.StreamKey, 1); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	updated, err = repo.AdjustViewerCount(ctx, room.StreamKey, -1)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if updated.ViewerCount != 2 {
		t.Fatalf("expected 2 viewers, got %d", updated.ViewerCount)
	}
	if _, err := repo.AdjustViewerCount(ctx, "unknown", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// RunRoomStoreListFilters covers ordering and the staleness predicates the
// liveness sweep relies on.
func RunRoomStoreListFilters(t *testing.T, factory RepositoryFactory) {
	clock := newSteppingClock()
	repo := runRepository(t, factory, WithClock(clock.Now))
	ctx := context.Background()

	pending, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "a", Title: "pending"})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	silent, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "b", Title: "silent"})
	if err != nil {
		t.Fatalf("insert silent: %v", err)
	}
	fresh, err := repo.InsertRoom(ctx, RoomDraft{OwnerID: "c", Title: "fresh"})
	if err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	start := clock.base
	if _, err := repo.UpdateRoomIf(ctx, silent.ID, Condition{Status: models.RoomPending}, RoomPatch{
		Status: statusPtr(models.RoomLive), StartTime: timePtr(start), LastMediaAt: timePtr(start.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("start silent: %v", err)
	}
	if _, err := repo.UpdateRoomIf(ctx, fresh.ID, Condition{Status: models.RoomPending}, RoomPatch{
		Status: statusPtr(models.RoomLive), StartTime: timePtr(start), LastMediaAt: timePtr(start.Add(10 * time.Minute)),
	}); err != nil {
		t.Fatalf("start fresh: %v", err)
	}

	open, err := repo.ListRooms(ctx, RoomFilter{Statuses: []models.RoomStatus{models.RoomPending, models.RoomLive}})
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected 3 open rooms, got %d", len(open))
	}
	if open[0].ID != fresh.ID || open[1].ID != silent.ID || open[2].ID != pending.ID {
		t.Fatalf("unexpected ordering: %s %s %s", open[0].Title, open[1].Title, open[2].Title)
	}

	stale, err := repo.ListRooms(ctx, RoomFilter{Where: Condition{
		Status:        models.RoomLive,
		MediaInactive: true,
		Silent:        &Silence{LastMediaBefore: start.Add(5 * time.Minute), StartedBefore: start},
	}})
	if err != nil {
		t.Fatalf("ListRooms stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != silent.ID {
		t.Fatalf("expected only the silent room, got %+v", stale)
	}

	old, err := repo.ListRooms(ctx, RoomFilter{Where: Condition{
		Status:        models.RoomPending,
		CreatedBefore: clock.base.Add(90 * time.Second),
	}})
	if err != nil {
		t.Fatalf("ListRooms pending: %v", err)
	}
	if len(old) != 1 || old[0].ID != pending.ID {
		t.Fatalf("expected the pending room, got %+v", old)
	}

	limited, err := repo.ListRooms(ctx, RoomFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRooms limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}
