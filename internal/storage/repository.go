package storage

import (
	"context"
	"errors"

	"liveroom/internal/models"
)

var (
	// ErrNotFound is returned when no room matches the requested id or stream key.
	ErrNotFound = errors.New("room not found")
	// ErrConditionFailed is returned by conditional writes when the room exists
	// but no longer satisfies the expected state.
	ErrConditionFailed = errors.New("room state changed")
	// ErrOpenRoomExists is returned when the owner already has a pending or live room.
	ErrOpenRoomExists = errors.New("owner already has an open room")
	// ErrStreamKeyTaken is returned when a generated stream key collides.
	ErrStreamKeyTaken = errors.New("stream key already in use")
	// ErrPostgresUnavailable is returned when the Postgres repository cannot
	// be reached.
	ErrPostgresUnavailable = errors.New("postgres repository unavailable")
)

// RoomDraft carries the caller-supplied fields of a new room. The store
// assigns the id, stream key and timestamps.
type RoomDraft struct {
	OwnerID string
	Title   string
}

// RoomStore persists rooms. Every state change goes through a conditional
// write so concurrent callers racing on the same room observe exactly one
// winner.
type RoomStore interface {
	Ping(ctx context.Context) error

	InsertRoom(ctx context.Context, draft RoomDraft) (models.Room, error)
	GetRoom(ctx context.Context, id string) (models.Room, error)
	GetRoomByStreamKey(ctx context.Context, streamKey string) (models.Room, error)
	ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error)

	// UpdateRoomIf applies patch only when the stored room matches cond. It
	// returns ErrConditionFailed when the room exists but does not match.
	UpdateRoomIf(ctx context.Context, id string, cond Condition, patch RoomPatch) (models.Room, error)
	// DeleteRoomIf removes the room only when it matches cond and returns the
	// row as it was before deletion.
	DeleteRoomIf(ctx context.Context, id string, cond Condition) (models.Room, error)
	// AdjustViewerCount atomically adds delta to the viewer count, clamping
	// the result at zero.
	AdjustViewerCount(ctx context.Context, streamKey string, delta int) (models.Room, error)
}
