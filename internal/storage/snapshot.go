package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"liveroom/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Snapshot is the serialised form of the JSON store, used to move rooms
// into Postgres.
type Snapshot struct {
	Rooms map[string]models.Room `json:"rooms"`
}

// SnapshotCounts summarises a snapshot by room status.
type SnapshotCounts struct {
	Rooms   int
	Pending int
	Live    int
	Ended   int
}

// LoadSnapshotFromJSON reads a JSON store file without opening it as a
// live repository.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	snapshot := &Snapshot{}
	if err := json.NewDecoder(file).Decode(snapshot); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Rooms == nil {
		snapshot.Rooms = make(map[string]models.Room)
	}
	return snapshot, nil
}

func (s *Snapshot) Counts() SnapshotCounts {
	var counts SnapshotCounts
	if s == nil {
		return counts
	}
	for _, room := range s.Rooms {
		counts.Rooms++
		switch room.Status {
		case models.RoomPending:
			counts.Pending++
		case models.RoomLive:
			counts.Live++
		case models.RoomEnded:
			counts.Ended++
		}
	}
	return counts
}

// ImportSnapshotToPostgres upserts every room in the snapshot inside one
// transaction. Rooms that violate the model invariants abort the import.
func ImportSnapshotToPostgres(ctx context.Context, store RoomStore, snapshot *Snapshot) error {
	repo, ok := store.(*postgresRepository)
	if !ok || repo == nil {
		return ErrPostgresUnavailable
	}
	if snapshot == nil {
		return nil
	}
	for _, room := range snapshot.Rooms {
		if err := room.Validate(); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
	}
	return repo.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		for _, room := range snapshot.Rooms {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rooms (`+roomColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (id) DO UPDATE SET
					status = EXCLUDED.status,
					start_time = EXCLUDED.start_time,
					end_time = EXCLUDED.end_time,
					has_active_media = EXCLUDED.has_active_media,
					last_media_at = EXCLUDED.last_media_at,
					viewer_count = EXCLUDED.viewer_count,
					updated_at = EXCLUDED.updated_at`,
				room.ID, room.OwnerID, room.Title, room.StreamKey, string(room.Status),
				room.StartTime, room.EndTime, room.HasActiveMedia, room.LastMediaAt,
				room.ViewerCount, room.CreatedAt, room.UpdatedAt,
			); err != nil {
				return fmt.Errorf("import room %s: %w", room.ID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}
