package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"liveroom/internal/models"
)

const maxStreamKeyAttempts = 3

type dataset struct {
	Rooms map[string]models.Room `json:"rooms"`
}

func newDataset() dataset {
	return dataset{Rooms: make(map[string]models.Room)}
}

// Storage is the JSON file backed RoomStore. A single mutex serialises
// writers, which is what makes its conditional updates atomic. An empty
// path keeps the dataset in memory only.
type Storage struct {
	mu              sync.RWMutex
	filePath        string
	data            dataset
	now             func() time.Time
	persistOverride func() error
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      func() time.Time { return time.Now().UTC() },
	}
	applyJSONOptions(store, opts)
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository returns the JSON store behind the RoomStore interface.
func NewJSONRepository(path string, opts ...Option) (RoomStore, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = newDataset()
	if s.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Rooms == nil {
		s.data.Rooms = make(map[string]models.Room)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing file is still writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filePath == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) InsertRoom(ctx context.Context, draft RoomDraft) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Rooms {
		if existing.OwnerID == draft.OwnerID && existing.Status.Open() {
			return models.Room{}, ErrOpenRoomExists
		}
	}

	var key string
	for attempt := 0; attempt < maxStreamKeyAttempts; attempt++ {
		candidate, err := generateStreamKey()
		if err != nil {
			return models.Room{}, err
		}
		if !s.streamKeyInUseLocked(candidate) {
			key = candidate
			break
		}
	}
	if key == "" {
		return models.Room{}, ErrStreamKeyTaken
	}

	now := s.now()
	room := models.Room{
		ID:        generateID(),
		OwnerID:   draft.OwnerID,
		Title:     draft.Title,
		StreamKey: key,
		Status:    models.RoomPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Rooms[room.ID] = room
	if err := s.persist(); err != nil {
		delete(s.data.Rooms, room.ID)
		return models.Room{}, err
	}
	return room.Clone(), nil
}

func (s *Storage) streamKeyInUseLocked(key string) bool {
	for _, room := range s.data.Rooms {
		if room.StreamKey == key {
			return true
		}
	}
	return false
}

func (s *Storage) GetRoom(ctx context.Context, id string) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return room.Clone(), nil
}

func (s *Storage) GetRoomByStreamKey(ctx context.Context, streamKey string) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.findByStreamKeyLocked(streamKey)
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return s.data.Rooms[id].Clone(), nil
}

func (s *Storage) findByStreamKeyLocked(streamKey string) (string, bool) {
	if streamKey == "" {
		return "", false
	}
	for id, room := range s.data.Rooms {
		if room.StreamKey == streamKey {
			return id, true
		}
	}
	return "", false
}

func (s *Storage) ListRooms(ctx context.Context, filter RoomFilter) ([]models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rooms := make([]models.Room, 0, len(s.data.Rooms))
	for _, room := range s.data.Rooms {
		if filter.matches(room) {
			rooms = append(rooms, room.Clone())
		}
	}
	s.mu.RUnlock()

	sortRooms(rooms)
	if filter.Limit > 0 && len(rooms) > filter.Limit {
		rooms = rooms[:filter.Limit]
	}
	return rooms, nil
}

func (s *Storage) UpdateRoomIf(ctx context.Context, id string, cond Condition, patch RoomPatch) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	if !cond.Matches(previous) {
		return models.Room{}, ErrConditionFailed
	}
	updated := previous.Clone()
	patch.apply(&updated, s.now())
	s.data.Rooms[id] = updated
	if err := s.persist(); err != nil {
		s.data.Rooms[id] = previous
		return models.Room{}, err
	}
	return updated.Clone(), nil
}

func (s *Storage) DeleteRoomIf(ctx context.Context, id string, cond Condition) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	if !cond.Matches(previous) {
		return models.Room{}, ErrConditionFailed
	}
	delete(s.data.Rooms, id)
	if err := s.persist(); err != nil {
		s.data.Rooms[id] = previous
		return models.Room{}, err
	}
	return previous.Clone(), nil
}

func (s *Storage) AdjustViewerCount(ctx context.Context, streamKey string, delta int) (models.Room, error) {
	if err := ctx.Err(); err != nil {
		return models.Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.findByStreamKeyLocked(streamKey)
	if !ok {
		return models.Room{}, ErrNotFound
	}
	previous := s.data.Rooms[id]
	updated := previous.Clone()
	updated.ViewerCount += delta
	if updated.ViewerCount < 0 {
		updated.ViewerCount = 0
	}
	updated.UpdatedAt = s.now()
	s.data.Rooms[id] = updated
	if err := s.persist(); err != nil {
		s.data.Rooms[id] = previous
		return models.Room{}, err
	}
	return updated.Clone(), nil
}
