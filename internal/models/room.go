package models

import (
	"errors"
	"fmt"
	"time"
)

// RoomStatus is the lifecycle state of a live room.
type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomLive    RoomStatus = "live"
	RoomEnded   RoomStatus = "ended"
)

// Valid reports whether s is one of the known room states.
func (s RoomStatus) Valid() bool {
	switch s {
	case RoomPending, RoomLive, RoomEnded:
		return true
	default:
		return false
	}
}

// Open reports whether the room still counts against its owner's single
// open-room allowance.
func (s RoomStatus) Open() bool {
	return s == RoomPending || s == RoomLive
}

// Room is a broadcast slot owned by a single user. StreamKey is the secret
// the broadcaster's encoder presents to the media server.
type Room struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Title          string     `json:"title"`
	StreamKey      string     `json:"streamKey"`
	Status         RoomStatus `json:"status"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	HasActiveMedia bool       `json:"hasActiveMedia"`
	LastMediaAt    *time.Time `json:"lastMediaAt,omitempty"`
	ViewerCount    int        `json:"viewerCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

var (
	errLiveWithoutStart = errors.New("live room has no start time")
	errLiveWithEnd      = errors.New("live room has an end time")
	errEndedWithoutEnd  = errors.New("ended room has no end time")
	errMediaNotLive     = errors.New("active media on a room that is not live")
	errNegativeViewers  = errors.New("viewer count is negative")
)

// Validate checks the state invariants that must hold after every
// transition.
func (r Room) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("room %s: unknown status %q", r.ID, r.Status)
	}
	if r.StreamKey == "" {
		return fmt.Errorf("room %s: stream key missing", r.ID)
	}
	if r.ViewerCount < 0 {
		return fmt.Errorf("room %s: %w", r.ID, errNegativeViewers)
	}
	switch r.Status {
	case RoomLive:
		if r.StartTime == nil {
			return fmt.Errorf("room %s: %w", r.ID, errLiveWithoutStart)
		}
		if r.EndTime != nil {
			return fmt.Errorf("room %s: %w", r.ID, errLiveWithEnd)
		}
	case RoomEnded:
		if r.EndTime == nil {
			return fmt.Errorf("room %s: %w", r.ID, errEndedWithoutEnd)
		}
	}
	if r.HasActiveMedia && r.Status != RoomLive {
		return fmt.Errorf("room %s: %w", r.ID, errMediaNotLive)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored timestamps.
func (r Room) Clone() Room {
	out := r
	out.StartTime = cloneTime(r.StartTime)
	out.EndTime = cloneTime(r.EndTime)
	out.LastMediaAt = cloneTime(r.LastMediaAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
