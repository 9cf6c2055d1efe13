package storage

import (
	"sort"
	"time"

	"liveroom/internal/models"
)

// Silence selects live rooms whose media has gone quiet. A room with a
// recorded media timestamp is silent once that timestamp is older than
// LastMediaBefore. A room that never confirmed media is silent once it
// started before StartedBefore.
type Silence struct {
	LastMediaBefore time.Time
	StartedBefore   time.Time
}

// Condition is the predicate a conditional write or filtered read must
// satisfy. Zero-valued fields are ignored.
type Condition struct {
	Status         models.RoomStatus
	MediaInactive  bool
	NeverConfirmed bool
	CreatedBefore  time.Time
	Silent         *Silence
}

// Matches evaluates the condition against an in-memory room.
func (c Condition) Matches(room models.Room) bool {
	if c.Status != "" && room.Status != c.Status {
		return false
	}
	if c.MediaInactive && room.HasActiveMedia {
		return false
	}
	if c.NeverConfirmed && room.LastMediaAt != nil {
		return false
	}
	if !c.CreatedBefore.IsZero() && !room.CreatedAt.Before(c.CreatedBefore) {
		return false
	}
	if c.Silent != nil {
		if room.LastMediaAt != nil {
			if !room.LastMediaAt.Before(c.Silent.LastMediaBefore) {
				return false
			}
		} else if room.StartTime == nil || !room.StartTime.Before(c.Silent.StartedBefore) {
			return false
		}
	}
	return true
}

// RoomPatch lists the columns a conditional update writes. Nil pointers
// leave the column untouched; the Clear flags reset nullable timestamps.
type RoomPatch struct {
	Status           *models.RoomStatus
	StartTime        *time.Time
	EndTime          *time.Time
	ClearEndTime     bool
	HasActiveMedia   *bool
	LastMediaAt      *time.Time
	ClearLastMediaAt bool
}

func (p RoomPatch) apply(room *models.Room, now time.Time) {
	if p.Status != nil {
		room.Status = *p.Status
	}
	if p.StartTime != nil {
		v := *p.StartTime
		room.StartTime = &v
	}
	if p.ClearEndTime {
		room.EndTime = nil
	}
	if p.EndTime != nil {
		v := *p.EndTime
		room.EndTime = &v
	}
	if p.HasActiveMedia != nil {
		room.HasActiveMedia = *p.HasActiveMedia
	}
	if p.ClearLastMediaAt {
		room.LastMediaAt = nil
	}
	if p.LastMediaAt != nil {
		v := *p.LastMediaAt
		room.LastMediaAt = &v
	}
	room.UpdatedAt = now
}

// RoomFilter narrows ListRooms. Results are ordered live first, then
// pending, then ended, newest first within each status.
type RoomFilter struct {
	Statuses []models.RoomStatus
	OwnerID  string
	Where    Condition
	Limit    int
}

func (f RoomFilter) matches(room models.Room) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if room.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OwnerID != "" && room.OwnerID != f.OwnerID {
		return false
	}
	return f.Where.Matches(room)
}

func statusRank(status models.RoomStatus) int {
	switch status {
	case models.RoomLive:
		return 0
	case models.RoomPending:
		return 1
	default:
		return 2
	}
}

func sortRooms(rooms []models.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		ri, rj := statusRank(rooms[i].Status), statusRank(rooms[j].Status)
		if ri != rj {
			return ri < rj
		}
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
}
