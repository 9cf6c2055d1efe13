package models

import (
	"testing"
	"time"
)

func TestRoomValidate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	base := Room{ID: "r1", OwnerID: "u1", StreamKey: "KEY", Status: RoomPending}

	tests := []struct {
		name    string
		mutate  func(*Room)
		wantErr bool
	}{
		{name: "pending", mutate: func(*Room) {}},
		{name: "live with start", mutate: func(r *Room) { r.Status = RoomLive; r.StartTime = &now }},
		{name: "live missing start", mutate: func(r *Room) { r.Status = RoomLive }, wantErr: true},
		{name: "live with end", mutate: func(r *Room) {
			r.Status = RoomLive
			r.StartTime = &now
			r.EndTime = &now
		}, wantErr: true},
		{name: "ended with end", mutate: func(r *Room) { r.Status = RoomEnded; r.EndTime = &now }},
		{name: "ended missing end", mutate: func(r *Room) { r.Status = RoomEnded }, wantErr: true},
		{name: "media while pending", mutate: func(r *Room) { r.HasActiveMedia = true }, wantErr: true},
		{name: "negative viewers", mutate: func(r *Room) { r.ViewerCount = -1 }, wantErr: true},
		{name: "unknown status", mutate: func(r *Room) { r.Status = "idle" }, wantErr: true},
		{name: "missing key", mutate: func(r *Room) { r.StreamKey = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := base.Clone()
			tt.mutate(&room)
			err := room.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRoomCloneCopiesTimestamps(t *testing.T) {
	now := time.Now()
	room := Room{ID: "r1", StartTime: &now}
	clone := room.Clone()
	*clone.StartTime = now.Add(time.Hour)
	if !room.StartTime.Equal(now) {
		t.Fatalf("clone shares start time pointer with original")
	}
}

func TestRoomStatusOpen(t *testing.T) {
	if !RoomPending.Open() || !RoomLive.Open() {
		t.Fatalf("pending and live rooms must be open")
	}
	if RoomEnded.Open() {
		t.Fatalf("ended rooms must not be open")
	}
}
