// Package notify fans room lifecycle events out to connected clients. The
// Bus is fire-and-forget: Broadcast never blocks the caller and never
// reports delivery failures, which are logged and counted instead.
package notify

import (
	"time"
)

// EventType names the lifecycle notification sent to clients.
type EventType string

const (
	EventRoomLive    EventType = "roomLive"
	EventRoomEnded   EventType = "roomEnded"
	EventRoomDeleted EventType = "roomDeleted"
)

// Event is the JSON envelope pushed over the notification socket.
type Event struct {
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

// EventData identifies the room and, for terminal events, why it ended.
type EventData struct {
	RoomID     string    `json:"roomId"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Bus broadcasts events to every connected client.
type Bus interface {
	Broadcast(Event)
}

// Subscription is a stream of events delivered to one consumer.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Source hands out subscriptions. The socket hub consumes one.
type Source interface {
	Subscribe() Subscription
}

type discard struct{}

func (discard) Broadcast(Event) {}

// Discard is a Bus that drops every event.
var Discard Bus = discard{}
