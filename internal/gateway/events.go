package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
)

// EventType labels the messages streamed to WebSocket clients.
type EventType string

const (
	EventBroadcast      EventType = "broadcast"
	EventPlayersChanged EventType = "players_changed"
	EventVotesChanged   EventType = "votes_changed"
	EventPhaseChanged   EventType = "phase_changed"
)

// RoomEvent is the wire envelope pushed to clients. Broadcast events carry
// the version clients gate on; change events just tell the client what to
// re-read.
type RoomEvent struct {
	ID            string     `json:"id"`
	RoomID        string     `json:"room_id"`
	Type          EventType  `json:"type"`
	BroadcastType string     `json:"broadcast_type,omitempty"`
	Version       int64      `json:"version,omitempty"`
	ActorID       string     `json:"actor_id,omitempty"`
	Phase         room.Phase `json:"phase,omitempty"`
	Path          string     `json:"path,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

func eventFromBroadcast(roomID string, b broadcast.Broadcast) *RoomEvent {
	return &RoomEvent{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Type:          EventBroadcast,
		BroadcastType: string(b.Type),
		Version:       b.Record.Version,
		ActorID:       b.Record.ActorID,
		Phase:         b.Record.Phase,
		Timestamp:     b.Record.At,
	}
}

func eventFromChange(roomID string, t EventType, c broadcast.Change) *RoomEvent {
	return &RoomEvent{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Type:      t,
		Path:      c.Path,
		Timestamp: c.At,
	}
}

func eventFromPhase(roomID string, p room.Phase, at time.Time) *RoomEvent {
	return &RoomEvent{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Type:      EventPhaseChanged,
		Phase:     p,
		Timestamp: at,
	}
}
