package room

import (
	"time"

	"github.com/google/uuid"
)

// NewHistoryEvent builds an entry for the room's append-only log. Entries
// are written under history/{id} so concurrent appenders never collide.
func NewHistoryEvent(typ, actorID, targetID string, at time.Time) *HistoryEvent {
	return &HistoryEvent{
		ID:       uuid.NewString(),
		Type:     typ,
		ActorID:  actorID,
		TargetID: targetID,
		At:       at,
	}
}
