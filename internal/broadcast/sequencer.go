// Package broadcast carries the room phase state machine. Every transition
// atomically writes the new phase, a bumped room-level phase version, and a
// versioned BroadcastRecord for the triggering event type. Listeners apply a
// record only when its version strictly exceeds the highest already applied
// for that type, which makes the store's at-least-once, unordered delivery
// idempotent.
package broadcast

import (
	"context"
	"fmt"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// allowedTransitions encodes the phase machine:
// waiting -> voting -> revealing -> finished -> voting (reset) ...
// waiting is only ever the initial state.
var allowedTransitions = map[room.Phase][]room.Phase{
	room.PhaseWaiting:   {room.PhaseVoting},
	room.PhaseVoting:    {room.PhaseRevealing},
	room.PhaseRevealing: {room.PhaseFinished, room.PhaseVoting},
	room.PhaseFinished:  {room.PhaseVoting},
}

// Sequencer builds and applies phase transitions against the shared store.
type Sequencer struct {
	st store.Store
}

// NewSequencer creates a sequencer over the given store.
func NewSequencer(st store.Store) *Sequencer {
	return &Sequencer{st: st}
}

// TransitionWrites builds the atomic write set for moving r to target,
// without applying it. Callers that need to piggyback further paths on the
// same atomic write (vote clears, statistics) merge into the returned set.
// The returned record is the broadcast that will be visible after the write.
func (s *Sequencer) TransitionWrites(ctx context.Context, r *room.Room, target room.Phase, btype room.BroadcastType, actorID string) (store.Writes, room.BroadcastRecord, error) {
	if !transitionAllowed(r.Phase, target) {
		return nil, room.BroadcastRecord{}, fmt.Errorf("phase transition %s -> %s not allowed", r.Phase, target)
	}
	rec := room.BroadcastRecord{
		Version: r.Broadcast(btype).Version + 1,
		At:      s.st.Now(ctx),
		ActorID: actorID,
	}
	if btype == room.BroadcastPhase {
		rec.Phase = target
	}
	writes := store.Writes{
		room.Field(r.ID, "phase"):          string(target),
		room.Field(r.ID, "phaseVersion"):   r.PhaseVersion + 1,
		room.Field(r.ID, "phaseTimestamp"): store.ServerTimestamp,
		room.BroadcastPath(r.ID, btype):    rec,
	}
	if target == room.PhaseVoting {
		// Entering voting starts a round; later transitions within the round
		// move phaseTimestamp but not the round anchor.
		writes[room.Field(r.ID, "roundStartedAt")] = store.ServerTimestamp
	}
	return writes, rec, nil
}

// Transition applies a bare phase change with no piggybacked writes.
func (s *Sequencer) Transition(ctx context.Context, r *room.Room, target room.Phase, btype room.BroadcastType, actorID string) (room.BroadcastRecord, error) {
	writes, rec, err := s.TransitionWrites(ctx, r, target, btype, actorID)
	if err != nil {
		return room.BroadcastRecord{}, err
	}
	if err := s.st.Update(ctx, writes); err != nil {
		return room.BroadcastRecord{}, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	r.Phase = target
	r.PhaseVersion++
	if target == room.PhaseVoting {
		r.RoundStartedAt = rec.At
	}
	if r.Broadcasts == nil {
		r.Broadcasts = make(map[room.BroadcastType]*room.BroadcastRecord)
	}
	applied := rec
	r.Broadcasts[btype] = &applied
	return rec, nil
}

func transitionAllowed(from, to room.Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
