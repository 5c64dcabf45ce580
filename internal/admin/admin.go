// Package admin enforces the single-authority rules: exactly one admin per
// room, fixed at creation, with exclusive rights to remove other players and
// lock the room.
package admin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// Authority performs privileged room operations.
type Authority struct {
	st store.Store
}

// New creates an authority over the given store.
func New(st store.Store) *Authority {
	return &Authority{st: st}
}

// MirrorWrites returns the writes needed to reconcile a player's isAdmin
// flag with the room's adminId. The admin assignment itself never moves;
// only the mirror on the player record is repaired, e.g. across reconnects.
func MirrorWrites(r *room.Room, playerID string) store.Writes {
	p, ok := r.Players[playerID]
	if !ok {
		return nil
	}
	want := r.AdminID == playerID
	if p.IsAdmin == want {
		return nil
	}
	p.IsAdmin = want
	return store.Writes{
		room.PlayerField(r.ID, playerID, "isAdmin"): want,
	}
}

// RemovePlayer deletes the target's player and vote records in one atomic
// write. Only the room admin may call it, and not against themselves;
// ordinary leave covers self-removal.
func (a *Authority) RemovePlayer(ctx context.Context, r *room.Room, targetID, requesterID string) error {
	if requesterID != r.AdminID {
		return fmt.Errorf("%w: requester %s", room.ErrUnauthorized, requesterID)
	}
	if targetID == requesterID {
		return fmt.Errorf("%w: admin cannot remove self", room.ErrUnauthorized)
	}
	if _, ok := r.Players[targetID]; !ok {
		return fmt.Errorf("%w: player %s", room.ErrNotFound, targetID)
	}

	now := a.st.Now(ctx)
	hist := room.NewHistoryEvent(room.HistoryRemoved, requesterID, targetID, now)
	writes := store.Writes{
		room.PlayerPath(r.ID, targetID): nil,
		room.VotePath(r.ID, targetID):   nil,
		room.HistoryPath(r.ID, hist.ID): hist,
	}
	if err := a.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	delete(r.Players, targetID)
	delete(r.Votes, targetID)

	log.Info().
		Str("room_id", r.ID).
		Str("target_id", targetID).
		Str("requester_id", requesterID).
		Msg("player removed by admin")
	return nil
}

// SetLocked locks or unlocks the room against new joins. Admin only.
func (a *Authority) SetLocked(ctx context.Context, r *room.Room, locked bool, requesterID string) error {
	if requesterID != r.AdminID {
		return fmt.Errorf("%w: requester %s", room.ErrUnauthorized, requesterID)
	}
	if r.Locked == locked {
		return nil
	}
	typ := room.HistoryLocked
	if !locked {
		typ = room.HistoryUnlocked
	}
	hist := room.NewHistoryEvent(typ, requesterID, "", a.st.Now(ctx))
	if err := a.st.Update(ctx, store.Writes{
		room.Field(r.ID, "locked"):      locked,
		room.HistoryPath(r.ID, hist.ID): hist,
	}); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	r.Locked = locked
	return nil
}
