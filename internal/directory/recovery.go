package directory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// recover reconciles a rejoining player with their existing record. The
// incoming request only refreshes name, role, online, and lastHeartbeat;
// isAdmin, hasVoted, the stored vote, and the original joinedAt survive.
// This is what makes a browser-tab refresh non-destructive to in-progress
// voting and admin status.
func (d *Directory) recover(ctx context.Context, r *room.Room, playerID, name string, role room.Role) error {
	p := r.Players[playerID]
	now := d.st.Now(ctx)

	// A reveal flag from an earlier phase version is stale: the round it
	// belonged to has been reset since this client last looked.
	writes := store.Writes{
		room.PlayerField(r.ID, playerID, "name"):          name,
		room.PlayerField(r.ID, playerID, "role"):          string(role),
		room.PlayerField(r.ID, playerID, "online"):        true,
		room.PlayerField(r.ID, playerID, "lastHeartbeat"): store.ServerTimestamp,
	}
	if p.RevealPhaseVersion != nil && *p.RevealPhaseVersion != r.PhaseVersion {
		writes[room.PlayerField(r.ID, playerID, "revealedAt")] = nil
		writes[room.PlayerField(r.ID, playerID, "revealPhaseVersion")] = nil
	}
	hist := room.NewHistoryEvent(room.HistoryRejoined, playerID, "", now)
	writes[room.HistoryPath(r.ID, hist.ID)] = hist

	if err := d.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}

	p.Name = name
	p.Role = role
	p.Online = true
	p.LastHeartbeat = now
	if p.RevealPhaseVersion != nil && *p.RevealPhaseVersion != r.PhaseVersion {
		p.RevealedAt = nil
		p.RevealPhaseVersion = nil
	}

	log.Info().
		Str("room_id", r.ID).
		Str("player_id", playerID).
		Bool("is_admin", p.IsAdmin).
		Bool("has_voted", p.HasVoted).
		Msg("player reconnected, state recovered")
	return nil
}
