package directory

import (
	"context"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/presence"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// Session is one client's attachment to a room: the snapshot taken at join,
// the event listener, the running heartbeat, and the armed disconnect hook.
// Sessions are plain values, so any number of them can coexist in one
// process; nothing about a session is global.
type Session struct {
	RoomID    string
	PlayerID  string
	IsNewRoom bool
	// Room is the snapshot taken at join time; live state arrives through
	// the Listener.
	Room     *room.Room
	Listener *broadcast.Listener

	dir       *Directory
	heartbeat *presence.Heartbeat
	hook      store.Hook
	storeSess store.Session
}

// Leave removes the player through the directory, which releases every
// tracked session for the player (this one included) before deleting the
// record, so no armed hook can fire against already-deleted paths.
func (s *Session) Leave(ctx context.Context) error {
	return s.dir.Leave(ctx, s.RoomID, s.PlayerID, false)
}

// release tears down local resources and disarms the disconnect hook. Every
// step is idempotent; the directory calls this for all of a player's tracked
// sessions on leave, removal, and reconnect.
func (s *Session) release() {
	s.hook.Cancel()
	s.heartbeat.Stop()
	s.Listener.Close()
	s.storeSess.Close()
}

// Detach releases local resources without removing the player from the
// room, leaving presence cleanup to the disconnect hook and the inactivity
// sweep. Used when a connection is dropped rather than closed.
func (s *Session) Detach() {
	s.heartbeat.Stop()
	s.Listener.Close()
}

// ReportDisconnect marks the player offline and arms delayed removal; the
// player survives if they rejoin within the grace period.
func (s *Session) ReportDisconnect(ctx context.Context) error {
	return s.dir.MarkDisconnected(ctx, s.RoomID, s.PlayerID)
}
