// Package directory orchestrates room membership: creation and lookup,
// join/leave, capacity enforcement, reconnect recovery, and deferred
// deletion of emptied rooms. It composes the validator, rate limiter,
// presence tracker, vote ledger, broadcast sequencer, and admin authority
// behind the client-facing operation surface.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/admin"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ledger"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/presence"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ratelimit"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/validate"
)

// Config holds directory behavior knobs.
type Config struct {
	// Settings applied to rooms created through Join.
	RoomSettings room.Settings
	// EmptyRoomGrace is how long an emptied room survives before deletion,
	// tolerating a quick rejoin.
	EmptyRoomGrace time.Duration
}

// DefaultConfig returns production directory settings.
func DefaultConfig() Config {
	return Config{
		RoomSettings:   room.DefaultSettings(),
		EmptyRoomGrace: 5 * time.Minute,
	}
}

// Directory is the room membership orchestrator.
type Directory struct {
	st      store.Store
	clock   clockwork.Clock
	limiter *ratelimit.Limiter
	tracker *presence.Tracker
	seq     *broadcast.Sequencer
	ledger  *ledger.Ledger
	auth    *admin.Authority
	cfg     Config

	mu           sync.Mutex
	deleteTimers map[string]clockwork.Timer
	sessions     map[string]map[*Session]struct{}
}

// New wires a directory over the given components and registers itself as
// the presence tracker's remover.
func New(st store.Store, clock clockwork.Clock, limiter *ratelimit.Limiter, tracker *presence.Tracker, seq *broadcast.Sequencer, ldg *ledger.Ledger, auth *admin.Authority, cfg Config) *Directory {
	d := &Directory{
		st:           st,
		clock:        clock,
		limiter:      limiter,
		tracker:      tracker,
		seq:          seq,
		ledger:       ldg,
		auth:         auth,
		cfg:          cfg,
		deleteTimers: make(map[string]clockwork.Timer),
		sessions:     make(map[string]map[*Session]struct{}),
	}
	tracker.SetRemover(d)
	return d
}

// JoinRequest carries a client's join parameters. PlayerID may be empty or
// malformed; the directory synthesizes a fresh id rather than failing,
// because id-format drift is recoverable and should not block a user.
type JoinRequest struct {
	RoomID   string
	PlayerID string
	Name     string
	Role     string
}

// Join validates the request, creates or loads the room, and attaches the
// player. A player id already present in the room is treated as a reconnect
// and recovered rather than overwritten. On success the returned session
// carries a heartbeat, an armed disconnect hook, and an attached listener.
func (d *Directory) Join(ctx context.Context, req JoinRequest) (*Session, error) {
	roomID := req.RoomID
	if roomID == "" {
		roomID = newRoomID()
	}
	roomID, err := validate.RoomID(roomID)
	if err != nil {
		return nil, err
	}
	name, err := validate.PlayerName(req.Name)
	if err != nil {
		return nil, err
	}
	playerID := req.PlayerID
	if _, err := validate.PlayerID(playerID); err != nil {
		playerID = validate.NewPlayerID(d.clock.Now())
	}
	role := validate.Role(req.Role)

	if !d.limiter.Allow(ratelimit.OpJoinRoom, playerID) {
		return nil, room.ErrRateLimited
	}

	r, err := d.Load(ctx, roomID)
	isNew := false
	switch {
	case err == nil:
		if _, rejoining := r.Players[playerID]; rejoining {
			if err := d.recover(ctx, r, playerID, name, role); err != nil {
				return nil, err
			}
		} else if err := d.admit(ctx, r, playerID, name, role); err != nil {
			return nil, err
		}
	case isNotFound(err):
		r, err = d.create(ctx, roomID, playerID, name, role)
		if err != nil {
			return nil, err
		}
		isNew = true
	default:
		return nil, err
	}

	d.cancelRoomDeletion(roomID)
	d.tracker.CancelDelayedRemoval(roomID, playerID)
	// A reconnect supersedes any session the player left behind; its armed
	// hook must not fire against the new attachment.
	d.releaseSessions(roomID, playerID)

	if writes := admin.MirrorWrites(r, playerID); writes != nil {
		if err := d.st.Update(ctx, writes); err != nil {
			return nil, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
		}
	}

	sess, err := d.attach(ctx, r, playerID)
	if err != nil {
		return nil, err
	}
	sess.IsNewRoom = isNew
	log.Info().
		Str("room_id", roomID).
		Str("player_id", playerID).
		Bool("new_room", isNew).
		Msg("player joined")
	return sess, nil
}

// create writes a fresh room document, creator included, in one atomic
// write. The creator is the room's permanent admin; broadcast records start
// at version zero.
func (d *Directory) create(ctx context.Context, roomID, playerID, name string, role room.Role) (*room.Room, error) {
	now := d.st.Now(ctx)
	r := &room.Room{
		ID:             roomID,
		CreatedAt:      now,
		CreatedBy:      playerID,
		AdminID:        playerID,
		Phase:          room.PhaseWaiting,
		PhaseVersion:   0,
		PhaseTimestamp: now,
		Settings:       d.cfg.RoomSettings,
		Players: map[string]*room.Player{
			playerID: {
				ID:            playerID,
				Name:          name,
				Role:          role,
				JoinedAt:      now,
				LastHeartbeat: now,
				Online:        true,
				IsAdmin:       true,
			},
		},
		Votes: map[string]*room.Vote{},
		Broadcasts: map[room.BroadcastType]*room.BroadcastRecord{
			room.BroadcastReveal: {Version: 0, At: now, ActorID: playerID},
			room.BroadcastReset:  {Version: 0, At: now, ActorID: playerID},
			room.BroadcastPhase:  {Version: 0, At: now, ActorID: playerID, Phase: room.PhaseWaiting},
		},
	}
	if err := d.st.Update(ctx, store.Writes{room.Path(roomID): r}); err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	return r, nil
}

// admit adds a brand-new player to an existing room, enforcing lock and
// capacity against the active player count after an inactivity sweep.
func (d *Directory) admit(ctx context.Context, r *room.Room, playerID, name string, role room.Role) error {
	if r.Locked {
		return room.ErrRoomLocked
	}
	if _, err := d.tracker.CleanupInactive(ctx, r); err != nil {
		return err
	}
	if active := r.ActivePlayers(); active >= r.Settings.Capacity {
		return fmt.Errorf("%w: %d active players", room.ErrRoomFull, active)
	}

	now := d.st.Now(ctx)
	p := &room.Player{
		ID:            playerID,
		Name:          name,
		Role:          role,
		JoinedAt:      now,
		LastHeartbeat: now,
		Online:        true,
	}
	hist := room.NewHistoryEvent(room.HistoryJoined, playerID, "", now)
	if err := d.st.Update(ctx, store.Writes{
		room.PlayerPath(r.ID, playerID): p,
		room.HistoryPath(r.ID, hist.ID): hist,
	}); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	r.Players[playerID] = p
	return nil
}

// attach opens the player's store session, arms the disconnect hook, starts
// the heartbeat, and hooks up the listener.
func (d *Directory) attach(ctx context.Context, r *room.Room, playerID string) (*Session, error) {
	storeSess, err := d.st.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	hook, err := d.tracker.RegisterDisconnectCleanup(storeSess, r.ID, playerID)
	if err != nil {
		storeSess.Close()
		return nil, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	sess := &Session{
		RoomID:    r.ID,
		PlayerID:  playerID,
		Room:      r,
		Listener:  broadcast.Listen(ctx, d.st, r),
		dir:       d,
		heartbeat: d.tracker.StartHeartbeat(ctx, r.ID, playerID),
		hook:      hook,
		storeSess: storeSess,
	}
	d.trackSession(sess)
	return sess, nil
}

func (d *Directory) trackSession(s *Session) {
	key := s.RoomID + "/" + s.PlayerID
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[key] == nil {
		d.sessions[key] = make(map[*Session]struct{})
	}
	d.sessions[key][s] = struct{}{}
}

// releaseSessions cancels every tracked session's disconnect hook and stops
// its heartbeat for the player, so no later session drop can write the player
// back after removal.
func (d *Directory) releaseSessions(roomID, playerID string) {
	key := roomID + "/" + playerID
	d.mu.Lock()
	set := d.sessions[key]
	delete(d.sessions, key)
	d.mu.Unlock()
	for s := range set {
		s.release()
	}
}

// Leave removes the player and their vote atomically and appends a history
// event. force bypasses the rate limiter; the delayed-removal and
// admin-removal paths use it. Leaving an already-absent player or room is a
// no-op so ambiguous-failure retries stay safe.
func (d *Directory) Leave(ctx context.Context, roomID, playerID string, force bool) error {
	if !force && !d.limiter.Allow(ratelimit.OpLeaveRoom, playerID) {
		return room.ErrRateLimited
	}
	// Hooks are cancelled before the player record is deleted, so a hook
	// cannot fire against already-deleted paths and re-create the player.
	d.releaseSessions(roomID, playerID)
	d.tracker.CancelDelayedRemoval(roomID, playerID)

	r, err := d.Load(ctx, roomID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := r.Players[playerID]; !ok {
		return nil
	}

	now := d.st.Now(ctx)
	hist := room.NewHistoryEvent(room.HistoryLeft, playerID, "", now)
	if err := d.st.Update(ctx, store.Writes{
		room.PlayerPath(roomID, playerID): nil,
		room.VotePath(roomID, playerID):   nil,
		room.HistoryPath(roomID, hist.ID): hist,
	}); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	delete(r.Players, playerID)
	delete(r.Votes, playerID)
	d.limiter.Reset(playerID)

	if len(r.Players) == 0 {
		d.scheduleRoomDeletion(ctx, roomID)
	}
	log.Info().
		Str("room_id", roomID).
		Str("player_id", playerID).
		Bool("force", force).
		Msg("player left")
	return nil
}

// RemovePlayer is the admin-only removal path.
func (d *Directory) RemovePlayer(ctx context.Context, roomID, targetID, requesterID string) error {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return err
	}
	if err := d.auth.RemovePlayer(ctx, r, targetID, requesterID); err != nil {
		return err
	}
	d.releaseSessions(roomID, targetID)
	d.tracker.CancelDelayedRemoval(roomID, targetID)
	if len(r.Players) == 0 {
		d.scheduleRoomDeletion(ctx, roomID)
	}
	return nil
}

// SubmitVote loads a fresh snapshot and records the player's vote.
func (d *Directory) SubmitVote(ctx context.Context, roomID, playerID string, raw any) error {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return err
	}
	return d.ledger.SubmitVote(ctx, r, playerID, raw)
}

// RevealVotes transitions the room to revealing.
func (d *Directory) RevealVotes(ctx context.Context, roomID, actorID string) error {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return err
	}
	return d.ledger.RevealVotes(ctx, r, actorID)
}

// ClearVotes resets the round.
func (d *Directory) ClearVotes(ctx context.Context, roomID, actorID string) error {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return err
	}
	return d.ledger.ClearVotes(ctx, r, actorID)
}

// SetLocked locks or unlocks the room. Admin only.
func (d *Directory) SetLocked(ctx context.Context, roomID string, locked bool, requesterID string) error {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return err
	}
	return d.auth.SetLocked(ctx, r, locked, requesterID)
}

// CleanupInactivePlayers sweeps the room's players through the inactivity
// tiers; invoked periodically by an external scheduler and opportunistically
// before capacity checks.
func (d *Directory) CleanupInactivePlayers(ctx context.Context, roomID string) (int, error) {
	r, err := d.Load(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return d.tracker.CleanupInactive(ctx, r)
}

// MarkDisconnected records an observed connection loss without removing the
// player: mark offline immediately, remove after the grace delay unless the
// player comes back first. A disconnect reported after the player already
// left is a no-op; writing the field unconditionally would re-create a
// partial player record.
func (d *Directory) MarkDisconnected(ctx context.Context, roomID, playerID string) error {
	r, err := d.Load(ctx, roomID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := r.Players[playerID]; !ok {
		return nil
	}
	if err := d.st.Update(ctx, store.Writes{
		room.PlayerField(roomID, playerID, "online"): false,
	}); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	d.tracker.ScheduleDelayedRemoval(ctx, roomID, playerID)
	return nil
}

// Load reads and decodes a room snapshot.
func (d *Directory) Load(ctx context.Context, roomID string) (*room.Room, error) {
	v, err := d.st.Get(ctx, room.Path(roomID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: room %s", room.ErrNotFound, roomID)
	}
	var r room.Room
	if err := store.Decode(v, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if r.Players == nil {
		r.Players = make(map[string]*room.Player)
	}
	if r.Votes == nil {
		r.Votes = make(map[string]*room.Vote)
	}
	return &r, nil
}

// scheduleRoomDeletion arms deferred deletion of an emptied room; a rejoin
// within the grace period cancels it.
func (d *Directory) scheduleRoomDeletion(ctx context.Context, roomID string) {
	timer := d.clock.NewTimer(d.cfg.EmptyRoomGrace)
	d.mu.Lock()
	if old, ok := d.deleteTimers[roomID]; ok {
		stopAndDrainTimer(old)
	}
	d.deleteTimers[roomID] = timer
	d.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			d.mu.Lock()
			delete(d.deleteTimers, roomID)
			d.mu.Unlock()
			d.deleteIfStillEmpty(ctx, roomID)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
		}
	}()
	log.Debug().Str("room_id", roomID).Dur("grace", d.cfg.EmptyRoomGrace).Msg("scheduled room deletion")
}

func (d *Directory) cancelRoomDeletion(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.deleteTimers[roomID]; ok {
		stopAndDrainTimer(timer)
		delete(d.deleteTimers, roomID)
	}
}

func (d *Directory) deleteIfStillEmpty(ctx context.Context, roomID string) {
	r, err := d.Load(ctx, roomID)
	if err != nil || len(r.Players) > 0 {
		return
	}
	if err := d.st.Update(ctx, store.Writes{room.Path(roomID): nil}); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("room deletion failed")
		return
	}
	log.Info().Str("room_id", roomID).Msg("deleted empty room")
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func newRoomID() string {
	return "room-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func isNotFound(err error) bool {
	return errors.Is(err, room.ErrNotFound)
}
