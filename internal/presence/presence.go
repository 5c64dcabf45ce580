// Package presence tracks which players are actually still participating, as
// accurately as an unreliable network allows. It combines three signals:
// periodic heartbeats written by connected clients, best-effort store-side
// disconnect hooks, and role-aware inactivity classification applied by a
// periodic sweep. Players are marked offline immediately on a missed timeout
// but only removed after a grace delay, so brief reconnects (tab refresh,
// network blip) cost nothing.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

// State classifies a player's inactivity tier.
type State int

const (
	StateActive State = iota
	StateWarning
	StateOffline
	StateRemove
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateOffline:
		return "offline"
	case StateRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Health levels emitted by a heartbeat loop under write failures.
type Health int

const (
	HealthDegraded Health = iota
	HealthCritical
)

// HealthEvent reports a heartbeat loop's condition for one player.
type HealthEvent struct {
	RoomID   string
	PlayerID string
	Level    Health
}

// Remover is the callback used to fully remove a player once its grace
// period has elapsed. RoomDirectory implements it.
type Remover interface {
	Leave(ctx context.Context, roomID, playerID string, force bool) error
}

// Config holds presence timing. Session leaders (scrum_master, po) get the
// longer leader timeout under the rationale that they are more likely
// mid-discussion than disengaged.
type Config struct {
	HeartbeatInterval  time.Duration
	ContributorTimeout time.Duration
	LeaderTimeout      time.Duration
	RemoveDelay        time.Duration

	// Consecutive heartbeat write failures before emitting degraded and
	// critical events.
	DegradedAfter int
	CriticalAfter int
}

// DefaultConfig returns production presence timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  25 * time.Second,
		ContributorTimeout: 5 * time.Minute,
		LeaderTimeout:      10 * time.Minute,
		RemoveDelay:        2 * time.Minute,
		DegradedAfter:      3,
		CriticalAfter:      6,
	}
}

// Tracker owns heartbeat loops, disconnect-hook registration, and the
// delayed-removal timers for all players this process is responsible for.
type Tracker struct {
	st    store.Store
	clock clockwork.Clock
	cfg   Config

	remover Remover

	mu     sync.Mutex
	timers map[string]clockwork.Timer

	events chan HealthEvent
}

// NewTracker creates a tracker. SetRemover must be called before any
// delayed removal can execute.
func NewTracker(st store.Store, clock clockwork.Clock, cfg Config) *Tracker {
	return &Tracker{
		st:     st,
		clock:  clock,
		cfg:    cfg,
		timers: make(map[string]clockwork.Timer),
		events: make(chan HealthEvent, 64),
	}
}

// SetRemover wires the directory's forced-leave path in after construction;
// the two components reference each other.
func (t *Tracker) SetRemover(r Remover) { t.remover = r }

// Events exposes heartbeat health notifications.
func (t *Tracker) Events() <-chan HealthEvent { return t.events }

// Heartbeat is a running heartbeat loop for one player.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop terminates the loop. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// StartHeartbeat begins periodic writes of lastHeartbeat and online=true for
// the player. Consecutive write failures escalate degraded -> critical; on
// critical the failure counter resets and the loop keeps going, which is the
// self-healing restart.
func (t *Tracker) StartHeartbeat(ctx context.Context, roomID, playerID string) *Heartbeat {
	hb := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	go t.runHeartbeat(ctx, roomID, playerID, hb)
	return hb
}

func (t *Tracker) runHeartbeat(ctx context.Context, roomID, playerID string, hb *Heartbeat) {
	defer close(hb.done)
	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-hb.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			err := t.beat(ctx, roomID, playerID)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Warn().Err(err).
				Str("room_id", roomID).
				Str("player_id", playerID).
				Int("consecutive_failures", failures).
				Msg("heartbeat write failed")
			switch {
			case failures == t.cfg.DegradedAfter:
				t.emit(HealthEvent{RoomID: roomID, PlayerID: playerID, Level: HealthDegraded})
			case failures >= t.cfg.CriticalAfter:
				t.emit(HealthEvent{RoomID: roomID, PlayerID: playerID, Level: HealthCritical})
				failures = 0
			}
		}
	}
}

func (t *Tracker) beat(ctx context.Context, roomID, playerID string) error {
	return t.st.Update(ctx, store.Writes{
		room.PlayerField(roomID, playerID, "lastHeartbeat"): store.ServerTimestamp,
		room.PlayerField(roomID, playerID, "online"):        true,
	})
}

func (t *Tracker) emit(ev HealthEvent) {
	select {
	case t.events <- ev:
	default:
		log.Warn().Str("player_id", ev.PlayerID).Msg("health event buffer full, dropping")
	}
}

// RegisterDisconnectCleanup arms a store-side write that marks the player
// offline and removes its vote if the session's connection drops without an
// explicit leave. Best-effort fallback: the periodic sweep still guarantees
// eventual cleanup when the hook never fires.
func (t *Tracker) RegisterDisconnectCleanup(sess store.Session, roomID, playerID string) (store.Hook, error) {
	hook, err := sess.OnDisconnect(store.Writes{
		room.PlayerField(roomID, playerID, "online"):   false,
		room.PlayerField(roomID, playerID, "hasVoted"): false,
		room.PlayerField(roomID, playerID, "vote"):     nil,
		room.VotePath(roomID, playerID):                nil,
	})
	if err != nil {
		return nil, fmt.Errorf("register disconnect cleanup: %w", err)
	}
	return hook, nil
}

// ScheduleDelayedRemoval arms a check RemoveDelay after an observed
// disconnect: if the player is still offline when the timer fires, it is
// fully removed through the directory's forced-leave path. Re-arming for the
// same player replaces the previous timer.
func (t *Tracker) ScheduleDelayedRemoval(ctx context.Context, roomID, playerID string) {
	key := roomID + "/" + playerID
	timer := t.clock.NewTimer(t.cfg.RemoveDelay)

	t.mu.Lock()
	if old, ok := t.timers[key]; ok {
		stopAndDrainTimer(old)
	}
	t.timers[key] = timer
	t.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			t.removeTimer(key)
			t.removeIfStillOffline(ctx, roomID, playerID)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			t.removeTimer(key)
		}
	}()

	log.Debug().
		Str("room_id", roomID).
		Str("player_id", playerID).
		Dur("delay", t.cfg.RemoveDelay).
		Msg("scheduled delayed removal")
}

// CancelDelayedRemoval disarms a pending removal, e.g. when the player
// explicitly leaves or reconnects.
func (t *Tracker) CancelDelayedRemoval(roomID, playerID string) {
	key := roomID + "/" + playerID
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		stopAndDrainTimer(timer)
		delete(t.timers, key)
	}
}

func (t *Tracker) removeTimer(key string) {
	t.mu.Lock()
	delete(t.timers, key)
	t.mu.Unlock()
}

func (t *Tracker) removeIfStillOffline(ctx context.Context, roomID, playerID string) {
	v, err := t.st.Get(ctx, room.PlayerPath(roomID, playerID))
	if err != nil || v == nil {
		return
	}
	var p room.Player
	if err := store.Decode(v, &p); err != nil {
		return
	}
	if p.Online {
		return
	}
	if t.remover == nil {
		log.Warn().Str("player_id", playerID).Msg("no remover wired, skipping delayed removal")
		return
	}
	if err := t.remover.Leave(ctx, roomID, playerID, true); err != nil {
		log.Warn().Err(err).
			Str("room_id", roomID).
			Str("player_id", playerID).
			Msg("delayed removal failed")
		return
	}
	log.Info().
		Str("room_id", roomID).
		Str("player_id", playerID).
		Msg("removed player after grace delay")
}

// Classify places a player in an inactivity tier relative to now. Warning
// starts at 70% of the role's base timeout, offline at 100%, removal at 200%.
func (t *Tracker) Classify(p *room.Player, now time.Time) State {
	base := t.cfg.ContributorTimeout
	if p.Role.IsLeader() {
		base = t.cfg.LeaderTimeout
	}
	idle := now.Sub(p.LastHeartbeat)
	switch {
	case idle >= 2*base:
		return StateRemove
	case idle >= base:
		return StateOffline
	case idle >= time.Duration(float64(base)*0.7):
		return StateWarning
	default:
		return StateActive
	}
}

// CleanupInactive sweeps a room snapshot: offline-tier players are marked
// offline in the store, remove-tier players are removed through the forced
// leave path. The snapshot is mutated to reflect the result so capacity
// checks can run against it directly. Returns the number removed.
func (t *Tracker) CleanupInactive(ctx context.Context, r *room.Room) (int, error) {
	now := t.st.Now(ctx)
	removed := 0
	for id, p := range r.Players {
		switch t.Classify(p, now) {
		case StateRemove:
			if t.remover == nil {
				continue
			}
			if err := t.remover.Leave(ctx, r.ID, id, true); err != nil {
				return removed, fmt.Errorf("remove inactive player %s: %w", id, err)
			}
			delete(r.Players, id)
			delete(r.Votes, id)
			removed++
		case StateOffline:
			if !p.Online {
				continue
			}
			if err := t.st.Update(ctx, store.Writes{
				room.PlayerField(r.ID, id, "online"): false,
			}); err != nil {
				return removed, fmt.Errorf("%w: %v", room.ErrNotConnected, err)
			}
			p.Online = false
		}
	}
	return removed, nil
}

// stopAndDrainTimer stops a timer and drains its channel if it already
// fired, per the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
