package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

const topicBuffer = 64

// Broadcast is a version-gated signal delivered to exactly-once semantics on
// top of the store's at-least-once watch channel.
type Broadcast struct {
	Type   room.BroadcastType
	Record room.BroadcastRecord
}

// Change notifies that a subtree under players/ or votes/ was written or
// deleted. Consumers re-read whatever state they care about.
type Change struct {
	Path string
	At   time.Time
}

// Listener is one client's view of a room's event streams. It demuxes raw
// store events into per-topic channels and applies the version gate to the
// broadcast stream.
type Listener struct {
	roomID string
	cancel func()
	done   chan struct{}

	mu      sync.Mutex
	applied map[room.BroadcastType]int64
	phase   room.Phase
	version int64

	broadcasts chan Broadcast
	players    chan Change
	votes      chan Change
	phases     chan room.Phase
}

// Listen attaches a listener to the room's subtree. The seed snapshot
// initializes the version gate so that records already applied before this
// client attached are not replayed: a reconnecting client starts gating from
// the versions it has already seen rendered.
func Listen(ctx context.Context, st store.Store, seed *room.Room) *Listener {
	l := &Listener{
		roomID:     seed.ID,
		done:       make(chan struct{}),
		applied:    make(map[room.BroadcastType]int64),
		phase:      seed.Phase,
		version:    seed.PhaseVersion,
		broadcasts: make(chan Broadcast, topicBuffer),
		players:    make(chan Change, topicBuffer),
		votes:      make(chan Change, topicBuffer),
		phases:     make(chan room.Phase, topicBuffer),
	}
	for _, t := range []room.BroadcastType{room.BroadcastReveal, room.BroadcastReset, room.BroadcastPhase} {
		l.applied[t] = seed.Broadcast(t).Version
	}
	events, cancel := st.Watch(ctx, room.Path(seed.ID))
	l.cancel = cancel
	go l.run(events)
	return l
}

// Broadcasts is the version-gated stream of phase-affecting signals.
func (l *Listener) Broadcasts() <-chan Broadcast { return l.broadcasts }

// Players notifies on any change under the room's player map.
func (l *Listener) Players() <-chan Change { return l.players }

// Votes notifies on any change under the room's vote map.
func (l *Listener) Votes() <-chan Change { return l.votes }

// Phases is the stream of phase values as they change.
func (l *Listener) Phases() <-chan room.Phase { return l.phases }

// Phase returns the listener's current view of the room phase and version.
func (l *Listener) Phase() (room.Phase, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase, l.version
}

// AppliedVersion returns the highest broadcast version applied for a type.
func (l *Listener) AppliedVersion(t room.BroadcastType) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied[t]
}

// Apply runs the version gate: the record is accepted only if its version is
// strictly greater than the highest already applied for its type. Duplicate
// and out-of-order redeliveries return false and change nothing.
func (l *Listener) Apply(t room.BroadcastType, rec room.BroadcastRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.Version <= l.applied[t] {
		return false
	}
	l.applied[t] = rec.Version
	return true
}

// Close detaches the listener and closes all topic channels.
func (l *Listener) Close() {
	l.cancel()
	<-l.done
}

func (l *Listener) run(events <-chan store.Event) {
	defer func() {
		close(l.broadcasts)
		close(l.players)
		close(l.votes)
		close(l.phases)
		close(l.done)
	}()
	for ev := range events {
		l.dispatch(ev)
	}
}

func (l *Listener) dispatch(ev store.Event) {
	switch {
	case store.Under(ev.Path, room.BroadcastsPath(l.roomID)):
		l.handleBroadcast(ev)
	case store.Under(ev.Path, room.PlayersPath(l.roomID)):
		send(l.players, Change{Path: ev.Path, At: ev.At})
	case store.Under(ev.Path, room.VotesPath(l.roomID)):
		send(l.votes, Change{Path: ev.Path, At: ev.At})
	case ev.Path == room.Field(l.roomID, "phase"):
		if s, ok := ev.Value.(string); ok {
			l.mu.Lock()
			l.phase = room.Phase(s)
			l.mu.Unlock()
			send(l.phases, room.Phase(s))
		}
	case ev.Path == room.Field(l.roomID, "phaseVersion"):
		if v, ok := ev.Value.(float64); ok {
			l.mu.Lock()
			if int64(v) > l.version {
				l.version = int64(v)
			}
			l.mu.Unlock()
		}
	}
}

func (l *Listener) handleBroadcast(ev store.Event) {
	if ev.Value == nil {
		return
	}
	segs := store.SplitPath(strings.TrimPrefix(ev.Path, room.BroadcastsPath(l.roomID)+"/"))
	t := room.BroadcastType(segs[0])
	switch t {
	case room.BroadcastReveal, room.BroadcastReset, room.BroadcastPhase:
	default:
		return
	}
	var rec room.BroadcastRecord
	if err := store.Decode(ev.Value, &rec); err != nil {
		log.Warn().Err(err).Str("path", ev.Path).Msg("undecodable broadcast record")
		return
	}
	if !l.Apply(t, rec) {
		log.Debug().
			Str("room_id", l.roomID).
			Str("type", string(t)).
			Int64("version", rec.Version).
			Msg("discarding stale broadcast redelivery")
		return
	}
	send(l.broadcasts, Broadcast{Type: t, Record: rec})
}

func send[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		log.Warn().Msg("listener topic buffer full, dropping event")
	}
}
