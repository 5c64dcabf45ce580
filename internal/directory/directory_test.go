package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/admin"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ledger"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/presence"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ratelimit"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

func newTestDirectory(t *testing.T, capacity int) (*Directory, *store.MemStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	st := store.NewMemStore(clock)
	limiter := ratelimit.New(nil, clock)
	tracker := presence.NewTracker(st, clock, presence.DefaultConfig())
	seq := broadcast.NewSequencer(st)
	ldg := ledger.New(st, seq, limiter, nil)
	d := New(st, clock, limiter, tracker, seq, ldg, admin.New(st), Config{
		RoomSettings:   room.Settings{Capacity: capacity, CardSet: "fibonacci"},
		EmptyRoomGrace: 5 * time.Minute,
	})
	return d, st, clock
}

func join(t *testing.T, d *Directory, roomID, name, role string) *Session {
	t.Helper()
	sess, err := d.Join(context.Background(), JoinRequest{RoomID: roomID, Name: name, Role: role})
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return sess
}

func TestJoinCreatesRoomWithCreatorAsAdmin(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	sess := join(t, d, "", "Alice", "scrum_master")
	defer sess.Leave(ctx)

	if !sess.IsNewRoom {
		t.Error("expected new room")
	}
	r, err := d.Load(ctx, sess.RoomID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.AdminID != sess.PlayerID {
		t.Errorf("admin = %s, want creator %s", r.AdminID, sess.PlayerID)
	}
	if r.Phase != room.PhaseWaiting {
		t.Errorf("phase = %s, want waiting", r.Phase)
	}
	p := r.Players[sess.PlayerID]
	if p == nil || !p.IsAdmin || !p.Online {
		t.Errorf("creator record = %+v", p)
	}
	for _, bt := range []room.BroadcastType{room.BroadcastReveal, room.BroadcastReset, room.BroadcastPhase} {
		if rec := r.Broadcast(bt); rec.Version != 0 {
			t.Errorf("%s seeded at version %d, want 0", bt, rec.Version)
		}
	}
}

func TestSecondJoinerIsNotAdmin(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "po")
	defer a.Leave(ctx)
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	if b.IsNewRoom {
		t.Error("second join flagged as new room")
	}
	r, _ := d.Load(ctx, a.RoomID)
	if r.AdminID != a.PlayerID {
		t.Errorf("admin moved to %s", r.AdminID)
	}
	if r.Players[b.PlayerID].IsAdmin {
		t.Error("second joiner marked admin")
	}
}

func TestJoinEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 2)

	a := join(t, d, "", "Alice", "dev")
	defer a.Leave(ctx)
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	_, err := d.Join(ctx, JoinRequest{RoomID: a.RoomID, Name: "Carol"})
	if !errors.Is(err, room.ErrRoomFull) {
		t.Errorf("got %v, want ErrRoomFull", err)
	}
}

func TestJoinLockedRoomRejected(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "po")
	defer a.Leave(ctx)
	if err := d.SetLocked(ctx, a.RoomID, true, a.PlayerID); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	_, err := d.Join(ctx, JoinRequest{RoomID: a.RoomID, Name: "Bob"})
	if !errors.Is(err, room.ErrRoomLocked) {
		t.Errorf("got %v, want ErrRoomLocked", err)
	}

	if err := d.SetLocked(ctx, a.RoomID, false, a.PlayerID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	b := join(t, d, a.RoomID, "Bob", "dev")
	b.Leave(ctx)
}

func TestJoinSynthesizesPlayerIDForMalformedInput(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	sess, err := d.Join(ctx, JoinRequest{Name: "Alice", PlayerID: "not a valid id"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sess.Leave(ctx)
	if sess.PlayerID == "not a valid id" {
		t.Error("malformed player id accepted verbatim")
	}
}

func TestFullRound(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "scrum_master")
	defer a.Leave(ctx)
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)
	c := join(t, d, a.RoomID, "Carol", "qa")
	defer c.Leave(ctx)

	if err := d.SubmitVote(ctx, a.RoomID, a.PlayerID, "5"); err != nil {
		t.Fatalf("A vote: %v", err)
	}
	if err := d.SubmitVote(ctx, a.RoomID, b.PlayerID, 8); err != nil {
		t.Fatalf("B vote: %v", err)
	}

	r, _ := d.Load(ctx, a.RoomID)
	if r.Phase != room.PhaseVoting {
		t.Errorf("phase after first vote = %s, want voting", r.Phase)
	}
	if len(r.Votes) != 2 {
		t.Errorf("votes = %d, want 2", len(r.Votes))
	}

	if err := d.RevealVotes(ctx, a.RoomID, a.PlayerID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	r, _ = d.Load(ctx, a.RoomID)
	if r.Phase != room.PhaseRevealing {
		t.Errorf("phase after reveal = %s, want revealing", r.Phase)
	}
	if rec := r.Broadcast(room.BroadcastReveal); rec.Version != 1 {
		t.Errorf("reveal version = %d, want 1", rec.Version)
	}
	if r.Players[c.PlayerID].HasVoted {
		t.Error("non-voter flagged as voted")
	}

	if err := d.ClearVotes(ctx, a.RoomID, a.PlayerID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	r, _ = d.Load(ctx, a.RoomID)
	if r.Phase != room.PhaseVoting {
		t.Errorf("phase after clear = %s, want voting", r.Phase)
	}
	if len(r.Votes) != 0 {
		t.Errorf("votes after clear = %d, want 0", len(r.Votes))
	}
	if r.Statistics.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", r.Statistics.Rounds)
	}
	if rec := r.Broadcast(room.BroadcastReset); rec.Version != 1 {
		t.Errorf("reset version = %d, want 1", rec.Version)
	}
}

func TestReconnectPreservesVoteAndAdmin(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "scrum_master")
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	if err := d.SubmitVote(ctx, a.RoomID, a.PlayerID, "13"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// Connection drops without an explicit leave.
	a.Detach()
	if err := a.ReportDisconnect(ctx); err != nil {
		t.Fatalf("ReportDisconnect: %v", err)
	}
	r, _ := d.Load(ctx, a.RoomID)
	if r.Players[a.PlayerID].Online {
		t.Error("disconnected player still online")
	}

	// Same player id rejoins within the grace period.
	a2, err := d.Join(ctx, JoinRequest{RoomID: a.RoomID, PlayerID: a.PlayerID, Name: "Alice", Role: "scrum_master"})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer a2.Leave(ctx)
	if a2.IsNewRoom {
		t.Error("rejoin created a room")
	}

	r, _ = d.Load(ctx, a.RoomID)
	p := r.Players[a.PlayerID]
	if !p.Online {
		t.Error("rejoined player not online")
	}
	if !p.IsAdmin {
		t.Error("admin status lost across reconnect")
	}
	if !p.HasVoted || p.Vote != "13" {
		t.Errorf("vote lost across reconnect: hasVoted=%v vote=%q", p.HasVoted, p.Vote)
	}
	if r.Votes[a.PlayerID] == nil || r.Votes[a.PlayerID].Value != "13" {
		t.Error("vote record lost across reconnect")
	}
}

func TestReconnectClearsStaleRevealFlags(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")

	// A reveal tag from a phase version the room has since moved past.
	err := st.Update(ctx, store.Writes{
		room.PlayerField(a.RoomID, a.PlayerID, "revealPhaseVersion"): 99,
		room.PlayerField(a.RoomID, a.PlayerID, "revealedAt"):         "2025-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed stale flags: %v", err)
	}
	a.Detach()

	a2, err := d.Join(ctx, JoinRequest{RoomID: a.RoomID, PlayerID: a.PlayerID, Name: "Alice"})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer a2.Leave(ctx)

	r, _ := d.Load(ctx, a.RoomID)
	p := r.Players[a.PlayerID]
	if p.RevealPhaseVersion != nil || p.RevealedAt != nil {
		t.Errorf("stale reveal flags survived reconnect: %+v", p)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	roomID, playerID := a.RoomID, a.PlayerID
	if err := a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// Retry after ambiguous failure: no error, no effect.
	if err := d.Leave(ctx, roomID, playerID, false); err != nil {
		t.Errorf("second leave: %v", err)
	}
	if err := d.Leave(ctx, "no-such-room", playerID, false); err != nil {
		t.Errorf("leave unknown room: %v", err)
	}
}

func TestEmptyRoomDeletedAfterGrace(t *testing.T) {
	ctx := context.Background()
	d, st, clock := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	roomID := a.RoomID
	if err := a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if v, _ := st.Get(ctx, room.Path(roomID)); v == nil {
		t.Fatal("room deleted immediately, want grace period")
	}

	clock.BlockUntil(1)
	clock.Advance(5*time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		v, _ := st.Get(ctx, room.Path(roomID))
		if v == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty room survived the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejoinCancelsRoomDeletion(t *testing.T) {
	ctx := context.Background()
	d, st, clock := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	roomID := a.RoomID
	if err := a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	clock.BlockUntil(1)
	b := join(t, d, roomID, "Bob", "dev")
	defer b.Leave(ctx)

	clock.Advance(6 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	if v, _ := st.Get(ctx, room.Path(roomID)); v == nil {
		t.Fatal("room deleted despite rejoin")
	}
}

func TestAdminRemovalPath(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "po")
	defer a.Leave(ctx)
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Detach()

	if err := d.RemovePlayer(ctx, a.RoomID, b.PlayerID, a.PlayerID); err != nil {
		t.Fatalf("RemovePlayer: %v", err)
	}
	r, _ := d.Load(ctx, a.RoomID)
	if _, ok := r.Players[b.PlayerID]; ok {
		t.Error("removed player still present")
	}

	err := d.RemovePlayer(ctx, a.RoomID, a.PlayerID, b.PlayerID)
	if !errors.Is(err, room.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestMarkDisconnectedRemovesAfterGrace(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	a.Detach()
	if err := a.ReportDisconnect(ctx); err != nil {
		t.Fatalf("ReportDisconnect: %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(2*time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := d.Load(ctx, a.RoomID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if _, ok := r.Players[a.PlayerID]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disconnected player never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeaveThenSessionDropDoesNotResurrectPlayer(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	storeSess := a.storeSess
	// Leave through the directory-level path, as the HTTP operation does.
	if err := d.Leave(ctx, a.RoomID, a.PlayerID, false); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// The store connection dies afterwards; the armed hook was cancelled on
	// leave and must not write the player back.
	dropper, ok := storeSess.(interface{ Drop(context.Context) error })
	if !ok {
		t.Fatal("store session does not support simulated drops")
	}
	if err := dropper.Drop(ctx); err != nil {
		t.Fatalf("drop: %v", err)
	}

	r, err := d.Load(ctx, a.RoomID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p, ok := r.Players[a.PlayerID]; ok {
		t.Errorf("player re-created after leave: %+v", p)
	}
}

func TestDisconnectReportAfterLeaveIsNoOp(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	b := join(t, d, a.RoomID, "Bob", "dev")
	defer b.Leave(ctx)

	if err := a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := d.MarkDisconnected(ctx, a.RoomID, a.PlayerID); err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}
	if v, _ := st.Get(ctx, room.PlayerPath(a.RoomID, a.PlayerID)); v != nil {
		t.Errorf("partial player record written after leave: %v", v)
	}
}

func TestCapacityCountsOnlyActivePlayers(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, 2)

	a := join(t, d, "", "Alice", "dev")
	defer a.Leave(ctx)
	b := join(t, d, a.RoomID, "Bob", "dev")

	// Bob drops; he stays in the room within his removal grace but no
	// longer occupies a seat.
	b.Detach()
	if err := b.ReportDisconnect(ctx); err != nil {
		t.Fatalf("ReportDisconnect: %v", err)
	}

	c := join(t, d, a.RoomID, "Carol", "dev")
	defer c.Leave(ctx)

	r, _ := d.Load(ctx, a.RoomID)
	if _, ok := r.Players[b.PlayerID]; !ok {
		t.Fatal("offline player removed before the grace delay")
	}
	if _, ok := r.Players[c.PlayerID]; !ok {
		t.Fatal("joiner missing despite free seat")
	}
}

func TestRoundDurationSpansVotingAndReveal(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDirectory(t, 12)

	a := join(t, d, "", "Alice", "dev")
	defer a.Leave(ctx)

	if err := d.SubmitVote(ctx, a.RoomID, a.PlayerID, "5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	clock.Advance(40 * time.Second)
	if err := d.RevealVotes(ctx, a.RoomID, a.PlayerID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	clock.Advance(20 * time.Second)
	if err := d.ClearVotes(ctx, a.RoomID, a.PlayerID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// The round ran from the first vote to the clear; the reveal in between
	// must not restart the measurement.
	r, _ := d.Load(ctx, a.RoomID)
	if r.Statistics.AverageTime != 60 {
		t.Errorf("averageTime = %v seconds, want 60", r.Statistics.AverageTime)
	}
}
