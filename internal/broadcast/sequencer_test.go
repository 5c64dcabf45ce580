package broadcast

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
)

func testRoom() *room.Room {
	return &room.Room{
		ID:           "r1",
		Phase:        room.PhaseVoting,
		PhaseVersion: 3,
		Broadcasts: map[room.BroadcastType]*room.BroadcastRecord{
			room.BroadcastReveal: {Version: 2},
			room.BroadcastReset:  {Version: 1},
		},
	}
}

func TestTransitionBumpsVersions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore(clockwork.NewFakeClock())
	seq := NewSequencer(st)
	r := testRoom()

	rec, err := seq.Transition(ctx, r, room.PhaseRevealing, room.BroadcastReveal, "p1")
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("broadcast version = %d, want 3", rec.Version)
	}
	if r.Phase != room.PhaseRevealing {
		t.Errorf("snapshot phase = %s, want revealing", r.Phase)
	}
	if r.PhaseVersion != 4 {
		t.Errorf("snapshot phase version = %d, want 4", r.PhaseVersion)
	}

	v, err := st.Get(ctx, room.Field("r1", "phase"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != string(room.PhaseRevealing) {
		t.Errorf("stored phase = %v, want revealing", v)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore(clockwork.NewFakeClock())
	seq := NewSequencer(st)

	r := testRoom()
	r.Phase = room.PhaseWaiting
	if _, err := seq.Transition(ctx, r, room.PhaseRevealing, room.BroadcastReveal, "p1"); err == nil {
		t.Fatal("waiting -> revealing accepted, want rejection")
	}
	if r.Phase != room.PhaseWaiting {
		t.Errorf("snapshot mutated on rejected transition: %s", r.Phase)
	}
}

func TestRevealingAllowsResetAndFinish(t *testing.T) {
	for _, target := range []room.Phase{room.PhaseVoting, room.PhaseFinished} {
		if !transitionAllowed(room.PhaseRevealing, target) {
			t.Errorf("revealing -> %s should be allowed", target)
		}
	}
	if transitionAllowed(room.PhaseRevealing, room.PhaseWaiting) {
		t.Error("revealing -> waiting should be rejected")
	}
	if transitionAllowed(room.PhaseFinished, room.PhaseRevealing) {
		t.Error("finished -> revealing should be rejected")
	}
}

func TestTransitionWritesCarryPhaseOnlyForPhaseType(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore(clockwork.NewFakeClock())
	seq := NewSequencer(st)

	r := testRoom()
	_, rec, err := seq.TransitionWrites(ctx, r, room.PhaseRevealing, room.BroadcastReveal, "p1")
	if err != nil {
		t.Fatalf("TransitionWrites: %v", err)
	}
	if rec.Phase != "" {
		t.Errorf("reveal record carries phase %q, want empty", rec.Phase)
	}

	r2 := &room.Room{ID: "r2", Phase: room.PhaseWaiting}
	_, rec, err = seq.TransitionWrites(ctx, r2, room.PhaseVoting, room.BroadcastPhase, "p1")
	if err != nil {
		t.Fatalf("TransitionWrites: %v", err)
	}
	if rec.Phase != room.PhaseVoting {
		t.Errorf("phase record carries %q, want voting", rec.Phase)
	}
}
