package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(clock clockwork.Clock) *Limiter {
	return New(map[Op]Rule{
		OpSubmitVote: {Window: 10 * time.Second, Max: 3},
	}, clock)
}

func TestAllowUpToMax(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		if !l.Allow(OpSubmitVote, "p1") {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
	}
	if l.Allow(OpSubmitVote, "p1") {
		t.Fatal("attempt over the limit allowed, want denied")
	}
}

func TestWindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.Allow(OpSubmitVote, "p1")
		clock.Advance(3 * time.Second)
	}
	// 9s elapsed: the first attempt is 9s old, still inside the window.
	if l.Allow(OpSubmitVote, "p1") {
		t.Fatal("allowed while window still full")
	}
	// Push the first attempt past the 10s window.
	clock.Advance(2 * time.Second)
	if !l.Allow(OpSubmitVote, "p1") {
		t.Fatal("denied after oldest attempt expired")
	}
}

func TestDeniedAttemptConsumesNoBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.Allow(OpSubmitVote, "p1")
	}
	// Hammer while denied; these must not extend the lockout.
	for i := 0; i < 10; i++ {
		clock.Advance(500 * time.Millisecond)
		l.Allow(OpSubmitVote, "p1")
	}
	// 5s in; 6s more puts every recorded attempt past the window.
	clock.Advance(6 * time.Second)
	if !l.Allow(OpSubmitVote, "p1") {
		t.Fatal("denied attempts extended the window")
	}
}

func TestActorsIsolated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.Allow(OpSubmitVote, "p1")
	}
	if !l.Allow(OpSubmitVote, "p2") {
		t.Fatal("p2 denied by p1's budget")
	}
}

func TestUnknownOpAlwaysAllowed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 100; i++ {
		if !l.Allow(OpJoinRoom, "p1") {
			t.Fatal("op without a rule was denied")
		}
	}
}

func TestReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.Allow(OpSubmitVote, "p1")
	}
	if l.Allow(OpSubmitVote, "p1") {
		t.Fatal("expected denial before reset")
	}
	l.Reset("p1")
	if !l.Allow(OpSubmitVote, "p1") {
		t.Fatal("denied after reset")
	}
}

func TestDefaultRulesCoverAllOps(t *testing.T) {
	rules := DefaultRules()
	for _, op := range []Op{OpJoinRoom, OpSubmitVote, OpRevealVotes, OpClearVotes, OpLeaveRoom} {
		rule, ok := rules[op]
		if !ok {
			t.Errorf("no default rule for %s", op)
			continue
		}
		if rule.Max <= 0 || rule.Window <= 0 {
			t.Errorf("degenerate rule for %s: %+v", op, rule)
		}
	}
}
