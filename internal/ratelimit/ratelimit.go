// Package ratelimit implements a per-actor, per-operation sliding-window
// throttle. The ledger is process-local and resets on restart; running the
// core as multiple horizontally-scaled processes would require backing it
// with a shared counter, which this package deliberately does not attempt.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Op names a throttled operation.
type Op string

const (
	OpJoinRoom    Op = "joinRoom"
	OpSubmitVote  Op = "submitVote"
	OpRevealVotes Op = "revealVotes"
	OpClearVotes  Op = "clearVotes"
	OpLeaveRoom   Op = "leaveRoom"
)

// Rule bounds one operation: at most Max attempts within any Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules returns the per-operation limits applied when none are
// configured.
func DefaultRules() map[Op]Rule {
	return map[Op]Rule{
		OpJoinRoom:    {Window: time.Minute, Max: 10},
		OpSubmitVote:  {Window: 10 * time.Second, Max: 6},
		OpRevealVotes: {Window: 10 * time.Second, Max: 3},
		OpClearVotes:  {Window: 10 * time.Second, Max: 3},
		OpLeaveRoom:   {Window: time.Minute, Max: 10},
	}
}

type key struct {
	op    Op
	actor string
}

// Limiter tracks recent attempt timestamps per (operation, actor) key.
// Windows slide continuously: stale timestamps are discarded on every check.
type Limiter struct {
	mu     sync.Mutex
	rules  map[Op]Rule
	ledger map[key][]time.Time
	clock  clockwork.Clock
}

// New creates a limiter with the given rules; nil rules means DefaultRules.
func New(rules map[Op]Rule, clock clockwork.Clock) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		rules:  rules,
		ledger: make(map[key][]time.Time),
		clock:  clock,
	}
}

// Allow records an attempt and reports whether it is within the operation's
// window limit. A denied attempt consumes no budget. Operations without a
// configured rule are always allowed.
func (l *Limiter) Allow(op Op, actorID string) bool {
	rule, ok := l.rules[op]
	if !ok {
		return true
	}
	now := l.clock.Now()
	cutoff := now.Add(-rule.Window)
	k := key{op: op, actor: actorID}

	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := l.ledger[k]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rule.Max {
		l.ledger[k] = fresh
		return false
	}
	l.ledger[k] = append(fresh, now)
	return true
}

// Reset clears the ledger for one actor across all operations; used when a
// player fully leaves so a later rejoin starts with a clean budget.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.ledger {
		if k.actor == actorID {
			delete(l.ledger, k)
		}
	}
}
