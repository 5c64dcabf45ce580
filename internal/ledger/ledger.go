// Package ledger owns vote submission, reveal, and clear. Vote records and
// the mirrored hasVoted/vote fields on the player always change in one
// atomic write so the two locations can never be observed out of sync.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/ratelimit"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/store"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/validate"
)

// RoundSummary describes one completed round for archival.
type RoundSummary struct {
	RoomID   string
	Round    int64
	Votes    int
	Average  *float64
	Duration time.Duration
	EndedAt  time.Time
}

// RoundSink receives completed-round summaries. Implemented by the Postgres
// archive; a nil sink disables archival.
type RoundSink interface {
	ArchiveRound(ctx context.Context, s RoundSummary) error
}

// Ledger performs vote operations against the shared store.
type Ledger struct {
	st      store.Store
	seq     *broadcast.Sequencer
	limiter *ratelimit.Limiter
	sink    RoundSink
}

// New creates a ledger. sink may be nil.
func New(st store.Store, seq *broadcast.Sequencer, limiter *ratelimit.Limiter, sink RoundSink) *Ledger {
	return &Ledger{st: st, seq: seq, limiter: limiter, sink: sink}
}

// SubmitVote validates and stores a vote for the player, mirroring it onto
// the player record in the same atomic write. The room's first vote also
// moves the phase from waiting to voting.
func (l *Ledger) SubmitVote(ctx context.Context, r *room.Room, playerID string, raw any) error {
	value, err := validate.Vote(raw)
	if err != nil {
		return err
	}
	p, ok := r.Players[playerID]
	if !ok {
		return fmt.Errorf("%w: player %s", room.ErrNotFound, playerID)
	}
	if !l.limiter.Allow(ratelimit.OpSubmitVote, playerID) {
		return room.ErrRateLimited
	}
	if r.Phase == room.PhaseRevealing || r.Phase == room.PhaseFinished {
		return fmt.Errorf("%w: phase %s", room.ErrVotingClosed, r.Phase)
	}

	now := l.st.Now(ctx)
	vote := &room.Vote{PlayerID: playerID, Value: value, At: now}
	writes := store.Writes{
		room.VotePath(r.ID, playerID):                vote,
		room.PlayerField(r.ID, playerID, "hasVoted"): true,
		room.PlayerField(r.ID, playerID, "vote"):     value,
	}

	var applied func()
	if r.Phase == room.PhaseWaiting {
		phaseWrites, rec, terr := l.seq.TransitionWrites(ctx, r, room.PhaseVoting, room.BroadcastPhase, playerID)
		if terr != nil {
			return terr
		}
		for path, v := range phaseWrites {
			writes[path] = v
		}
		applied = func() {
			r.Phase = room.PhaseVoting
			r.PhaseVersion++
			r.RoundStartedAt = rec.At
			saved := rec
			if r.Broadcasts == nil {
				r.Broadcasts = make(map[room.BroadcastType]*room.BroadcastRecord)
			}
			r.Broadcasts[room.BroadcastPhase] = &saved
		}
	}

	if err := l.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}
	if applied != nil {
		applied()
	}
	if r.Votes == nil {
		r.Votes = make(map[string]*room.Vote)
	}
	r.Votes[playerID] = vote
	p.HasVoted = true
	p.Vote = value

	log.Debug().
		Str("room_id", r.ID).
		Str("player_id", playerID).
		Msg("vote submitted")
	return nil
}

// RevealVotes moves the room to revealing. Vote records are untouched:
// revealing is purely a phase signal telling clients to render the values
// they already hold. Each voted player's record is tagged with the new phase
// version so a later reconnect cannot mistake a prior round's reveal flag
// for a live one.
func (l *Ledger) RevealVotes(ctx context.Context, r *room.Room, actorID string) error {
	if !l.limiter.Allow(ratelimit.OpRevealVotes, actorID) {
		return room.ErrRateLimited
	}
	writes, rec, err := l.seq.TransitionWrites(ctx, r, room.PhaseRevealing, room.BroadcastReveal, actorID)
	if err != nil {
		return err
	}

	now := l.st.Now(ctx)
	newVersion := r.PhaseVersion + 1
	voted := 0
	for id, p := range r.Players {
		if !p.HasVoted {
			continue
		}
		voted++
		writes[room.PlayerField(r.ID, id, "revealedAt")] = now
		writes[room.PlayerField(r.ID, id, "revealPhaseVersion")] = newVersion
	}
	writes[room.StatField(r.ID, "totalVotes")] = r.Statistics.TotalVotes + int64(voted)
	hist := room.NewHistoryEvent(room.HistoryRevealed, actorID, "", now)
	writes[room.HistoryPath(r.ID, hist.ID)] = hist

	if err := l.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}

	r.Phase = room.PhaseRevealing
	r.PhaseVersion = newVersion
	if r.Broadcasts == nil {
		r.Broadcasts = make(map[room.BroadcastType]*room.BroadcastRecord)
	}
	saved := rec
	r.Broadcasts[room.BroadcastReveal] = &saved
	r.Statistics.TotalVotes += int64(voted)
	for _, p := range r.Players {
		if p.HasVoted {
			at := now
			v := newVersion
			p.RevealedAt = &at
			p.RevealPhaseVersion = &v
		}
	}

	log.Info().
		Str("room_id", r.ID).
		Str("actor_id", actorID).
		Int("votes", voted).
		Int64("reveal_version", rec.Version).
		Msg("votes revealed")
	return nil
}

// ClearVotes deletes every vote record, resets the mirrored player fields,
// and moves the phase back to voting, all in one atomic write. The round
// counter and aggregate timing advance with the same write.
func (l *Ledger) ClearVotes(ctx context.Context, r *room.Room, actorID string) error {
	if !l.limiter.Allow(ratelimit.OpClearVotes, actorID) {
		return room.ErrRateLimited
	}
	writes, rec, err := l.seq.TransitionWrites(ctx, r, room.PhaseVoting, room.BroadcastReset, actorID)
	if err != nil {
		return err
	}

	now := l.st.Now(ctx)
	votes := 0
	for id, p := range r.Players {
		if p.HasVoted || r.Votes[id] != nil {
			votes++
		}
		writes[room.VotePath(r.ID, id)] = nil
		writes[room.PlayerField(r.ID, id, "hasVoted")] = false
		writes[room.PlayerField(r.ID, id, "vote")] = nil
		writes[room.PlayerField(r.ID, id, "revealedAt")] = nil
		writes[room.PlayerField(r.ID, id, "revealPhaseVersion")] = nil
	}

	// The round runs from entry into voting to the clear; reveal moved
	// PhaseTimestamp mid-round, so it cannot anchor the duration.
	start := r.RoundStartedAt
	if start.IsZero() {
		start = r.PhaseTimestamp
	}
	duration := now.Sub(start)
	rounds := r.Statistics.Rounds + 1
	avg := (r.Statistics.AverageTime*float64(r.Statistics.Rounds) + duration.Seconds()) / float64(rounds)
	writes[room.StatField(r.ID, "rounds")] = rounds
	writes[room.StatField(r.ID, "averageTime")] = avg
	hist := room.NewHistoryEvent(room.HistoryReset, actorID, "", now)
	writes[room.HistoryPath(r.ID, hist.ID)] = hist

	if err := l.st.Update(ctx, writes); err != nil {
		return fmt.Errorf("%w: %v", room.ErrNotConnected, err)
	}

	summary := RoundSummary{
		RoomID:   r.ID,
		Round:    rounds,
		Votes:    votes,
		Average:  averageOf(r),
		Duration: duration,
		EndedAt:  now,
	}

	r.Phase = room.PhaseVoting
	r.PhaseVersion++
	r.PhaseTimestamp = now
	r.RoundStartedAt = now
	if r.Broadcasts == nil {
		r.Broadcasts = make(map[room.BroadcastType]*room.BroadcastRecord)
	}
	saved := rec
	r.Broadcasts[room.BroadcastReset] = &saved
	r.Statistics.Rounds = rounds
	r.Statistics.AverageTime = avg
	r.Votes = make(map[string]*room.Vote)
	for _, p := range r.Players {
		p.HasVoted = false
		p.Vote = ""
		p.RevealedAt = nil
		p.RevealPhaseVersion = nil
	}

	if l.sink != nil {
		if err := l.sink.ArchiveRound(ctx, summary); err != nil {
			log.Warn().Err(err).Str("room_id", r.ID).Msg("round archive failed")
		}
	}

	log.Info().
		Str("room_id", r.ID).
		Str("actor_id", actorID).
		Int64("round", rounds).
		Msg("votes cleared")
	return nil
}

// averageOf computes the numeric mean of the submitted votes before they are
// cleared; non-numeric tokens are excluded. Returns nil when no numeric
// votes exist.
func averageOf(r *room.Room) *float64 {
	sum, n := 0.0, 0
	for _, v := range r.Votes {
		var f float64
		if _, err := fmt.Sscanf(v.Value, "%f", &f); err == nil {
			sum += f
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
