package room

import "errors"

// Domain errors. Validation and authorization failures are terminal for the
// attempted call; connectivity failures may be retried by the caller.
var (
	ErrInvalidRoomID     = errors.New("invalid room id")
	ErrInvalidPlayerID   = errors.New("invalid player id")
	ErrInvalidPlayerName = errors.New("invalid player name")
	ErrInvalidVote       = errors.New("invalid vote value")
	ErrVotingClosed      = errors.New("votes are not accepted in the current phase")
	ErrRateLimited       = errors.New("rate limited")
	ErrNotConnected      = errors.New("shared store unreachable")
	ErrRoomFull          = errors.New("room is full")
	ErrRoomLocked        = errors.New("room is locked")
	ErrUnauthorized      = errors.New("operation requires room admin")
	ErrNotFound          = errors.New("not found")
)
