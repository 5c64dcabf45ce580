package room

import "time"

// Phase is the room's current stage of a voting round.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseVoting    Phase = "voting"
	PhaseRevealing Phase = "revealing"
	PhaseFinished  Phase = "finished"
)

// Role describes a player's function in the session. Roles that chair the
// session get longer presence grace periods than contributor roles.
type Role string

const (
	RoleDev         Role = "dev"
	RoleQA          Role = "qa"
	RoleScrumMaster Role = "scrum_master"
	RolePO          Role = "po"
	RoleOther       Role = "other"
)

// IsLeader reports whether the role chairs the session.
func (r Role) IsLeader() bool {
	return r == RoleScrumMaster || r == RolePO
}

// BroadcastType distinguishes the versioned signal streams a room carries.
type BroadcastType string

const (
	BroadcastReveal BroadcastType = "reveal"
	BroadcastReset  BroadcastType = "reset"
	BroadcastPhase  BroadcastType = "phase"
)

// Player is one participant in a room.
type Player struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Role               Role       `json:"role"`
	JoinedAt           time.Time  `json:"joinedAt"`
	LastHeartbeat      time.Time  `json:"lastHeartbeat"`
	Online             bool       `json:"online"`
	HasVoted           bool       `json:"hasVoted"`
	Vote               string     `json:"vote,omitempty"`
	IsAdmin            bool       `json:"isAdmin"`
	RevealedAt         *time.Time `json:"revealedAt,omitempty"`
	RevealPhaseVersion *int64     `json:"revealPhaseVersion,omitempty"`
}

// Vote is a single submitted estimate.
type Vote struct {
	PlayerID string    `json:"playerId"`
	Value    string    `json:"value"`
	At       time.Time `json:"at"`
}

// BroadcastRecord is the versioned signal written alongside every phase
// transition. Clients gate on Version to make redelivery idempotent.
type BroadcastRecord struct {
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
	ActorID string    `json:"actorId"`
	Phase   Phase     `json:"phase,omitempty"`
}

// Settings holds per-room configuration fixed at creation (capacity, deck).
type Settings struct {
	Capacity   int    `json:"capacity"`
	CardSet    string `json:"cardSet"`
	AutoReveal bool   `json:"autoReveal"`
}

// Statistics accumulates per-room counters across rounds.
type Statistics struct {
	Rounds      int64   `json:"rounds"`
	TotalVotes  int64   `json:"totalVotes"`
	AverageTime float64 `json:"averageTime"` // seconds per completed round
}

// HistoryEvent is one entry in the room's append-only event log. Entries are
// keyed by ID in the store and ordered by At.
type HistoryEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	ActorID  string    `json:"actorId,omitempty"`
	TargetID string    `json:"targetId,omitempty"`
	At       time.Time `json:"at"`
}

// History event types.
const (
	HistoryJoined   = "player_joined"
	HistoryLeft     = "player_left"
	HistoryRemoved  = "player_removed"
	HistoryRejoined = "player_rejoined"
	HistoryRevealed = "votes_revealed"
	HistoryReset    = "votes_reset"
	HistoryLocked   = "room_locked"
	HistoryUnlocked = "room_unlocked"
)

// Room is the full shared document for one estimation session.
type Room struct {
	ID             string                             `json:"id"`
	CreatedAt      time.Time                          `json:"createdAt"`
	CreatedBy      string                             `json:"createdBy"`
	AdminID        string                             `json:"adminId"`
	Phase          Phase                              `json:"phase"`
	PhaseVersion   int64                              `json:"phaseVersion"`
	PhaseTimestamp time.Time                          `json:"phaseTimestamp"`
	RoundStartedAt time.Time                          `json:"roundStartedAt"`
	Locked         bool                               `json:"locked"`
	Settings       Settings                           `json:"settings"`
	Statistics     Statistics                         `json:"statistics"`
	Players        map[string]*Player                 `json:"players,omitempty"`
	Votes          map[string]*Vote                   `json:"votes,omitempty"`
	History        map[string]*HistoryEvent           `json:"history,omitempty"`
	Broadcasts     map[BroadcastType]*BroadcastRecord `json:"broadcasts,omitempty"`
}

// Broadcast returns the record for the given type, or a zero-version record
// when none has been written yet.
func (r *Room) Broadcast(t BroadcastType) BroadcastRecord {
	if rec, ok := r.Broadcasts[t]; ok && rec != nil {
		return *rec
	}
	return BroadcastRecord{}
}

// ActivePlayers counts players currently marked online.
func (r *Room) ActivePlayers() int {
	n := 0
	for _, p := range r.Players {
		if p.Online {
			n++
		}
	}
	return n
}

// DefaultSettings returns the settings applied to a freshly created room.
func DefaultSettings() Settings {
	return Settings{
		Capacity: 12,
		CardSet:  "fibonacci",
	}
}
