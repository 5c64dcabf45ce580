package room

import "strings"

// Store path layout. All room state lives under rooms/{roomID}/ in the shared
// store; operations write the narrowest set of paths they need to change.

const rootPrefix = "rooms"

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Path returns the root path of a room document.
func Path(roomID string) string {
	return join(rootPrefix, roomID)
}

// PlayerPath returns the path of one player's record.
func PlayerPath(roomID, playerID string) string {
	return join(rootPrefix, roomID, "players", playerID)
}

// PlayerField returns the path of a single field on a player record.
func PlayerField(roomID, playerID, field string) string {
	return join(rootPrefix, roomID, "players", playerID, field)
}

// PlayersPath returns the path of the room's player map.
func PlayersPath(roomID string) string {
	return join(rootPrefix, roomID, "players")
}

// VotePath returns the path of one player's vote record.
func VotePath(roomID, playerID string) string {
	return join(rootPrefix, roomID, "votes", playerID)
}

// VotesPath returns the path of the room's vote map.
func VotesPath(roomID string) string {
	return join(rootPrefix, roomID, "votes")
}

// Field returns the path of a top-level room field such as phase or locked.
func Field(roomID, field string) string {
	return join(rootPrefix, roomID, field)
}

// BroadcastPath returns the path of the record for one broadcast type.
func BroadcastPath(roomID string, t BroadcastType) string {
	return join(rootPrefix, roomID, "broadcasts", string(t))
}

// BroadcastsPath returns the path of the room's broadcast map.
func BroadcastsPath(roomID string) string {
	return join(rootPrefix, roomID, "broadcasts")
}

// HistoryPath returns the path of one history event.
func HistoryPath(roomID, eventID string) string {
	return join(rootPrefix, roomID, "history", eventID)
}

// StatField returns the path of a single statistics counter.
func StatField(roomID, field string) string {
	return join(rootPrefix, roomID, "statistics", field)
}
