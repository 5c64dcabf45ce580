// Package validate holds input sanitization for room ids, player ids, player
// names, and vote values. All functions are pure; callers decide how to
// recover from a rejection.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
)

const (
	maxRoomIDLen     = 64
	maxPlayerNameLen = 40

	playerIDParts     = 3
	maxPrefixLen      = 16
	minTimestampLen   = 6
	maxTimestampLen   = 16
	minRandomLen      = 4
	maxRandomLen      = 24
)

// canonicalVotes is the closed set of accepted vote values after
// normalization.
var canonicalVotes = map[string]struct{}{
	"0": {}, "1": {}, "2": {}, "3": {}, "5": {}, "8": {},
	"13": {}, "20": {}, "40": {}, "100": {},
	"?": {}, "coffee": {},
}

// voteSynonyms maps alternate encodings of the special tokens to their
// canonical form so that logically-equal values never diverge in storage.
var voteSynonyms = map[string]string{
	"❓":      "?",
	"unsure": "?",
	"☕":      "coffee",
	"break":  "coffee",
}

// RoomID rejects empty, over-length, or non [A-Za-z0-9_-] input.
func RoomID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxRoomIDLen {
		return "", fmt.Errorf("%w: length %d", room.ErrInvalidRoomID, len(s))
	}
	for _, r := range s {
		if !isIDRune(r) {
			return "", fmt.Errorf("%w: character %q", room.ErrInvalidRoomID, r)
		}
	}
	return s, nil
}

// PlayerName trims, rejects empty/over-length names, and strips control and
// markup characters rather than failing on them.
func PlayerName(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) || r == '<' || r == '>' {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", fmt.Errorf("%w: empty after sanitization", room.ErrInvalidPlayerName)
	}
	if n := utf8.RuneCountInString(clean); n > maxPlayerNameLen {
		return "", fmt.Errorf("%w: length %d", room.ErrInvalidPlayerName, n)
	}
	return clean, nil
}

// PlayerID checks the three-part structured shape prefix_timestamp_random.
// The check exists to reject obviously forged ids; callers can always
// synthesize a fresh valid id with NewPlayerID.
func PlayerID(s string) (string, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "_")
	if len(parts) != playerIDParts {
		return "", fmt.Errorf("%w: expected %d parts, got %d", room.ErrInvalidPlayerID, playerIDParts, len(parts))
	}
	prefix, ts, random := parts[0], parts[1], parts[2]
	if prefix == "" || len(prefix) > maxPrefixLen || !isAlnum(prefix) {
		return "", fmt.Errorf("%w: bad prefix", room.ErrInvalidPlayerID)
	}
	if len(ts) < minTimestampLen || len(ts) > maxTimestampLen || !isAlnum(ts) {
		return "", fmt.Errorf("%w: bad timestamp part", room.ErrInvalidPlayerID)
	}
	if len(random) < minRandomLen || len(random) > maxRandomLen || !isAlnum(random) {
		return "", fmt.Errorf("%w: bad random part", room.ErrInvalidPlayerID)
	}
	return s, nil
}

// NewPlayerID synthesizes a fresh id that passes PlayerID.
func NewPlayerID(now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "player_" + ts + "_" + random
}

// Vote normalizes a raw vote value and rejects anything outside the allowed
// set. Numeric encodings ("5", 5, 5.0) and token synonyms collapse to one
// canonical string before storage.
func Vote(raw any) (string, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case float64:
		if v != float64(int64(v)) {
			return "", fmt.Errorf("%w: %v", room.ErrInvalidVote, v)
		}
		s = strconv.FormatInt(int64(v), 10)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", room.ErrInvalidVote, raw)
	}
	s = strings.ToLower(s)
	if canonical, ok := voteSynonyms[s]; ok {
		s = canonical
	}
	if _, ok := canonicalVotes[s]; !ok {
		return "", fmt.Errorf("%w: %q", room.ErrInvalidVote, s)
	}
	return s, nil
}

// Role normalizes a role string, defaulting unknown values to RoleOther.
func Role(s string) room.Role {
	switch room.Role(strings.ToLower(strings.TrimSpace(s))) {
	case room.RoleDev:
		return room.RoleDev
	case room.RoleQA:
		return room.RoleQA
	case room.RoleScrumMaster:
		return room.RoleScrumMaster
	case room.RolePO:
		return room.RolePO
	default:
		return room.RoleOther
	}
}

func isIDRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
