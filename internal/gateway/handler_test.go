package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/broadcast"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
)

func broadcastFixture() broadcast.Broadcast {
	return broadcast.Broadcast{
		Type:   room.BroadcastReveal,
		Record: room.BroadcastRecord{Version: 4, ActorID: "p1"},
	}
}

func TestSplitRoomPath(t *testing.T) {
	tests := []struct {
		path   string
		roomID string
		op     string
		ok     bool
	}{
		{"/api/rooms/r1/vote", "r1", "vote", true},
		{"/api/rooms/r1/state", "r1", "state", true},
		{"/api/rooms/sprint-42/reveal/", "sprint-42", "reveal", true},
		{"/api/rooms/r1", "", "", false},
		{"/api/rooms/", "", "", false},
		{"/api/rooms/r1/vote/extra", "", "", false},
		{"/other/r1/vote", "", "", false},
	}
	for _, tt := range tests {
		roomID, op, ok := splitRoomPath(tt.path)
		if roomID != tt.roomID || op != tt.op || ok != tt.ok {
			t.Errorf("splitRoomPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, roomID, op, ok, tt.roomID, tt.op, tt.ok)
		}
	}
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{room.ErrInvalidRoomID, http.StatusUnprocessableEntity},
		{room.ErrInvalidVote, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", room.ErrVotingClosed), http.StatusUnprocessableEntity},
		{room.ErrRateLimited, http.StatusTooManyRequests},
		{room.ErrRoomFull, http.StatusConflict},
		{room.ErrRoomLocked, http.StatusConflict},
		{room.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", room.ErrNotFound), http.StatusNotFound},
		{room.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		if rec.Code != tt.status {
			t.Errorf("writeError(%v) status = %d, want %d", tt.err, rec.Code, tt.status)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
	}
}

func TestEventFromBroadcastCarriesVersion(t *testing.T) {
	ev := eventFromBroadcast("r1", broadcastFixture())
	if ev.Type != EventBroadcast {
		t.Errorf("type = %s", ev.Type)
	}
	if ev.RoomID != "r1" || ev.BroadcastType != "reveal" || ev.Version != 4 {
		t.Errorf("event = %+v", ev)
	}
	if ev.ID == "" {
		t.Error("missing event id")
	}
}
