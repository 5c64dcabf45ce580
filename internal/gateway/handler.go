package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/directory"
	"github.com/calebtestbeta/scrum-poker-sub000/internal/room"
)

// Handler serves the client-facing operation surface: a WebSocket endpoint
// that joins the caller into a room and streams its events, plus stateless
// JSON operations.
type Handler struct {
	manager *ConnectionManager
	dir     *directory.Directory
}

// NewHandler creates the HTTP handler set.
func NewHandler(manager *ConnectionManager, dir *directory.Directory) *Handler {
	return &Handler{manager: manager, dir: dir}
}

// HandleRoomConnection joins the caller into a room and upgrades to a
// WebSocket carrying the room's event streams. Closing the socket without
// an explicit leave marks the player offline and arms delayed removal.
//
// GET /ws/room?room_id=R&player_id=P&name=N&role=dev
func (h *Handler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := directory.JoinRequest{
		RoomID:   q.Get("room_id"),
		PlayerID: q.Get("player_id"),
		Name:     q.Get("name"),
		Role:     q.Get("role"),
	}
	sess, err := h.dir.Join(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.manager.Attach(w, r, sess); err != nil {
		log.Error().Err(err).Str("room_id", sess.RoomID).Msg("websocket attach failed")
		sess.Detach()
		return
	}
}

type voteRequest struct {
	PlayerID string `json:"player_id"`
	Value    any    `json:"value"`
}

type actorRequest struct {
	ActorID string `json:"actor_id"`
}

type leaveRequest struct {
	PlayerID string `json:"player_id"`
	Force    bool   `json:"force"`
}

type removeRequest struct {
	TargetID    string `json:"target_id"`
	RequesterID string `json:"requester_id"`
}

type lockRequest struct {
	Locked      bool   `json:"locked"`
	RequesterID string `json:"requester_id"`
}

// ServeOps routes /api/rooms/{id}/{op}.
func (h *Handler) ServeOps(w http.ResponseWriter, r *http.Request) {
	roomID, op, ok := splitRoomPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if op == "state" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleState(w, r, roomID)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch op {
	case "vote":
		var req voteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.SubmitVote(r.Context(), roomID, req.PlayerID, req.Value)
	case "reveal":
		var req actorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.RevealVotes(r.Context(), roomID, req.ActorID)
	case "clear":
		var req actorRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.ClearVotes(r.Context(), roomID, req.ActorID)
	case "leave":
		var req leaveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.Leave(r.Context(), roomID, req.PlayerID, req.Force)
	case "remove":
		var req removeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.RemovePlayer(r.Context(), roomID, req.TargetID, req.RequesterID)
	case "lock":
		var req lockRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err = h.dir.SetLocked(r.Context(), roomID, req.Locked, req.RequesterID)
	case "cleanup":
		var removed int
		removed, err = h.dir.CleanupInactivePlayers(r.Context(), roomID)
		if err == nil {
			writeJSON(w, map[string]int{"removed": removed})
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleState serves GET /api/rooms/{id}/state with the current snapshot.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request, roomID string) {
	snapshot, err := h.dir.Load(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snapshot)
}

// HandleStats serves connection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.manager.Stats())
}

// RegisterRoutes attaches all gateway routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
	mux.HandleFunc("/api/rooms/", h.ServeOps)
}

// splitRoomPath parses /api/rooms/{id}/{op}.
func splitRoomPath(path string) (roomID, op string, ok bool) {
	const prefix = "/api/rooms/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrInvalidRoomID),
		errors.Is(err, room.ErrInvalidPlayerID),
		errors.Is(err, room.ErrInvalidPlayerName),
		errors.Is(err, room.ErrInvalidVote),
		errors.Is(err, room.ErrVotingClosed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, room.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrRoomLocked):
		status = http.StatusConflict
	case errors.Is(err, room.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, room.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
