package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calebtestbeta/scrum-poker-sub000/internal/directory"
)

// ConnectionManager tracks the WebSocket connections attached to each room
// and fans events out to them.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan roomMessage
}

// Connection is one client's WebSocket attachment to a room.
type Connection struct {
	ID       string
	RoomID   string
	PlayerID string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	session *directory.Session

	// sendMu guards Send against the close in unregister; eventPump and the
	// broadcast loop keep sending after the write pump has torn down.
	sendMu     sync.Mutex
	sendClosed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type roomMessage struct {
	RoomID string
	Event  *RoomEvent
}

// DefaultConnectionConfig returns production WebSocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a manager with empty room pools.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan roomMessage, 1000),
	}
}

// Start processes cross-instance broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case msg := <-cm.broadcastCh:
			cm.handleBroadcast(msg)
		}
	}
}

// Attach upgrades the HTTP request and binds the connection to an already
// joined directory session. The connection owns the session from here:
// closing the socket detaches it and reports the disconnect.
func (cm *ConnectionManager) Attach(w http.ResponseWriter, r *http.Request, sess *directory.Session) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}
	conn := &Connection{
		ID:          uuid.NewString(),
		RoomID:      sess.RoomID,
		PlayerID:    sess.PlayerID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		session:     sess,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	cm.register(conn)
	go conn.writePump()
	go conn.readPump()
	go conn.eventPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Str("player_id", conn.PlayerID).
		Msg("websocket connection established")
	return conn, nil
}

func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
}

func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conns, ok := cm.roomConnections[conn.RoomID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	conn.closeSend()
	if len(conns) == 0 {
		delete(cm.roomConnections, conn.RoomID)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Str("player_id", conn.PlayerID).
		Msg("websocket connection closed")
}

// BroadcastToRoom queues an event for every connection in the room. Used by
// the NATS bridge to deliver events that originated on another instance.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, event *RoomEvent) {
	select {
	case cm.broadcastCh <- roomMessage{RoomID: roomID, Event: event}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(msg roomMessage) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.roomConnections[msg.RoomID]))
	for c := range cm.roomConnections[msg.RoomID] {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal room event")
		return
	}
	for _, c := range conns {
		c.enqueue(data)
	}
}

// Stats returns connection counts per room.
func (cm *ConnectionManager) Stats() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	total := 0
	rooms := make(map[string]int, len(cm.roomConnections))
	for id, conns := range cm.roomConnections {
		total += len(conns)
		rooms[id] = len(conns)
	}
	return map[string]any{
		"total_connections": total,
		"active_rooms":      len(cm.roomConnections),
		"room_connections":  rooms,
	}
}

func (c *Connection) enqueue(data []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.Send <- data:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("player_id", c.PlayerID).
			Msg("send buffer full, closing connection")
		c.Manager.unregister(c)
		c.Conn.Close()
	}
}

// closeSend closes the Send channel exactly once; senders observe sendClosed
// under the same lock and stop.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}

// eventPump forwards the session's listener topics onto the socket.
func (c *Connection) eventPump() {
	l := c.session.Listener
	for {
		var ev *RoomEvent
		select {
		case b, ok := <-l.Broadcasts():
			if !ok {
				return
			}
			ev = eventFromBroadcast(c.RoomID, b)
		case ch, ok := <-l.Players():
			if !ok {
				return
			}
			ev = eventFromChange(c.RoomID, EventPlayersChanged, ch)
		case ch, ok := <-l.Votes():
			if !ok {
				return
			}
			ev = eventFromChange(c.RoomID, EventVotesChanged, ch)
		case p, ok := <-l.Phases():
			if !ok {
				return
			}
			ev = eventFromPhase(c.RoomID, p, time.Now())
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
		c.reportDisconnect()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// reportDisconnect runs on socket loss without an explicit leave: detach the
// session and let presence handle mark-offline plus delayed removal.
func (c *Connection) reportDisconnect() {
	c.session.Detach()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.session.ReportDisconnect(ctx); err != nil {
		log.Warn().Err(err).
			Str("room_id", c.RoomID).
			Str("player_id", c.PlayerID).
			Msg("disconnect report failed")
	}
}
