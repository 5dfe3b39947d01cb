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

	"github.com/mcdev12/filmroom/go/internal/events"
)

// PresenceHandler defines what the connection manager needs from the viewer
// presence layer when clients join or leave session rooms over the socket.
type PresenceHandler interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID, connID string) (events.ViewerJoined, error)
	Leave(ctx context.Context, sessionID, userID uuid.UUID, connID string) error
}

// ConnectionManager maintains session rooms and fans session events out to
// their members. All fanout is funneled through a single broadcast loop, so
// each connection sees events in publish order.
type ConnectionManager struct {
	// Room membership organized by session ID
	rooms map[uuid.UUID]map[*Connection]bool
	mu    sync.RWMutex

	presence PresenceHandler
	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection represents a websocket connection to a viewer's client. A
// connection belongs to the rooms it explicitly joined, in practice one per
// open session view.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Room membership for this connection, guarded by Manager.mu
	sessions map[uuid.UUID]bool
	closed   bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	SessionID     uuid.UUID
	Event         *events.Event
	ExcludeConnID string
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new websocket connection manager. The
// presence handler is bound with SetPresenceHandler during wiring, before
// Start: the viewer layer broadcasts through the manager, so the two are
// constructed in sequence and tied together explicitly rather than through
// a process-wide socket instance.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000), // Buffer for high throughput
	}
}

// SetPresenceHandler binds the viewer presence layer.
func (cm *ConnectionManager) SetPresenceHandler(presence PresenceHandler) {
	cm.presence = presence
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket connection. When
// sessionID is non-nil the connection joins that room immediately; otherwise
// the client joins rooms with join-session messages.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID, sessionID *uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		sessions:    make(map[uuid.UUID]bool),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Msg("websocket connection established")

	if sessionID != nil {
		connection.handleJoinSession(*sessionID)
	}
	return nil
}

// Join adds a connection to a session room. Joining twice is a no-op.
func (cm *ConnectionManager) Join(sessionID uuid.UUID, conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.rooms[sessionID] == nil {
		cm.rooms[sessionID] = make(map[*Connection]bool)
	}
	cm.rooms[sessionID][conn] = true
	conn.sessions[sessionID] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID.String()).
		Int("room_size", len(cm.rooms[sessionID])).
		Msg("connection joined room")
}

// Leave removes a connection from a session room, deleting the room once it
// is empty. Rooms are created lazily and never pre-exist their first member.
func (cm *ConnectionManager) Leave(sessionID uuid.UUID, conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLocked(sessionID, conn)
}

func (cm *ConnectionManager) leaveLocked(sessionID uuid.UUID, conn *Connection) {
	delete(conn.sessions, sessionID)
	room, exists := cm.rooms[sessionID]
	if !exists {
		return
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(cm.rooms, sessionID)
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID.String()).
		Int("room_size", len(room)).
		Msg("connection left room")
}

// InRoom reports whether the connection is currently a member of the room.
func (cm *ConnectionManager) InRoom(sessionID uuid.UUID, conn *Connection) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return conn.sessions[sessionID]
}

// Publish sends an event to every member of a session's room.
func (cm *ConnectionManager) Publish(sessionID uuid.UUID, event *events.Event) {
	cm.enqueue(broadcastMessage{SessionID: sessionID, Event: event})
}

// PublishExcept sends an event to every room member except the connection
// with the given id. The exclusion keeps the actor that caused an event from
// receiving an echo of its own action.
func (cm *ConnectionManager) PublishExcept(sessionID uuid.UUID, event *events.Event, excludeConnID string) {
	cm.enqueue(broadcastMessage{SessionID: sessionID, Event: event, ExcludeConnID: excludeConnID})
}

func (cm *ConnectionManager) enqueue(message broadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().
			Str("session_id", message.SessionID.String()).
			Str("event_type", string(message.Event.Type)).
			Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast delivers one event to a room. A member whose send buffer
// is full is treated as disconnected and dropped rather than back-pressuring
// the rest of the room.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	room, exists := cm.rooms[message.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	targets := make([]*Connection, 0, len(room))
	for conn := range room {
		if message.ExcludeConnID != "" && conn.ID == message.ExcludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(eventData) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("connection send buffer full, closing connection")
			cm.disconnect(conn)
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("session_id", message.SessionID.String()).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// disconnect removes a connection from every room it joined, deregisters its
// presence, and closes it.
func (cm *ConnectionManager) disconnect(conn *Connection) {
	cm.mu.Lock()
	if conn.closed {
		cm.mu.Unlock()
		return
	}
	conn.closed = true
	sessions := make([]uuid.UUID, 0, len(conn.sessions))
	for sessionID := range conn.sessions {
		sessions = append(sessions, sessionID)
	}
	for _, sessionID := range sessions {
		cm.leaveLocked(sessionID, conn)
	}
	close(conn.Send)
	cm.mu.Unlock()

	conn.Conn.Close()

	for _, sessionID := range sessions {
		if cm.presence == nil {
			break
		}
		if err := cm.presence.Leave(context.Background(), sessionID, conn.UserID, conn.ID); err != nil {
			log.Error().
				Err(err).
				Str("session_id", sessionID.String()).
				Str("user_id", conn.UserID.String()).
				Msg("failed to deregister presence on disconnect")
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Int("rooms", len(sessions)).
		Msg("connection closed")
}

// Stats returns statistics about active rooms and connections.
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	roomCounts := make(map[string]int)
	for sessionID, room := range cm.rooms {
		total += len(room)
		roomCounts[sessionID.String()] = len(room)
	}

	return map[string]interface{}{
		"total_connections": total,
		"active_rooms":      len(cm.rooms),
		"room_connections":  roomCounts,
	}
}

// trySend enqueues a message on the connection's ordered outbound stream,
// reporting false when the buffer is full or the connection already closed.
func (c *Connection) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// writePump handles sending messages to the websocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
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

// readPump handles reading messages from the websocket connection.
func (c *Connection) readPump() {
	defer c.Manager.disconnect(c)

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage dispatches a message received from the client.
func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("discarding malformed client message")
		return
	}

	switch msg.Type {
	case MessageJoinSession:
		var payload JoinSessionPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("invalid join-session payload")
			return
		}
		c.handleJoinSession(payload.SessionID)

	case MessageLeaveSession:
		var payload LeaveSessionPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("invalid leave-session payload")
			return
		}
		c.handleLeaveSession(payload.SessionID)

	case MessagePlaybackUpdate:
		var payload PlaybackUpdatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("invalid playback-update payload")
			return
		}
		c.handlePlaybackUpdate(payload)

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("received unknown client message type")
	}
}

// handleJoinSession registers the connection's presence in a session. The
// arbitration pass completes before the joiner's own acknowledgment event is
// queued, so a new client never observes stale permission state.
func (c *Connection) handleJoinSession(sessionID uuid.UUID) {
	if c.Manager.presence == nil {
		log.Error().Str("connection_id", c.ID).Msg("presence handler not bound, rejecting join")
		return
	}
	c.Manager.Join(sessionID, c)

	joined, err := c.Manager.presence.Join(context.Background(), sessionID, c.UserID, c.ID)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", c.UserID.String()).
			Msg("unable to join session")
		c.Manager.Leave(sessionID, c)
		return
	}

	// Acknowledge the join on the connection's own stream; the room-wide
	// viewer-joined broadcast excluded this connection.
	ack, err := events.New(sessionID, events.TypeViewerJoined, joined)
	if err != nil {
		log.Error().Err(err).Msg("failed to build join acknowledgment")
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal join acknowledgment")
		return
	}
	if !c.trySend(data) {
		c.Manager.disconnect(c)
	}
}

func (c *Connection) handleLeaveSession(sessionID uuid.UUID) {
	if c.Manager.presence == nil {
		c.Manager.Leave(sessionID, c)
		return
	}
	if err := c.Manager.presence.Leave(context.Background(), sessionID, c.UserID, c.ID); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", c.UserID.String()).
			Msg("failed to deregister presence on leave")
	}
	c.Manager.Leave(sessionID, c)
}

// handlePlaybackUpdate relays a play/pause/seek to every other room member.
// The originator is always excluded: it already has correct local state, and
// re-applying its own broadcast would cause sync jitter.
func (c *Connection) handlePlaybackUpdate(payload PlaybackUpdatePayload) {
	if !c.Manager.InRoom(payload.SessionID, c) {
		log.Warn().
			Str("connection_id", c.ID).
			Str("session_id", payload.SessionID.String()).
			Msg("playback update for session the connection has not joined")
		return
	}

	event, err := events.New(payload.SessionID, events.TypePlaybackSync, events.PlaybackSync{
		Time:    payload.Time,
		Playing: payload.Playing,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build playback-sync event")
		return
	}
	c.Manager.PublishExcept(payload.SessionID, event, c.ID)
}
