package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/filmroom/go/internal/events"
	"github.com/mcdev12/filmroom/go/internal/gateway"
)

// State is the connection state of the controller.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Config holds the controller's connection and retry tunables.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. ws://host/ws/session.
	URL       string
	SessionID uuid.UUID
	UserID    uuid.UUID

	// Reconnect backoff: delay = min(BaseDelay * 2^attempt, MaxDelay),
	// giving up for good after MaxAttempts consecutive failures.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	HeartbeatInterval time.Duration
	Playback          PlaybackConfig

	// PendingLimit caps the offline change queue; the oldest entry is
	// dropped on overflow.
	PendingLimit int
	// SeenLimit caps the applied-event-ID set used for deduplication.
	SeenLimit int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       10,
		HeartbeatInterval: 5 * time.Second,
		Playback:          DefaultPlaybackConfig(),
		PendingLimit:      256,
		SeenLimit:         1024,
	}
}

// PresenceAPI defines what the controller needs from the presence HTTP
// surface: a fresh join after every (re)connect, periodic heartbeats, and an
// explicit leave.
type PresenceAPI interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID) error
	Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) error
	Leave(ctx context.Context, sessionID, userID uuid.UUID) error
}

// Controller keeps a client's view of a session consistent across transient
// network loss: it reconnects with exponential backoff, rejoins the room and
// re-registers presence on every reconnect, flushes changes queued while
// offline in FIFO order, and applies incoming events idempotently by ID.
type Controller struct {
	config   Config
	clock    clockwork.Clock
	dialer   *websocket.Dialer
	presence PresenceAPI
	playback *PlaybackTracker

	onEvent func(*events.Event)
	onState func(State)

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	pending   [][]byte
	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID
}

// NewController creates a reconnection controller. onEvent receives every
// deduplicated non-playback event; onState fires on state transitions. Both
// may be nil.
func NewController(config Config, presence PresenceAPI, clock clockwork.Clock, onEvent func(*events.Event), onState func(State)) *Controller {
	return &Controller{
		config:   config,
		clock:    clock,
		dialer:   websocket.DefaultDialer,
		presence: presence,
		playback: NewPlaybackTracker(clock, config.Playback),
		onEvent:  onEvent,
		onState:  onState,
		state:    StateDisconnected,
		seen:     make(map[uuid.UUID]struct{}),
	}
}

// Playback exposes the local playback tracker.
func (c *Controller) Playback() *PlaybackTracker {
	return c.playback
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and serves until the context is cancelled or the retry budget
// is exhausted. The attempt counter resets after every successful session,
// so only consecutive failures count against the budget.
func (c *Controller) Run(ctx context.Context) error {
	attempt := 0
	for {
		served, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.setState(StateDisconnected)
		if served {
			attempt = 0
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("session_id", c.config.SessionID.String()).
			Msg("connection lost")

		if attempt >= c.config.MaxAttempts {
			c.setState(StateFailed)
			return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, err)
		}

		delay := backoffDelay(c.config.BaseDelay, c.config.MaxDelay, attempt)
		attempt++
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// connectAndServe dials, rejoins, and reads until the connection drops.
// served reports whether a connection was fully established, which resets
// the caller's backoff.
func (c *Controller) connectAndServe(ctx context.Context) (served bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// ReadMessage does not observe the context, so closing the connection is
	// the only way to unblock the read loop on cancellation.
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	// Rejoin the room, then re-register presence: the server-side record for
	// this user was likely reaped during the outage.
	if err := c.sendMessage(gateway.MessageJoinSession, gateway.JoinSessionPayload{SessionID: c.config.SessionID}); err != nil {
		return false, fmt.Errorf("rejoin room: %w", err)
	}
	if err := c.presence.Join(ctx, c.config.SessionID, c.config.UserID); err != nil {
		return false, fmt.Errorf("register presence: %w", err)
	}

	c.setState(StateConnected)
	c.flushPending()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.handleEvent(data)
	}
}

// Seek records a manual seek locally and tells the room about it. The seek
// opens the suppression window, so the next few sync events cannot undo the
// user's own action.
func (c *Controller) Seek(position float64, playing bool) {
	c.playback.Seek(position)
	c.playback.SetPlaying(playing)
	c.SendPlaybackUpdate(position, playing)
}

// SendPlaybackUpdate reports the local play/pause/seek state to the room.
func (c *Controller) SendPlaybackUpdate(position float64, playing bool) {
	if err := c.sendMessage(gateway.MessagePlaybackUpdate, gateway.PlaybackUpdatePayload{
		SessionID: c.config.SessionID,
		Time:      position,
		Playing:   playing,
	}); err != nil {
		log.Debug().Err(err).Msg("playback update queued for reconnect")
	}
}

// Leave tells the room and the presence surface the user is gone, then
// closes the connection.
func (c *Controller) Leave(ctx context.Context) error {
	sendErr := c.sendMessage(gateway.MessageLeaveSession, gateway.LeaveSessionPayload{SessionID: c.config.SessionID})

	if err := c.presence.Leave(ctx, c.config.SessionID, c.config.UserID); err != nil {
		return fmt.Errorf("deregister presence: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return sendErr
}

// sendMessage writes a message on the live connection, or queues it in FIFO
// order for the flush that follows the next successful reconnect.
func (c *Controller) sendMessage(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	frame, err := json.Marshal(gateway.ClientMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateConnected {
		c.enqueuePendingLocked(frame)
		return fmt.Errorf("not connected, %s queued", msgType)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.enqueuePendingLocked(frame)
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

func (c *Controller) enqueuePendingLocked(frame []byte) {
	if len(c.pending) >= c.config.PendingLimit {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, frame)
}

// flushPending replays messages queued while offline, oldest first.
func (c *Controller) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) > 0 {
		frame := c.pending[0]
		if c.conn == nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Msg("failed to flush pending message")
			return
		}
		c.pending = c.pending[1:]
	}
}

// handleEvent applies one incoming event idempotently: duplicates by ID are
// dropped, playback-sync goes through the tracker, everything else reaches
// the caller's event callback.
func (c *Controller) handleEvent(data []byte) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warn().Err(err).Msg("discarding malformed event")
		return
	}

	if !c.markSeen(event.ID) {
		log.Debug().
			Str("event_id", event.ID.String()).
			Str("event_type", string(event.Type)).
			Msg("duplicate event dropped")
		return
	}

	if event.Type == events.TypePlaybackSync {
		var sync events.PlaybackSync
		if err := json.Unmarshal(event.Data, &sync); err != nil {
			log.Warn().Err(err).Msg("invalid playback-sync payload")
			return
		}
		c.playback.ApplySync(sync)
		return
	}

	if c.onEvent != nil {
		c.onEvent(&event)
	}
}

// markSeen records an event ID, reporting false for duplicates. The set is
// bounded; the oldest entries age out first.
func (c *Controller) markSeen(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > c.config.SeenLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.presence.Heartbeat(ctx, c.config.SessionID, c.config.UserID); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(state)
	}
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return max
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
