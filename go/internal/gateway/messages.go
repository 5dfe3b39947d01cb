package gateway

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ClientMessage is the envelope for messages received from a client over its
// websocket connection.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	MessageJoinSession    = "join-session"
	MessageLeaveSession   = "leave-session"
	MessagePlaybackUpdate = "playback-update"
)

// JoinSessionPayload asks the server to add this connection to a session
// room and register the user's presence there.
type JoinSessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// LeaveSessionPayload asks the server to drop this connection from a session
// room and remove the user's presence record.
type LeaveSessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// PlaybackUpdatePayload reports a play/pause/seek from one viewer; the server
// relays it to every other room member as a playback-sync event.
type PlaybackUpdatePayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Time      float64   `json:"time"`
	Playing   bool      `json:"playing"`
}
