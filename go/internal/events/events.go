package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for everything fanned out to a session room. The ID
// doubles as the idempotency key: clients apply events at most once per ID.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Type identifies the kind of session event.
type Type string

const (
	TypeViewerJoined      Type = "viewer-joined"
	TypeViewerLeft        Type = "viewer-left"
	TypePermissionChanged Type = "point-permission-changed"
	TypePlaybackSync      Type = "playback-sync"
	TypePointCreated      Type = "point-created"
	TypePointUpdated      Type = "point-updated"
	TypePointDeleted      Type = "point-deleted"
	TypeNoteCreated       Type = "note-created"
	TypeNoteUpdated       Type = "note-updated"
	TypeNoteDeleted       Type = "note-deleted"
)

// New builds an event with a fresh ID and the payload marshaled into Data.
func New(sessionID uuid.UUID, typ Type, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// ViewerJoined announces a viewer entering a session, including the marking
// permission they hold as of the arbitration pass that completed their join.
type ViewerJoined struct {
	UserID        uuid.UUID `json:"user_id"`
	Username      string    `json:"username"`
	CanMarkPoints bool      `json:"can_mark_points"`
	JoinedAt      time.Time `json:"joined_at"`
}

// ViewerLeft announces a viewer leaving a session, whether explicitly or by
// presence expiry.
type ViewerLeft struct {
	UserID uuid.UUID `json:"user_id"`
}

// PermissionChanged is intentionally empty: it signals clients to re-fetch
// the current viewer list rather than pushing the holder itself.
type PermissionChanged struct{}

// PlaybackSync carries the originating viewer's playback position.
type PlaybackSync struct {
	Time    float64 `json:"time"`
	Playing bool    `json:"playing"`
}

// RecordDeleted is the payload for point-deleted and note-deleted events;
// deletes carry only the persisted record's id.
type RecordDeleted struct {
	ID uuid.UUID `json:"id"`
}

// ParsePayload decodes an event's Data into its typed payload. Pass-through
// CRUD events (point/note created and updated) carry the persisted record
// verbatim, so their payloads stay raw JSON.
func ParsePayload(event *Event) (interface{}, error) {
	switch event.Type {
	case TypeViewerJoined:
		var payload ViewerJoined
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeViewerLeft:
		var payload ViewerLeft
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePermissionChanged:
		return PermissionChanged{}, nil

	case TypePlaybackSync:
		var payload PlaybackSync
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePointDeleted, TypeNoteDeleted:
		var payload RecordDeleted
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypePointCreated, TypePointUpdated, TypeNoteCreated, TypeNoteUpdated:
		return event.Data, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
