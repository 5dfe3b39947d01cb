package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/filmroom/go/internal/events"
	"github.com/mcdev12/filmroom/go/internal/presence"
)

// Broadcaster defines what the app layer needs from the event fanout.
type Broadcaster interface {
	Publish(sessionID uuid.UUID, event *events.Event)
	PublishExcept(sessionID uuid.UUID, event *events.Event, excludeConnID string)
}

// UsernameLookup defines what the app layer needs from user storage.
type UsernameLookup interface {
	GetUsername(ctx context.Context, userID uuid.UUID) (string, error)
}

// ViewerState is one entry of the active-viewer list returned by List, the
// explicit resync operation clients run to reconcile missed events.
type ViewerState struct {
	UserID        uuid.UUID `json:"user_id"`
	Username      string    `json:"username"`
	CanMarkPoints bool      `json:"can_mark_points"`
	JoinedAt      time.Time `json:"joined_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// App handles viewer presence business logic: every mutation runs the
// presence store update, then arbitration, then the resulting broadcasts,
// in that order.
type App struct {
	store         *presence.Store
	arbiter       *presence.Arbiter
	broadcaster   Broadcaster
	users         UsernameLookup
	visibleWindow time.Duration
}

// NewApp creates a new viewer presence App.
func NewApp(store *presence.Store, arbiter *presence.Arbiter, broadcaster Broadcaster, users UsernameLookup, visibleWindow time.Duration) *App {
	return &App{
		store:         store,
		arbiter:       arbiter,
		broadcaster:   broadcaster,
		users:         users,
		visibleWindow: visibleWindow,
	}
}

// Join registers a viewer's presence in a session. Arbitration completes
// before Join returns, so the returned record carries the viewer's actual
// marking permission and the caller's acknowledgment is never stale. The
// room-wide viewer-joined broadcast excludes the actor's own connection.
func (a *App) Join(ctx context.Context, sessionID, userID uuid.UUID, connID string) (events.ViewerJoined, error) {
	a.store.Upsert(sessionID, userID)

	changed, err := a.arbiter.Recompute(ctx, sessionID)
	if err != nil {
		a.store.Remove(sessionID, userID)
		return events.ViewerJoined{}, fmt.Errorf("unable to join session %s: %w", sessionID, err)
	}
	if changed {
		a.publishPermissionChanged(sessionID, connID)
	}

	rec, ok := a.store.Get(sessionID, userID)
	if !ok {
		// Reaped between upsert and read; only possible with pathological
		// windows, treat like a failed join.
		return events.ViewerJoined{}, fmt.Errorf("unable to join session %s: presence record expired", sessionID)
	}

	joined := events.ViewerJoined{
		UserID:        userID,
		Username:      a.username(ctx, userID),
		CanMarkPoints: rec.CanMark,
		JoinedAt:      rec.JoinedAt,
	}

	event, err := events.New(sessionID, events.TypeViewerJoined, joined)
	if err != nil {
		return events.ViewerJoined{}, err
	}
	a.broadcaster.PublishExcept(sessionID, event, connID)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("user_id", userID.String()).
		Bool("can_mark", rec.CanMark).
		Msg("viewer joined session")

	return joined, nil
}

// Heartbeat refreshes a viewer's liveness. A heartbeat for an unknown record
// or a deleted session is a no-op, not an error: heartbeats never implicitly
// rejoin, and a drained room heals on its own.
func (a *App) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) error {
	if !a.store.Heartbeat(sessionID, userID) {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("user_id", userID.String()).
			Msg("heartbeat without presence record ignored")
		return nil
	}

	changed, err := a.arbiter.Recompute(ctx, sessionID)
	if err != nil {
		// Absorbed: the reaper retries arbitration on its next sweep.
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Msg("arbitration failed after heartbeat")
		return nil
	}
	if changed {
		a.publishPermissionChanged(sessionID, "")
	}
	return nil
}

// Leave removes a viewer's presence record and notifies the room. Leaving a
// session twice, or one already drained, is a no-op.
func (a *App) Leave(ctx context.Context, sessionID, userID uuid.UUID, connID string) error {
	if !a.store.Remove(sessionID, userID) {
		return nil
	}

	changed, err := a.arbiter.Recompute(ctx, sessionID)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Msg("arbitration failed after leave")
	} else if changed {
		a.publishPermissionChanged(sessionID, connID)
	}

	event, err := events.New(sessionID, events.TypeViewerLeft, events.ViewerLeft{UserID: userID})
	if err != nil {
		return err
	}
	a.broadcaster.PublishExcept(sessionID, event, connID)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("user_id", userID.String()).
		Msg("viewer left session")
	return nil
}

// List returns the session's currently visible viewers with their marking
// permission. It is idempotent and side-effect free, which makes it the
// resync primitive for clients defending against missed events.
func (a *App) List(ctx context.Context, sessionID uuid.UUID) []ViewerState {
	records := a.store.ListActive(sessionID, a.visibleWindow)
	viewers := make([]ViewerState, 0, len(records))
	for _, rec := range records {
		viewers = append(viewers, ViewerState{
			UserID:        rec.UserID,
			Username:      a.username(ctx, rec.UserID),
			CanMarkPoints: rec.CanMark,
			JoinedAt:      rec.JoinedAt,
			LastActiveAt:  rec.LastActiveAt,
		})
	}
	return viewers
}

func (a *App) publishPermissionChanged(sessionID uuid.UUID, excludeConnID string) {
	event, err := events.New(sessionID, events.TypePermissionChanged, events.PermissionChanged{})
	if err != nil {
		log.Error().Err(err).Msg("failed to build point-permission-changed event")
		return
	}
	a.broadcaster.PublishExcept(sessionID, event, excludeConnID)
}

func (a *App) username(ctx context.Context, userID uuid.UUID) string {
	username, err := a.users.GetUsername(ctx, userID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID.String()).
			Msg("failed to look up username")
		return ""
	}
	return username
}
