package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/filmroom/go/internal/events"
)

// Broadcaster defines what the reaper needs to notify a session's room.
type Broadcaster interface {
	Publish(sessionID uuid.UUID, event *events.Event)
}

// ReaperConfig holds the reaper's sweep interval and liveness windows. The
// marker-inactivity window is deliberately shorter than hard expiry: an idle
// point-marker blocks everyone else, while an idle passive viewer merely
// lingers in the list.
type ReaperConfig struct {
	Interval         time.Duration
	HardExpiry       time.Duration
	MarkerInactivity time.Duration
}

// DefaultReaperConfig returns the default sweep configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:         10 * time.Second,
		HardExpiry:       60 * time.Second,
		MarkerInactivity: 5 * time.Minute,
	}
}

// Reaper periodically expires stale presence records and stale permission
// holders so inactivity is detected even without an external trigger.
type Reaper struct {
	store       *Store
	arbiter     *Arbiter
	broadcaster Broadcaster
	clock       clockwork.Clock
	config      ReaperConfig
}

// NewReaper creates a reaper over the given store, arbiter and broadcaster.
func NewReaper(store *Store, arbiter *Arbiter, broadcaster Broadcaster, clock clockwork.Clock, config ReaperConfig) *Reaper {
	return &Reaper{
		store:       store,
		arbiter:     arbiter,
		broadcaster: broadcaster,
		clock:       clock,
		config:      config,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Info().
		Dur("interval", r.config.Interval).
		Dur("hard_expiry", r.config.HardExpiry).
		Dur("marker_inactivity", r.config.MarkerInactivity).
		Msg("presence reaper started")

	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence reaper shutting down")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all known sessions. A failure on one session is
// logged and does not abort the sweep of the others; the next tick retries.
func (r *Reaper) Sweep(ctx context.Context) {
	for _, sessionID := range r.store.Sessions() {
		if err := r.sweepSession(ctx, sessionID); err != nil {
			log.Error().
				Err(err).
				Str("session_id", sessionID.String()).
				Msg("reaper sweep failed for session")
		}
	}
}

func (r *Reaper) sweepSession(ctx context.Context, sessionID uuid.UUID) error {
	removed := r.store.SweepExpired(sessionID, r.config.HardExpiry)
	for _, rec := range removed {
		log.Info().
			Str("session_id", sessionID.String()).
			Str("user_id", rec.UserID.String()).
			Time("last_active_at", rec.LastActiveAt).
			Msg("expired stale presence record")

		event, err := events.New(sessionID, events.TypeViewerLeft, events.ViewerLeft{UserID: rec.UserID})
		if err != nil {
			return fmt.Errorf("build viewer-left event: %w", err)
		}
		r.broadcaster.Publish(sessionID, event)
	}

	if !r.needsRecompute(sessionID, len(removed) > 0) {
		return nil
	}

	changed, err := r.arbiter.Recompute(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recompute permission: %w", err)
	}
	if !changed {
		return nil
	}

	event, err := events.New(sessionID, events.TypePermissionChanged, events.PermissionChanged{})
	if err != nil {
		return fmt.Errorf("build point-permission-changed event: %w", err)
	}
	r.broadcaster.Publish(sessionID, event)
	return nil
}

// needsRecompute decides whether a sweep must re-run arbitration: records
// were just reaped, the current holder has gone quiet past the marker
// window, or active viewers exist with nobody holding permission (recovery
// after an earlier eligibility-lookup failure).
func (r *Reaper) needsRecompute(sessionID uuid.UUID, reaped bool) bool {
	if reaped {
		return true
	}
	if holder, ok := r.store.Holder(sessionID); ok {
		return r.clock.Now().Sub(holder.LastActiveAt) > r.config.MarkerInactivity
	}
	return len(r.store.ListActive(sessionID, r.config.HardExpiry)) > 0
}
