package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates the session no longer exists in storage.
// Arbitration treats it as a no-op: the room drains on its own.
var ErrSessionNotFound = errors.New("session not found")

// EligibleUsers is a session's point-marking candidate pool: the creator
// plus the members of its two associated teams.
type EligibleUsers struct {
	CreatorID      uuid.UUID
	TeamAMemberIDs []uuid.UUID
	TeamBMemberIDs []uuid.UUID
}

// Set flattens the pool into a set. A user on both teams, or a creator who
// is also a team member, is still a single candidate.
func (e EligibleUsers) Set() map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, 1+len(e.TeamAMemberIDs)+len(e.TeamBMemberIDs))
	if e.CreatorID != uuid.Nil {
		set[e.CreatorID] = struct{}{}
	}
	for _, id := range e.TeamAMemberIDs {
		set[id] = struct{}{}
	}
	for _, id := range e.TeamBMemberIDs {
		set[id] = struct{}{}
	}
	return set
}

// EligibilityProvider defines what the arbiter needs from session storage.
type EligibilityProvider interface {
	GetEligibleUsers(ctx context.Context, sessionID uuid.UUID) (EligibleUsers, error)
}

// Arbiter decides which single eligible active viewer, if any, holds
// point-marking permission for a session. It is stateless given the store
// and provider: rerunning with the same inputs always converges on the same
// winner, so callers re-run it idempotently on every membership change.
type Arbiter struct {
	store         *Store
	provider      EligibilityProvider
	visibleWindow time.Duration
}

// NewArbiter creates an arbiter over the given store and eligibility source.
func NewArbiter(store *Store, provider EligibilityProvider, visibleWindow time.Duration) *Arbiter {
	return &Arbiter{
		store:         store,
		provider:      provider,
		visibleWindow: visibleWindow,
	}
}

// Recompute re-runs the election for one session and reports whether the
// holder changed. Callers broadcast point-permission-changed only on change,
// so back-to-back recomputes with no state change stay silent.
func (a *Arbiter) Recompute(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	eligible, err := a.provider.GetEligibleUsers(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get eligible users for session %s: %w", sessionID, err)
	}

	prev, next := a.store.Elect(sessionID, eligible.Set(), a.visibleWindow)
	return prev != next, nil
}
