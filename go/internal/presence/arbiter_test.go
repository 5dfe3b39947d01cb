package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	eligible map[uuid.UUID]EligibleUsers
	err      error
	calls    int
}

func (f *fakeProvider) GetEligibleUsers(ctx context.Context, sessionID uuid.UUID) (EligibleUsers, error) {
	f.calls++
	if f.err != nil {
		return EligibleUsers{}, f.err
	}
	eligible, ok := f.eligible[sessionID]
	if !ok {
		return EligibleUsers{}, ErrSessionNotFound
	}
	return eligible, nil
}

const visibleWindow = 30 * time.Second

func TestRecomputeSelectsEarliestJoiner(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
		sessionID: {CreatorID: first, TeamAMemberIDs: []uuid.UUID{second}, TeamBMemberIDs: []uuid.UUID{third}},
	}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	store.Upsert(sessionID, first)
	clock.Advance(time.Second)
	store.Upsert(sessionID, second)
	clock.Advance(time.Second)
	store.Upsert(sessionID, third)

	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	holder, ok := store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, first, holder.UserID, "earliest joiner wins")

	// Seniority tie-break: removing the holder promotes the next joiner.
	store.Remove(sessionID, first)
	changed, err = arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	holder, ok = store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, second, holder.UserID)
}

func TestRecomputeIsDeterministic(t *testing.T) {
	sessionID := uuid.New()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	winner := func() uuid.UUID {
		clock := clockwork.NewFakeClock()
		store := NewStore(clock)
		provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
			sessionID: {CreatorID: users[0], TeamAMemberIDs: users[1:]},
		}}
		arbiter := NewArbiter(store, provider, visibleWindow)

		// Same joinedAt for everyone: the deterministic tie-break decides.
		for _, id := range users {
			store.Upsert(sessionID, id)
		}
		_, err := arbiter.Recompute(context.Background(), sessionID)
		require.NoError(t, err)
		holder, ok := store.Holder(sessionID)
		require.True(t, ok)
		return holder.UserID
	}

	first := winner()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, winner(), "same inputs must elect the same winner")
	}
}

func TestRecomputeNoChangeIsSilent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	userID := uuid.New()

	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
		sessionID: {CreatorID: userID},
	}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	store.Upsert(sessionID, userID)

	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, changed, "no intervening state change means no reported change")
}

func TestRecomputeIgnoresIneligibleViewers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	stranger := uuid.New()
	creator := uuid.New()

	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
		sessionID: {CreatorID: creator},
	}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	// The stranger joined first but is not creator or team member.
	store.Upsert(sessionID, stranger)
	clock.Advance(time.Second)
	store.Upsert(sessionID, creator)

	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	holder, ok := store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, creator, holder.UserID, "creator status alone grants candidacy")
}

func TestRecomputeUserOnBothTeamsIsSingleCandidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	both := uuid.New()

	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
		sessionID: {CreatorID: uuid.New(), TeamAMemberIDs: []uuid.UUID{both}, TeamBMemberIDs: []uuid.UUID{both}},
	}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	store.Upsert(sessionID, both)
	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	holder, ok := store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, both, holder.UserID)
}

func TestRecomputeDeletedSessionIsNoOp(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	sessionID := uuid.New()
	store.Upsert(sessionID, uuid.New())

	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err, "a concurrently deleted session is not an error")
	assert.False(t, changed)
}

func TestRecomputePropagatesLookupFailure(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	provider := &fakeProvider{err: errors.New("storage unavailable")}
	arbiter := NewArbiter(store, provider, visibleWindow)

	_, err := arbiter.Recompute(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestRecomputeSkipsViewersOutsideVisibleWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	idle := uuid.New()
	active := uuid.New()

	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{
		sessionID: {TeamAMemberIDs: []uuid.UUID{idle, active}},
	}}
	arbiter := NewArbiter(store, provider, visibleWindow)

	store.Upsert(sessionID, idle)
	clock.Advance(45 * time.Second)
	store.Upsert(sessionID, active)

	changed, err := arbiter.Recompute(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, changed)

	holder, ok := store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, active, holder.UserID, "idle earlier joiner is not a candidate")
}
