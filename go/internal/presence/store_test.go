package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertCreatesRecordWithoutPermission(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	userID := uuid.New()

	rec := store.Upsert(sessionID, userID)

	assert.Equal(t, sessionID, rec.SessionID)
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, clock.Now(), rec.JoinedAt)
	assert.Equal(t, clock.Now(), rec.LastActiveAt)
	assert.False(t, rec.CanMark, "permission is never granted at join time")
}

func TestUpsertRefreshesWithoutTouchingJoinedAt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	userID := uuid.New()

	first := store.Upsert(sessionID, userID)
	clock.Advance(10 * time.Second)
	second := store.Upsert(sessionID, userID)

	assert.Equal(t, first.JoinedAt, second.JoinedAt)
	assert.Equal(t, first.LastActiveAt.Add(10*time.Second), second.LastActiveAt)
}

func TestHeartbeatRequiresExistingRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	userID := uuid.New()

	assert.False(t, store.Heartbeat(sessionID, userID), "heartbeats never implicitly join")

	store.Upsert(sessionID, userID)
	clock.Advance(5 * time.Second)
	require.True(t, store.Heartbeat(sessionID, userID))

	rec, ok := store.Get(sessionID, userID)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), rec.LastActiveAt)
}

func TestListActiveWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	fresh := uuid.New()
	stale := uuid.New()

	store.Upsert(sessionID, stale)
	clock.Advance(45 * time.Second)
	store.Upsert(sessionID, fresh)

	active := store.ListActive(sessionID, 30*time.Second)
	require.Len(t, active, 1)
	assert.Equal(t, fresh, active[0].UserID)

	// The stale record is still within a wider window.
	assert.Len(t, store.ListActive(sessionID, time.Minute), 2)
}

func TestListActiveOrderedBySeniority(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	first := uuid.New()
	second := uuid.New()
	third := uuid.New()

	store.Upsert(sessionID, first)
	clock.Advance(time.Second)
	store.Upsert(sessionID, second)
	clock.Advance(time.Second)
	store.Upsert(sessionID, third)

	// Keep everyone fresh so ordering, not liveness, decides.
	store.Heartbeat(sessionID, first)
	store.Heartbeat(sessionID, second)

	active := store.ListActive(sessionID, 30*time.Second)
	require.Len(t, active, 3)
	assert.Equal(t, []uuid.UUID{first, second, third}, []uuid.UUID{active[0].UserID, active[1].UserID, active[2].UserID})
}

func TestRemoveDropsEmptySession(t *testing.T) {
	store := NewStore(clockwork.NewFakeClock())
	sessionID := uuid.New()
	userID := uuid.New()

	store.Upsert(sessionID, userID)
	require.Len(t, store.Sessions(), 1)

	assert.True(t, store.Remove(sessionID, userID))
	assert.False(t, store.Remove(sessionID, userID), "second remove is a no-op")
	assert.Empty(t, store.Sessions(), "empty sessions are garbage collected")
}

func TestSweepExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	gone := uuid.New()
	alive := uuid.New()

	store.Upsert(sessionID, gone)
	clock.Advance(90 * time.Second)
	store.Upsert(sessionID, alive)

	removed := store.SweepExpired(sessionID, time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, gone, removed[0].UserID)

	_, ok := store.Get(sessionID, gone)
	assert.False(t, ok, "expired record is deleted outright")
	_, ok = store.Get(sessionID, alive)
	assert.True(t, ok)
}

func TestElectSingleWriterInvariant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	eligible := make(map[uuid.UUID]struct{})
	for _, id := range users {
		store.Upsert(sessionID, id)
		eligible[id] = struct{}{}
		clock.Advance(time.Second)
	}

	for i := 0; i < 3; i++ {
		store.Elect(sessionID, eligible, 30*time.Second)

		holders := 0
		for _, rec := range store.ListActive(sessionID, time.Minute) {
			if rec.CanMark {
				holders++
			}
		}
		assert.LessOrEqual(t, holders, 1, "at most one record may hold canMark")
	}
}

func TestElectClearsHolderWhenNoCandidates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	sessionID := uuid.New()
	userID := uuid.New()

	store.Upsert(sessionID, userID)
	eligible := map[uuid.UUID]struct{}{userID: {}}

	prev, next := store.Elect(sessionID, eligible, 30*time.Second)
	assert.Equal(t, uuid.Nil, prev)
	assert.Equal(t, userID, next)

	// User falls out of eligibility (e.g. removed from both teams).
	prev, next = store.Elect(sessionID, map[uuid.UUID]struct{}{}, 30*time.Second)
	assert.Equal(t, userID, prev)
	assert.Equal(t, uuid.Nil, next)

	rec, ok := store.Get(sessionID, userID)
	require.True(t, ok)
	assert.False(t, rec.CanMark)
}
