package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/filmroom/go/internal/events"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*events.Event
}

func (f *fakeBroadcaster) Publish(sessionID uuid.UUID, event *events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) byType(typ events.Type) []*events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Event
	for _, event := range f.events {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

func reaperFixture(t *testing.T) (*clockwork.FakeClock, *Store, *fakeProvider, *fakeBroadcaster, *Reaper) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := NewStore(clock)
	provider := &fakeProvider{eligible: map[uuid.UUID]EligibleUsers{}}
	broadcaster := &fakeBroadcaster{}
	arbiter := NewArbiter(store, provider, visibleWindow)
	reaper := NewReaper(store, arbiter, broadcaster, clock, ReaperConfig{
		Interval:         10 * time.Second,
		HardExpiry:       2 * time.Minute,
		MarkerInactivity: 45 * time.Second,
	})
	return clock, store, provider, broadcaster, reaper
}

func TestSweepDeletesHardExpiredRecords(t *testing.T) {
	clock, store, provider, broadcaster, reaper := reaperFixture(t)
	sessionID := uuid.New()
	userID := uuid.New()
	provider.eligible[sessionID] = EligibleUsers{CreatorID: userID}

	store.Upsert(sessionID, userID)
	clock.Advance(3 * time.Minute)

	reaper.Sweep(context.Background())

	_, ok := store.Get(sessionID, userID)
	assert.False(t, ok, "record past hard expiry is deleted")

	left := broadcaster.byType(events.TypeViewerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, sessionID, left[0].SessionID)
}

func TestSweepTransfersPermissionFromInactiveMarker(t *testing.T) {
	clock, store, provider, broadcaster, reaper := reaperFixture(t)
	sessionID := uuid.New()
	holder := uuid.New()
	backup := uuid.New()
	provider.eligible[sessionID] = EligibleUsers{TeamAMemberIDs: []uuid.UUID{holder, backup}}

	store.Upsert(sessionID, holder)
	clock.Advance(time.Second)
	store.Upsert(sessionID, backup)

	// Initial election: the earlier joiner holds permission.
	reaper.Sweep(context.Background())
	rec, ok := store.Holder(sessionID)
	require.True(t, ok)
	require.Equal(t, holder, rec.UserID)
	require.Len(t, broadcaster.byType(events.TypePermissionChanged), 1)

	// The holder goes quiet past the marker window but stays within hard
	// expiry; the backup keeps heartbeating.
	clock.Advance(time.Minute)
	store.Heartbeat(sessionID, backup)

	reaper.Sweep(context.Background())

	rec, ok = store.Holder(sessionID)
	require.True(t, ok)
	assert.Equal(t, backup, rec.UserID, "permission transferred to the next candidate")

	_, stillPresent := store.Get(sessionID, holder)
	assert.True(t, stillPresent, "idle holder is present, just not active enough to mark")

	assert.Len(t, broadcaster.byType(events.TypePermissionChanged), 2,
		"exactly one broadcast per transition")
}

func TestSweepWithoutChangeStaysSilent(t *testing.T) {
	_, store, provider, broadcaster, reaper := reaperFixture(t)
	sessionID := uuid.New()
	userID := uuid.New()
	provider.eligible[sessionID] = EligibleUsers{CreatorID: userID}

	store.Upsert(sessionID, userID)

	reaper.Sweep(context.Background())
	require.Len(t, broadcaster.byType(events.TypePermissionChanged), 1)

	reaper.Sweep(context.Background())
	reaper.Sweep(context.Background())
	assert.Len(t, broadcaster.byType(events.TypePermissionChanged), 1,
		"repeated sweeps with no state change emit nothing")
}

func TestSweepIsolatesPerSessionFailures(t *testing.T) {
	clock, store, provider, broadcaster, reaper := reaperFixture(t)
	okSession := uuid.New()
	okUser := uuid.New()
	provider.eligible[okSession] = EligibleUsers{CreatorID: okUser}

	brokenSession := uuid.New()
	store.Upsert(brokenSession, uuid.New())
	store.Upsert(okSession, okUser)

	// The broken session's eligibility lookup fails outright.
	provider.err = errors.New("storage unavailable")
	reaper.Sweep(context.Background())
	provider.err = nil

	assert.Empty(t, broadcaster.byType(events.TypePermissionChanged))

	// Next tick, storage is back and both sessions converge.
	clock.Advance(time.Second)
	reaper.Sweep(context.Background())

	holder, ok := store.Holder(okSession)
	require.True(t, ok)
	assert.Equal(t, okUser, holder.UserID)
}

func TestRunSweepsOnInterval(t *testing.T) {
	clock, store, provider, _, reaper := reaperFixture(t)
	sessionID := uuid.New()
	userID := uuid.New()
	provider.eligible[sessionID] = EligibleUsers{CreatorID: userID}
	store.Upsert(sessionID, userID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reaper.Run(ctx)
	}()

	// Wait for the ticker to be registered before advancing.
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool {
		holder, ok := store.Holder(sessionID)
		return ok && holder.UserID == userID
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
