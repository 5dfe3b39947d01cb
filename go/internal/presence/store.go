package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Record is the ephemeral liveness entry for one viewer of one session.
// At most one record exists per (session, user) pair, and at most one record
// per session may have CanMark set. CanMark is only ever flipped by the
// arbiter's election, never by clients.
type Record struct {
	SessionID    uuid.UUID `json:"session_id"`
	UserID       uuid.UUID `json:"user_id"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	CanMark      bool      `json:"can_mark"`
}

// Store tracks who claims to be actively viewing each session right now.
// All mutation for a given session runs under that session's own mutex, so
// concurrent elections on the same presence set cannot race.
type Store struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionPresence
}

type sessionPresence struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

// NewStore creates a presence store using the given clock.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		sessions: make(map[uuid.UUID]*sessionPresence),
	}
}

// session returns the per-session state, creating it when create is set.
func (s *Store) session(sessionID uuid.UUID, create bool) *sessionPresence {
	s.mu.RLock()
	sp := s.sessions[sessionID]
	s.mu.RUnlock()
	if sp != nil || !create {
		return sp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sp = s.sessions[sessionID]; sp == nil {
		sp = &sessionPresence{records: make(map[uuid.UUID]*Record)}
		s.sessions[sessionID] = sp
	}
	return sp
}

// dropIfEmpty garbage-collects the session entry once its last record is gone.
// Callers must not hold sp.mu.
func (s *Store) dropIfEmpty(sessionID uuid.UUID, sp *sessionPresence) {
	sp.mu.Lock()
	empty := len(sp.records) == 0
	sp.mu.Unlock()
	if !empty {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the outer lock: a join may have slipped in.
	if cur := s.sessions[sessionID]; cur == sp {
		sp.mu.Lock()
		if len(sp.records) == 0 {
			delete(s.sessions, sessionID)
		}
		sp.mu.Unlock()
	}
}

// Upsert creates or refreshes a viewer's presence record and returns a copy.
// New records never start with marking permission; that is granted only by
// the next arbitration pass, which callers are expected to trigger.
func (s *Store) Upsert(sessionID, userID uuid.UUID) Record {
	now := s.clock.Now()
	sp := s.session(sessionID, true)

	sp.mu.Lock()
	defer sp.mu.Unlock()

	rec, ok := sp.records[userID]
	if !ok {
		rec = &Record{
			SessionID: sessionID,
			UserID:    userID,
			JoinedAt:  now,
		}
		sp.records[userID] = rec
	}
	rec.LastActiveAt = now
	return *rec
}

// Heartbeat refreshes LastActiveAt without touching JoinedAt. It reports
// whether a record existed; heartbeats never implicitly rejoin a session.
func (s *Store) Heartbeat(sessionID, userID uuid.UUID) bool {
	sp := s.session(sessionID, false)
	if sp == nil {
		return false
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	rec, ok := sp.records[userID]
	if !ok {
		return false
	}
	rec.LastActiveAt = s.clock.Now()
	return true
}

// Remove deletes a viewer's record and reports whether one existed.
func (s *Store) Remove(sessionID, userID uuid.UUID) bool {
	sp := s.session(sessionID, false)
	if sp == nil {
		return false
	}

	sp.mu.Lock()
	_, ok := sp.records[userID]
	delete(sp.records, userID)
	sp.mu.Unlock()

	s.dropIfEmpty(sessionID, sp)
	return ok
}

// Get returns a copy of a viewer's record, if present.
func (s *Store) Get(sessionID, userID uuid.UUID) (Record, bool) {
	sp := s.session(sessionID, false)
	if sp == nil {
		return Record{}, false
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	rec, ok := sp.records[userID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ListActive returns copies of all records whose LastActiveAt falls within
// the window, ordered by JoinedAt ascending (user id as a stable tie-break).
func (s *Store) ListActive(sessionID uuid.UUID, window time.Duration) []Record {
	sp := s.session(sessionID, false)
	if sp == nil {
		return nil
	}
	cutoff := s.clock.Now().Add(-window)

	sp.mu.Lock()
	out := make([]Record, 0, len(sp.records))
	for _, rec := range sp.records {
		if !rec.LastActiveAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sp.mu.Unlock()

	sortBySeniority(out)
	return out
}

// Sessions returns the ids of all sessions with at least one presence record.
func (s *Store) Sessions() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Holder returns the record currently holding marking permission, if any.
func (s *Store) Holder(sessionID uuid.UUID) (Record, bool) {
	sp := s.session(sessionID, false)
	if sp == nil {
		return Record{}, false
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	for _, rec := range sp.records {
		if rec.CanMark {
			return *rec, true
		}
	}
	return Record{}, false
}

// SweepExpired deletes records whose LastActiveAt is older than the hard
// expiry window and returns copies of the removed records.
func (s *Store) SweepExpired(sessionID uuid.UUID, hardExpiry time.Duration) []Record {
	sp := s.session(sessionID, false)
	if sp == nil {
		return nil
	}
	cutoff := s.clock.Now().Add(-hardExpiry)

	sp.mu.Lock()
	var removed []Record
	for userID, rec := range sp.records {
		if rec.LastActiveAt.Before(cutoff) {
			removed = append(removed, *rec)
			delete(sp.records, userID)
		}
	}
	sp.mu.Unlock()

	s.dropIfEmpty(sessionID, sp)
	return removed
}

// Elect runs the seniority election for one session under the session lock:
// the earliest-joined active eligible viewer wins, everyone else is cleared.
// It returns the previous and new holder (uuid.Nil when nobody held or holds).
func (s *Store) Elect(sessionID uuid.UUID, eligible map[uuid.UUID]struct{}, visibleWindow time.Duration) (prev, next uuid.UUID) {
	sp := s.session(sessionID, false)
	if sp == nil {
		return uuid.Nil, uuid.Nil
	}
	cutoff := s.clock.Now().Add(-visibleWindow)

	sp.mu.Lock()
	defer sp.mu.Unlock()

	candidates := make([]*Record, 0, len(sp.records))
	for _, rec := range sp.records {
		if rec.CanMark {
			prev = rec.UserID
		}
		if rec.LastActiveAt.Before(cutoff) {
			continue
		}
		if _, ok := eligible[rec.UserID]; ok {
			candidates = append(candidates, rec)
		}
	}

	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].JoinedAt.Equal(candidates[j].JoinedAt) {
				return candidates[i].JoinedAt.Before(candidates[j].JoinedAt)
			}
			return candidates[i].UserID.String() < candidates[j].UserID.String()
		})
		next = candidates[0].UserID
	}

	for _, rec := range sp.records {
		rec.CanMark = rec.UserID == next && next != uuid.Nil
	}

	if prev != next {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("previous_holder", prev.String()).
			Str("new_holder", next.String()).
			Msg("marking permission holder changed")
	}
	return prev, next
}

func sortBySeniority(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].JoinedAt.Equal(records[j].JoinedAt) {
			return records[i].JoinedAt.Before(records[j].JoinedAt)
		}
		return records[i].UserID.String() < records[j].UserID.String()
	})
}
