package client

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/filmroom/go/internal/events"
)

// PlaybackConfig holds the tunables for applying remote playback-sync events.
type PlaybackConfig struct {
	// SeekSuppression is how long after a manual seek incoming sync events
	// are ignored, so the server echo of other viewers' state cannot fight
	// the user's own action.
	SeekSuppression time.Duration
	// SyncThreshold is the minimum position delta, in seconds, before a
	// remote position is applied. Smaller deltas are clock/network noise
	// and correcting them causes visible jitter.
	SyncThreshold time.Duration
}

// DefaultPlaybackConfig returns the default sync tunables.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		SeekSuppression: 2 * time.Second,
		SyncThreshold:   time.Second,
	}
}

// PlaybackTracker keeps the local playback position and decides whether
// incoming playback-sync events should be applied.
type PlaybackTracker struct {
	clock  clockwork.Clock
	config PlaybackConfig

	mu             sync.Mutex
	position       float64
	playing        bool
	lastManualSeek time.Time
}

// NewPlaybackTracker creates a tracker using the given clock.
func NewPlaybackTracker(clock clockwork.Clock, config PlaybackConfig) *PlaybackTracker {
	return &PlaybackTracker{
		clock:  clock,
		config: config,
	}
}

// Seek records a manual seek by the local user and opens the suppression
// window.
func (t *PlaybackTracker) Seek(position float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = position
	t.lastManualSeek = t.clock.Now()
}

// SetPlaying records a local play/pause.
func (t *PlaybackTracker) SetPlaying(playing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = playing
}

// State returns the current local position and playing flag.
func (t *PlaybackTracker) State() (position float64, playing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position, t.playing
}

// ApplySync applies a remote playback-sync event and reports whether any
// local state changed. Events inside the manual-seek suppression window are
// dropped outright; outside it, the play/pause flag always wins but the
// position is only corrected when the delta clears the threshold.
func (t *PlaybackTracker) ApplySync(sync events.PlaybackSync) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.clock.Now().Sub(t.lastManualSeek) < t.config.SeekSuppression {
		return false
	}

	changed := false
	if t.playing != sync.Playing {
		t.playing = sync.Playing
		changed = true
	}
	if math.Abs(t.position-sync.Time) >= t.config.SyncThreshold.Seconds() {
		t.position = sync.Time
		changed = true
	}
	return changed
}
