// Package speed maintains the live rolling-window byte-rate snapshots: a
// low-latency consumer of the same access logs the ingestor tails, kept
// independent of the ingestor's batch commit cadence so speed readings
// stay fresh while a large catch-up is in flight.
package speed

import (
	"sort"
	"sync"
	"time"

	"github.com/lancachemanager/core/internal/events"
)

// GameKey identifies one game series in the tracker. AppID is 0 when the
// record could not be attributed to a specific app, in which case Name
// carries the service label instead.
type GameKey struct {
	AppID int64
	Name  string
}

type sample struct {
	at    time.Time
	bytes int64
}

// series is one rolling deque of (bytes, t) samples with a running sum.
type series struct {
	samples []sample
	sum     int64
}

func (s *series) add(at time.Time, bytes int64) {
	s.samples = append(s.samples, sample{at: at, bytes: bytes})
	s.sum += bytes
}

// evict drops samples older than cutoff from the front of the deque.
func (s *series) evict(cutoff time.Time) {
	i := 0
	for ; i < len(s.samples); i++ {
		if !s.samples[i].at.Before(cutoff) {
			break
		}
		s.sum -= s.samples[i].bytes
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

func (s *series) empty() bool { return len(s.samples) == 0 }

// Tracker accumulates per-game and per-client byte counts over a rolling
// window and produces DownloadSpeedSnapshot values. Safe for concurrent
// use.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration

	total   series
	games   map[GameKey]*series
	clients map[string]*series
}

// NewTracker constructs a Tracker with the given window; values <= 0
// default to 2 seconds.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Tracker{
		window:  window,
		games:   make(map[GameKey]*series),
		clients: make(map[string]*series),
	}
}

// Window returns the configured rolling-window size.
func (t *Tracker) Window() time.Duration { return t.window }

// Observe records bytes served at time at for the given game and client.
func (t *Tracker) Observe(at time.Time, bytes int64, game GameKey, clientIP string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.add(at, bytes)

	gs := t.games[game]
	if gs == nil {
		gs = &series{}
		t.games[game] = gs
	}
	gs.add(at, bytes)

	cs := t.clients[clientIP]
	if cs == nil {
		cs = &series{}
		t.clients[clientIP] = cs
	}
	cs.add(at, bytes)
}

// Snapshot evicts everything older than now-window and returns the current
// rates. Game and client lists are sorted by rate (descending, then by
// name/IP) so successive snapshots of unchanged state compare equal.
func (t *Tracker) Snapshot(now time.Time) events.DownloadSpeedSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	secs := t.window.Seconds()

	t.total.evict(cutoff)

	snap := events.DownloadSpeedSnapshot{
		WindowSeconds:       secs,
		TotalBytesPerSecond: float64(t.total.sum) / secs,
		HasActiveDownloads:  !t.total.empty(),
		GameSpeeds:          []events.GameSpeed{},
		ClientSpeeds:        []events.ClientSpeed{},
	}

	for key, s := range t.games {
		s.evict(cutoff)
		if s.empty() {
			delete(t.games, key)
			continue
		}
		snap.GameSpeeds = append(snap.GameSpeeds, events.GameSpeed{
			AppID:          key.AppID,
			GameName:       key.Name,
			BytesPerSecond: float64(s.sum) / secs,
		})
	}
	sort.Slice(snap.GameSpeeds, func(i, j int) bool {
		a, b := snap.GameSpeeds[i], snap.GameSpeeds[j]
		if a.BytesPerSecond != b.BytesPerSecond {
			return a.BytesPerSecond > b.BytesPerSecond
		}
		return a.GameName < b.GameName
	})

	for ip, s := range t.clients {
		s.evict(cutoff)
		if s.empty() {
			delete(t.clients, ip)
			continue
		}
		snap.ClientSpeeds = append(snap.ClientSpeeds, events.ClientSpeed{
			ClientIP:       ip,
			BytesPerSecond: float64(s.sum) / secs,
		})
	}
	sort.Slice(snap.ClientSpeeds, func(i, j int) bool {
		a, b := snap.ClientSpeeds[i], snap.ClientSpeeds[j]
		if a.BytesPerSecond != b.BytesPerSecond {
			return a.BytesPerSecond > b.BytesPerSecond
		}
		return a.ClientIP < b.ClientIP
	})

	return snap
}
