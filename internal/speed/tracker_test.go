package speed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRates(t *testing.T) {
	tr := NewTracker(2 * time.Second)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tr.Observe(now, 1000, GameKey{Name: "steam"}, "10.0.0.1")
	tr.Observe(now.Add(time.Second), 3000, GameKey{Name: "steam"}, "10.0.0.1")
	tr.Observe(now.Add(time.Second), 2000, GameKey{Name: "epic"}, "10.0.0.2")

	snap := tr.Snapshot(now.Add(time.Second))

	assert.True(t, snap.HasActiveDownloads)
	assert.Equal(t, 2.0, snap.WindowSeconds)
	assert.Equal(t, 3000.0, snap.TotalBytesPerSecond) // 6000 bytes / 2s

	require.Len(t, snap.GameSpeeds, 2)
	assert.Equal(t, "steam", snap.GameSpeeds[0].GameName)
	assert.Equal(t, 2000.0, snap.GameSpeeds[0].BytesPerSecond)
	assert.Equal(t, "epic", snap.GameSpeeds[1].GameName)
	assert.Equal(t, 1000.0, snap.GameSpeeds[1].BytesPerSecond)

	require.Len(t, snap.ClientSpeeds, 2)
	assert.Equal(t, "10.0.0.1", snap.ClientSpeeds[0].ClientIP)
}

func TestTrackerEvictsOutsideWindow(t *testing.T) {
	tr := NewTracker(2 * time.Second)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tr.Observe(now, 5000, GameKey{Name: "steam"}, "10.0.0.1")

	snap := tr.Snapshot(now.Add(3 * time.Second))
	assert.False(t, snap.HasActiveDownloads)
	assert.Zero(t, snap.TotalBytesPerSecond)
	assert.Empty(t, snap.GameSpeeds)
	assert.Empty(t, snap.ClientSpeeds)
}

func TestTrackerStableSnapshotsCompareEqual(t *testing.T) {
	tr := NewTracker(2 * time.Second)
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tr.Observe(now, 100, GameKey{Name: "steam"}, "10.0.0.1")
	tr.Observe(now, 100, GameKey{Name: "epic"}, "10.0.0.2")

	a := tr.Snapshot(now)
	b := tr.Snapshot(now)
	assert.True(t, snapshotsEqual(a, b))
}
