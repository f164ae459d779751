package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancachemanager/core/internal/logparse"
)

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAggregator_ScenarioOne_SameSessionWithinGap(t *testing.T) {
	a := NewAggregator(5 * time.Minute)

	m1 := a.Fold(logparse.Record{
		ClientIP: "10.0.0.1", Service: "steam",
		Timestamp: ts("2025-01-01T10:00:00"), BytesServed: 1000,
		CacheStatus: logparse.StatusHit,
	}, "ds1")
	require.Equal(t, Created, m1.Kind)

	depot := int64(440)
	m2 := a.Fold(logparse.Record{
		ClientIP: "10.0.0.1", Service: "steam",
		Timestamp: ts("2025-01-01T10:04:59"), BytesServed: 2000,
		CacheStatus: logparse.StatusMiss, DepotID: &depot,
	}, "ds1")
	require.Equal(t, Updated, m2.Kind)
	require.Same(t, m1.Download, m2.Download)

	d := m2.Download
	assert.Equal(t, int64(1000), d.CacheHitBytes)
	assert.Equal(t, int64(2000), d.CacheMissBytes)
	assert.Equal(t, int64(3000), d.TotalBytes())
	require.NotNil(t, d.DepotID)
	assert.Equal(t, int64(440), *d.DepotID)
	assert.True(t, d.IsActive)
}

func TestAggregator_ScenarioTwo_NewSessionAfterGap(t *testing.T) {
	a := NewAggregator(5 * time.Minute)

	m1 := a.Fold(logparse.Record{
		ClientIP: "10.0.0.1", Service: "steam",
		Timestamp: ts("2025-01-01T10:00:00"), BytesServed: 100,
		CacheStatus: logparse.StatusHit,
	}, "ds1")

	m2 := a.Fold(logparse.Record{
		ClientIP: "10.0.0.1", Service: "steam",
		Timestamp: ts("2025-01-01T10:05:01"), BytesServed: 200,
		CacheStatus: logparse.StatusHit,
	}, "ds1")

	require.Equal(t, Created, m2.Kind)
	assert.NotEqual(t, m1.Download.ID, m2.Download.ID)
	assert.False(t, m1.Download.IsActive)
	assert.True(t, m2.Download.IsActive)
}

func TestAggregator_DepotNeverOverwrittenWithNil(t *testing.T) {
	a := NewAggregator(5 * time.Minute)
	depot := int64(10)

	a.Fold(logparse.Record{ClientIP: "c", Service: "steam", Timestamp: ts("2025-01-01T10:00:00"), DepotID: &depot}, "ds1")
	m2 := a.Fold(logparse.Record{ClientIP: "c", Service: "steam", Timestamp: ts("2025-01-01T10:00:01")}, "ds1")

	require.NotNil(t, m2.Download.DepotID)
	assert.Equal(t, int64(10), *m2.Download.DepotID)
}

func TestAggregator_SealExpiredIsIdempotent(t *testing.T) {
	a := NewAggregator(5 * time.Minute)
	a.Fold(logparse.Record{ClientIP: "c", Service: "steam", Timestamp: ts("2025-01-01T10:00:00")}, "ds1")

	sealedOnce := a.SealExpired(ts("2025-01-01T10:10:00"))
	require.Len(t, sealedOnce, 1)
	assert.False(t, sealedOnce[0].IsActive)

	sealedTwice := a.SealExpired(ts("2025-01-01T10:20:00"))
	assert.Empty(t, sealedTwice)
}

func TestAggregator_LateArrivalReopensSealedDownload(t *testing.T) {
	a := NewAggregator(5 * time.Minute)
	m1 := a.Fold(logparse.Record{ClientIP: "c", Service: "steam", Timestamp: ts("2025-01-01T10:00:00"), BytesServed: 10, CacheStatus: logparse.StatusHit}, "ds1")
	sealed := a.SealExpired(ts("2025-01-01T10:06:00"))
	require.Len(t, sealed, 1)

	// A late-arriving record from crash recovery, timestamped within the
	// gap of the seal time, reopens the same download rather than
	// creating a duplicate.
	m2 := a.Fold(logparse.Record{ClientIP: "c", Service: "steam", Timestamp: ts("2025-01-01T10:01:00"), BytesServed: 5, CacheStatus: logparse.StatusHit}, "ds1")
	require.Equal(t, Resealed, m2.Kind)
	assert.Same(t, m1.Download, m2.Download)
	assert.True(t, m2.Download.IsActive)
	assert.Equal(t, int64(15), m2.Download.CacheHitBytes)
}

func TestAggregator_UnknownCacheStatusCountsAsMiss(t *testing.T) {
	a := NewAggregator(5 * time.Minute)
	m := a.Fold(logparse.Record{ClientIP: "c", Service: "epic", Timestamp: ts("2025-01-01T10:00:00"), BytesServed: 50, CacheStatus: logparse.StatusUnknown}, "ds1")
	assert.Equal(t, int64(50), m.Download.CacheMissBytes)
	assert.Equal(t, int64(0), m.Download.CacheHitBytes)
}
