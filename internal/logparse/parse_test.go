package logparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BracketedSteamHit(t *testing.T) {
	line := `[steam] 10.0.0.1 - - [01/Jan/2025:10:00:00] "GET /depot/440/chunk/xx HTTP/1.1" 200 1000 "HIT"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, "steam", rec.Service)
	assert.Equal(t, "10.0.0.1", rec.ClientIP)
	assert.Equal(t, int64(1000), rec.BytesServed)
	assert.Equal(t, StatusHit, rec.CacheStatus)
	require.NotNil(t, rec.DepotID)
	assert.Equal(t, int64(440), *rec.DepotID)
}

func TestParse_MissWithDashBytes(t *testing.T) {
	line := `[epic] 10.0.0.2 - - [01/Jan/2025:10:04:59] "GET /epic/file HTTP/1.1" 200 - "MISS"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, "epic", rec.Service)
	assert.Equal(t, int64(0), rec.BytesServed)
	assert.Equal(t, StatusMiss, rec.CacheStatus)
	assert.Nil(t, rec.DepotID)
}

func TestParse_UnknownCacheStatus(t *testing.T) {
	line := `[origin] 10.0.0.3 - - [01/Jan/2025:10:00:00] "GET /origin/thing HTTP/1.1" 200 50 "-"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, rec.CacheStatus)
}

func TestParse_NoCacheStatusField(t *testing.T) {
	line := `[wsus] 10.0.0.4 - - [01/Jan/2025:10:00:00] "GET /wsus/thing HTTP/1.1" 200 50`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, rec.CacheStatus)
}

func TestParse_DerivesServiceFromPath(t *testing.T) {
	line := `10.0.0.5 - - [01/Jan/2025:10:00:00] "GET /blizzard/tpr/wow/data HTTP/1.1" 200 500 "HIT"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, "blizzard", rec.Service)
}

func TestParse_AliasesCanonicalize(t *testing.T) {
	line := `10.0.0.6 - - [01/Jan/2025:10:00:00] "GET /uplay/thing HTTP/1.1" 200 10 "HIT"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Equal(t, "ubisoft", rec.Service)
}

func TestParse_ISOTimestampForms(t *testing.T) {
	cases := []string{
		`[gog] 10.0.0.7 - - [2025-01-01 10:00:00] "GET /gog/x HTTP/1.1" 200 10 "HIT"`,
		`[gog] 10.0.0.7 - - [2025-01-01T10:00:00] "GET /gog/x HTTP/1.1" 200 10 "HIT"`,
	}
	for _, line := range cases {
		rec, ok := Parse(line)
		require.True(t, ok, line)
		assert.Equal(t, 2025, rec.Timestamp.Year())
	}
}

func TestParse_NonmatchingLineIsUnparsed(t *testing.T) {
	stats := &Stats{}
	_, ok := ParseCounting("this is not a log line", stats)
	assert.False(t, ok)
	assert.Equal(t, int64(1), stats.Unparsed())
	assert.Equal(t, int64(0), stats.Parsed())
}

func TestParse_StatsCountParsedLines(t *testing.T) {
	stats := &Stats{}
	line := `[steam] 10.0.0.1 - - [01/Jan/2025:10:00:00] "GET /depot/440/chunk/xx HTTP/1.1" 200 1000 "HIT"`
	_, ok := ParseCounting(line, stats)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Parsed())
}

func TestParse_DepotOnlyExtractedForSteam(t *testing.T) {
	// blizzard URLs never carry a /depot/ segment in practice, but even if
	// one did, depot extraction is steam-specific.
	line := `[blizzard] 10.0.0.8 - - [01/Jan/2025:10:00:00] "GET /depot/123/x HTTP/1.1" 200 10 "HIT"`
	rec, ok := Parse(line)
	require.True(t, ok)
	assert.Nil(t, rec.DepotID)
}
