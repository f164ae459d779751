package logparse

import (
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// knownServices is the fixed set used to derive a service label from the
// first path segment when no "[service] " bracket prefix is present.
// Aliases map onto a canonical name (uplay/ubisoft -> ubisoft, xbox/
// microsoft -> microsoft).
var knownServices = map[string]string{
	"steam":     "steam",
	"epic":      "epic",
	"blizzard":  "blizzard",
	"riot":      "riot",
	"wsus":      "wsus",
	"origin":    "origin",
	"uplay":     "ubisoft",
	"ubisoft":   "ubisoft",
	"gog":       "gog",
	"nintendo":  "nintendo",
	"sony":      "sony",
	"xbox":      "microsoft",
	"microsoft": "microsoft",
	"apple":     "apple",
	"frontier":  "frontier",
	"nexusmods": "nexusmods",
	"wargaming": "wargaming",
	"arenanet":  "arenanet",
}

// lineRE matches the nginx combined-log variant lancache produces, with an
// optional "[service] " prefix. Everything after the byte count (referer/
// user-agent/cache-status quoted fields) is captured as trailing and parsed
// separately, since lancache deployments vary in how many quoted fields
// follow.
var lineRE = regexp.MustCompile(
	`^(?:\[(?P<svc>[^\]]+)\]\s+)?` +
		`(?P<ip>\S+)\s+\S+\s+\S+\s+` +
		`\[(?P<ts>[^\]]+)\]\s+` +
		`"(?P<method>\S+)\s+(?P<url>\S+)(?:\s+\S+)?"\s+` +
		`(?P<status>\d+)\s+(?P<bytes>\S+)` +
		`(?P<trailing>.*)$`,
)

var quotedFieldRE = regexp.MustCompile(`"([^"]*)"`)

var depotRE = regexp.MustCompile(`/depot/(\d+)/`)

const (
	fmtDDMonYYYY     = "02/Jan/2006:15:04:05 -0700"
	fmtDDMonYYYYNoTZ = "02/Jan/2006:15:04:05"
	fmtISOSpace      = "2006-01-02 15:04:05"
	fmtISOT          = "2006-01-02T15:04:05"
)

// Stats counts parse outcomes for reporting; it is safe for concurrent use.
type Stats struct {
	parsed   atomic.Int64
	unparsed atomic.Int64
}

// Parsed returns the number of lines successfully parsed so far.
func (s *Stats) Parsed() int64 { return s.parsed.Load() }

// Unparsed returns the number of lines that failed to match.
func (s *Stats) Unparsed() int64 { return s.unparsed.Load() }

// Parse converts a single raw log line into a Record. The second return
// value is false if the line did not match the expected format; Parse never
// panics and never returns an error.
func Parse(line string) (Record, bool) {
	return ParseCounting(line, nil)
}

// ParseCounting behaves like Parse but also updates stats (if non-nil).
func ParseCounting(line string, stats *Stats) (Record, bool) {
	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		if stats != nil {
			stats.unparsed.Add(1)
		}
		return Record{}, false
	}
	names := lineRE.SubexpNames()
	get := func(name string) string {
		for i, n := range names {
			if n == name {
				return m[i]
			}
		}
		return ""
	}

	ts, ok := parseTimestamp(get("ts"))
	if !ok {
		if stats != nil {
			stats.unparsed.Add(1)
		}
		return Record{}, false
	}

	status, err := strconv.Atoi(get("status"))
	if err != nil {
		if stats != nil {
			stats.unparsed.Add(1)
		}
		return Record{}, false
	}

	bytesField := get("bytes")
	var bytesServed int64
	if bytesField != "-" {
		if n, err := strconv.ParseInt(bytesField, 10, 64); err == nil {
			bytesServed = n
		}
	}

	url := get("url")
	svc := strings.ToLower(strings.TrimSpace(get("svc")))
	if svc == "" {
		svc = deriveService(url)
	}

	rec := Record{
		Timestamp:   ts,
		ClientIP:    get("ip"),
		Service:     svc,
		Method:      get("method"),
		URL:         url,
		Status:      status,
		BytesServed: bytesServed,
		CacheStatus: parseCacheStatus(get("trailing")),
	}

	if rec.Service == "steam" {
		if dm := depotRE.FindStringSubmatch(url); dm != nil {
			if id, err := strconv.ParseInt(dm[1], 10, 64); err == nil {
				rec.DepotID = &id
			}
		}
	}

	if stats != nil {
		stats.parsed.Add(1)
	}
	return rec, true
}

// deriveService matches the first path segment of url against the fixed
// service table, falling back to "unknown".
func deriveService(url string) string {
	path := strings.TrimPrefix(url, "/")
	seg := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		seg = path[:i]
	}
	if i := strings.IndexByte(seg, '?'); i >= 0 {
		seg = seg[:i]
	}
	if canonical, ok := knownServices[strings.ToLower(seg)]; ok {
		return canonical
	}
	return "unknown"
}

// parseCacheStatus extracts the cache status from the trailing quoted
// fields. Anything other than HIT or MISS (including no trailing quoted
// field at all) is StatusUnknown.
func parseCacheStatus(trailing string) CacheStatus {
	matches := quotedFieldRE.FindAllStringSubmatch(trailing, -1)
	if len(matches) == 0 {
		return StatusUnknown
	}
	last := strings.ToUpper(strings.TrimSpace(matches[len(matches)-1][1]))
	switch last {
	case "HIT":
		return StatusHit
	case "MISS":
		return StatusMiss
	default:
		return StatusUnknown
	}
}

func parseTimestamp(raw string) (time.Time, bool) {
	formats := []string{fmtDDMonYYYY, fmtDDMonYYYYNoTZ, fmtISOSpace, fmtISOT}
	for _, f := range formats {
		if t, err := time.Parse(f, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
