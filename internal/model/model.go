// Package model holds the persisted entities shared between the session
// aggregator, the store, and every component that enriches or reports on
// them. Keeping these types dependency-free avoids an import cycle
// between internal/session and internal/store.
package model

import "time"

// Download is keyed by a surrogate id and identified logically by
// (ClientIP, Service, StartUTC). Invariants (enforced by internal/session
// and internal/store, not by the type itself):
//
//	EndUTC >= StartUTC
//	IsActive <=> (now - last record time) < session gap
//	CacheHitBytes + CacheMissBytes == TotalBytes
type Download struct {
	ID             int64
	Service        string
	ClientIP       string
	StartUTC       time.Time
	EndUTC         time.Time // latest record time seen; set from creation on, so IsActive (not a zero EndUTC) marks an open download
	CacheHitBytes  int64
	CacheMissBytes int64
	IsActive       bool
	LastURL        string
	DepotID        *int64
	AppID          *int64
	GameName       string
	ImageURL       string
	Datasource     string

	// lastRecordTime drives sealing; it is the timestamp of the most
	// recent record folded into this download, which is not always
	// EndUTC (EndUTC only moves forward, so an out-of-order earlier
	// record updates this but not EndUTC).
	lastRecordTime time.Time
}

// TotalBytes is CacheHitBytes + CacheMissBytes, computed rather than stored
// twice.
func (d *Download) TotalBytes() int64 { return d.CacheHitBytes + d.CacheMissBytes }

// LastRecordTime returns the timestamp used for sealing decisions.
func (d *Download) LastRecordTime() time.Time {
	if d.lastRecordTime.IsZero() {
		return d.EndUTC
	}
	return d.lastRecordTime
}

// SetLastRecordTime is used by internal/session when folding a record; it
// is exported via this method (not the field) so the invariant lives in
// one place.
func (d *Download) SetLastRecordTime(t time.Time) { d.lastRecordTime = t }

// ClientRollup is the cumulative per-client counter row. Monotonic except
// on an explicit reset operation.
type ClientRollup struct {
	ClientIP       string
	HitBytes       int64
	MissBytes      int64
	DownloadCount  int64
	LastActivityAt time.Time
}

// ServiceRollup is the cumulative per-service counter row.
type ServiceRollup struct {
	Service        string
	HitBytes       int64
	MissBytes      int64
	DownloadCount  int64
	LastActivityAt time.Time
}

// LogEntryRow is one append-only raw parsed record, foreign-keyed to the
// Download it was folded into.
type LogEntryRow struct {
	ID          int64
	DownloadID  int64
	ClientIP    string
	Service     string
	Timestamp   time.Time
	URL         string
	BytesServed int64
	CacheStatus string // "HIT" | "MISS" | "UNKNOWN"
	Datasource  string
}

// DepotMapping is unique on (DepotID, AppID); multiple apps may share a
// depot, at most one may be IsOwner.
type DepotMapping struct {
	DepotID int64
	AppID   int64
	AppName string
	IsOwner bool
	Source  string
}

// PrefillCachedDepot is superseded wholesale when a new manifest for the
// same DepotID arrives.
type PrefillCachedDepot struct {
	DepotID    int64
	ManifestID int64
	AppID      int64
	TotalBytes int64
	CachedAt   time.Time
	By         string
}

// CacheSnapshot is a time-series row: inserted and trimmed, never updated.
type CacheSnapshot struct {
	Timestamp  time.Time
	UsedBytes  int64
	TotalBytes int64
}

// OperationRecord is the persisted-on-completion shape of a long-running
// operation, distinct from the transient in-memory Info in
// internal/opreg.
type OperationRecord struct {
	ID        string
	Type      string
	Name      string
	StartedAt time.Time
	Percent   float64
	Message   string
	Cancelled bool
	Succeeded bool
	Error     string
	ChildPID  *int
}

// AppState is the persisted JSON blob of durable, non-relational settings.
type AppState struct {
	SetupCompleted   bool                   `json:"setup_completed"`
	LogPositions     map[string]LogPosition `json:"log_positions"`
	LastDepotCrawl   time.Time              `json:"last_depot_crawl"`
	CrawlInterval    time.Duration          `json:"crawl_interval"`
	CrawlIncremental bool                   `json:"crawl_incremental"`
	CacheDeleteMode  string                 `json:"cache_delete_mode"`
	GuestAllowCIDRs  []string               `json:"guest_allow_cidrs"`
	GuestDenyCIDRs   []string               `json:"guest_deny_cidrs"`
}

// LogPosition is the persisted byte offset and line count for one
// datasource, keyed by datasource name in AppState.LogPositions.
type LogPosition struct {
	BytePosition int64 `json:"byte_position"`
	LineCount    int64 `json:"line_count"`
}

// GameFileInfo is the Blizzard attributor's per-file result.
type GameFileInfo struct {
	Name        string
	Size        int64
	ContentHash [16]byte
	Tags        []string
}
