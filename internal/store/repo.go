package store

import (
	"context"
	"time"

	"github.com/lancachemanager/core/internal/model"
)

// RollupDelta is the single per-batch delta applied to a client or
// service rollup row.
type RollupDelta struct {
	HitBytes       int64
	MissBytes      int64
	DownloadCount  int64
	LastActivityAt time.Time
}

// OperationFilter narrows ListOperations; zero value matches everything.
type OperationFilter struct {
	Type      string
	Succeeded *bool
}

// Repo is the single-writer, many-reader interface over every persisted
// entity. Mutating methods must be called from the owning component for
// that entity class (the ingestor for downloads and log entries, the
// depot mapper for mappings, the job runner for snapshots and
// operations).
type Repo interface {
	// Downloads. storeID == 0 means "insert a new row"; a non-zero
	// storeID updates the existing row with every field in d.
	UpsertDownload(ctx context.Context, storeID int64, d *model.Download) (int64, error)
	GetDownload(ctx context.Context, storeID int64) (model.Download, error)
	ListActiveDownloads(ctx context.Context) ([]model.Download, error)
	ListDownloadsNeedingAppID(ctx context.Context, service string, limit int) ([]model.Download, error)
	SetDownloadAppInfo(ctx context.Context, storeID, appID int64, gameName, imageURL string) error
	MarkDownloadsInactiveForApp(ctx context.Context, appID int64) (int64, error)

	// Bulk log ingestion. BulkInsertLogEntries is a no-op for rows that
	// collide on the dedupe unique index, so replays never double-count.
	BulkInsertLogEntries(ctx context.Context, rows []model.LogEntryRow) (inserted int64, err error)
	DeleteLogEntriesForService(ctx context.Context, service string) (int64, error)

	// Rollups.
	ApplyRollupDeltas(ctx context.Context, clientDeltas map[string]RollupDelta, serviceDeltas map[string]RollupDelta) error
	ListClientRollups(ctx context.Context) ([]model.ClientRollup, error)
	ListServiceRollups(ctx context.Context) ([]model.ServiceRollup, error)
	ResetRollups(ctx context.Context) error

	// Depot mappings.
	UpsertDepotMapping(ctx context.Context, m model.DepotMapping) error
	GetDepotMappings(ctx context.Context, depotID int64) ([]model.DepotMapping, error)
	GetOwnerMapping(ctx context.Context, depotID int64) (model.DepotMapping, bool, error)

	// Prefill cache.
	UpsertPrefillCachedDepot(ctx context.Context, p model.PrefillCachedDepot) error

	// Cache snapshots.
	InsertCacheSnapshot(ctx context.Context, s model.CacheSnapshot) error
	TrimSnapshots(ctx context.Context, retain int, maxAge time.Duration) (int64, error)
	ListCacheSnapshots(ctx context.Context, since time.Time, limit int) ([]model.CacheSnapshot, error)

	// Operations (persistence + startup recovery).
	SaveOperation(ctx context.Context, op model.OperationRecord) error
	GetOperation(ctx context.Context, id string) (model.OperationRecord, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]model.OperationRecord, error)
	DeleteOperation(ctx context.Context, id string) error
	PruneOldOperations(ctx context.Context, olderThan time.Time) (int64, error)

	// Destructive reset (driven by the job runner only).
	TruncateTables(ctx context.Context, tables []string) error
}
