package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lancachemanager/core/internal/model"
)

type sqliteRepo struct {
	db *DB
}

// NewRepo wraps db in the Repo interface. Writes go through db.Write
// (single connection, serializing writers); reads go through db.Read.
func NewRepo(db *DB) Repo {
	return &sqliteRepo{db: db}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// -------------------- Downloads --------------------

func (r *sqliteRepo) UpsertDownload(ctx context.Context, storeID int64, d *model.Download) (int64, error) {
	var depotID, appID any
	if d.DepotID != nil {
		depotID = *d.DepotID
	}
	if d.AppID != nil {
		appID = *d.AppID
	}

	if storeID == 0 {
		const q = `
INSERT INTO downloads(service, client_ip, start_utc, end_utc, cache_hit_bytes, cache_miss_bytes,
                       is_active, last_url, depot_id, app_id, game_name, image_url, datasource)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		res, err := r.db.Write.ExecContext(ctx, q,
			d.Service, d.ClientIP, formatTime(d.StartUTC), formatTime(d.EndUTC),
			d.CacheHitBytes, d.CacheMissBytes, boolToInt(d.IsActive), d.LastURL,
			depotID, appID, d.GameName, d.ImageURL, d.Datasource)
		if err != nil {
			return 0, fmt.Errorf("insert download: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return id, nil
	}

	const q = `
UPDATE downloads SET
  service = ?, client_ip = ?, start_utc = ?, end_utc = ?,
  cache_hit_bytes = ?, cache_miss_bytes = ?, is_active = ?, last_url = ?,
  depot_id = ?, app_id = ?, game_name = ?, image_url = ?, datasource = ?
WHERE id = ?;`
	_, err := r.db.Write.ExecContext(ctx, q,
		d.Service, d.ClientIP, formatTime(d.StartUTC), formatTime(d.EndUTC),
		d.CacheHitBytes, d.CacheMissBytes, boolToInt(d.IsActive), d.LastURL,
		depotID, appID, d.GameName, d.ImageURL, d.Datasource, storeID)
	if err != nil {
		return 0, fmt.Errorf("update download %d: %w", storeID, err)
	}
	return storeID, nil
}

func (r *sqliteRepo) GetDownload(ctx context.Context, storeID int64) (model.Download, error) {
	const q = `
SELECT id, service, client_ip, start_utc, end_utc, cache_hit_bytes, cache_miss_bytes,
       is_active, last_url, depot_id, app_id, game_name, image_url, datasource
FROM downloads WHERE id = ?;`
	row := r.db.Read.QueryRowContext(ctx, q, storeID)
	return scanDownload(row)
}

func (r *sqliteRepo) ListActiveDownloads(ctx context.Context) ([]model.Download, error) {
	const q = `
SELECT id, service, client_ip, start_utc, end_utc, cache_hit_bytes, cache_miss_bytes,
       is_active, last_url, depot_id, app_id, game_name, image_url, datasource
FROM downloads WHERE is_active = 1;`
	rows, err := r.db.Read.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDownloads(rows)
}

func (r *sqliteRepo) ListDownloadsNeedingAppID(ctx context.Context, service string, limit int) ([]model.Download, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `
SELECT id, service, client_ip, start_utc, end_utc, cache_hit_bytes, cache_miss_bytes,
       is_active, last_url, depot_id, app_id, game_name, image_url, datasource
FROM downloads
WHERE service = ? AND depot_id IS NOT NULL AND app_id IS NULL
LIMIT ?;`
	rows, err := r.db.Read.QueryContext(ctx, q, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDownloads(rows)
}

func (r *sqliteRepo) SetDownloadAppInfo(ctx context.Context, storeID, appID int64, gameName, imageURL string) error {
	const q = `UPDATE downloads SET app_id = ?, game_name = ?, image_url = ? WHERE id = ?;`
	_, err := r.db.Write.ExecContext(ctx, q, appID, gameName, imageURL, storeID)
	return err
}

func (r *sqliteRepo) MarkDownloadsInactiveForApp(ctx context.Context, appID int64) (int64, error) {
	const q = `UPDATE downloads SET is_active = 0 WHERE app_id = ? AND is_active = 1;`
	res, err := r.db.Write.ExecContext(ctx, q, appID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanDownload(row *sql.Row) (model.Download, error) {
	var d model.Download
	var start, end string
	var depotID, appID sql.NullInt64
	var isActive int
	if err := row.Scan(&d.ID, &d.Service, &d.ClientIP, &start, &end, &d.CacheHitBytes, &d.CacheMissBytes,
		&isActive, &d.LastURL, &depotID, &appID, &d.GameName, &d.ImageURL, &d.Datasource); err != nil {
		return model.Download{}, err
	}
	d.StartUTC = parseTime(start)
	d.EndUTC = parseTime(end)
	d.IsActive = isActive == 1
	if depotID.Valid {
		v := depotID.Int64
		d.DepotID = &v
	}
	if appID.Valid {
		v := appID.Int64
		d.AppID = &v
	}
	return d, nil
}

func scanDownloads(rows *sql.Rows) ([]model.Download, error) {
	var out []model.Download
	for rows.Next() {
		var d model.Download
		var start, end string
		var depotID, appID sql.NullInt64
		var isActive int
		if err := rows.Scan(&d.ID, &d.Service, &d.ClientIP, &start, &end, &d.CacheHitBytes, &d.CacheMissBytes,
			&isActive, &d.LastURL, &depotID, &appID, &d.GameName, &d.ImageURL, &d.Datasource); err != nil {
			return nil, err
		}
		d.StartUTC = parseTime(start)
		d.EndUTC = parseTime(end)
		d.IsActive = isActive == 1
		if depotID.Valid {
			v := depotID.Int64
			d.DepotID = &v
		}
		if appID.Valid {
			v := appID.Int64
			d.AppID = &v
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// -------------------- Bulk log ingestion --------------------

// BulkInsertLogEntries inserts rows in batches of up to 5000 inside a
// single transaction per batch, relying on the dedupe unique index to
// make re-processing from an earlier byte position a no-op rather than a
// duplicate insert.
func (r *sqliteRepo) BulkInsertLogEntries(ctx context.Context, rows []model.LogEntryRow) (int64, error) {
	const batchSize = 5000
	var total int64

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := r.insertLogEntryBatch(ctx, rows[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *sqliteRepo) insertLogEntryBatch(ctx context.Context, batch []model.LogEntryRow) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := r.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	const q = `
INSERT INTO log_entries(download_id, client_ip, service, timestamp, url, bytes_served, cache_status, datasource)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(client_ip, service, timestamp, url, bytes_served) DO NOTHING;`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range batch {
		res, err := stmt.ExecContext(ctx, row.DownloadID, row.ClientIP, row.Service,
			formatTime(row.Timestamp), row.URL, row.BytesServed, row.CacheStatus, row.Datasource)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert log entry: %w", err)
		}
		aff, _ := res.RowsAffected()
		inserted += aff
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *sqliteRepo) DeleteLogEntriesForService(ctx context.Context, service string) (int64, error) {
	res, err := r.db.Write.ExecContext(ctx, `DELETE FROM log_entries WHERE service = ?;`, service)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -------------------- Rollups --------------------

func (r *sqliteRepo) ApplyRollupDeltas(ctx context.Context, clientDeltas, serviceDeltas map[string]RollupDelta) error {
	if len(clientDeltas) == 0 && len(serviceDeltas) == 0 {
		return nil
	}
	tx, err := r.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const qClient = `
INSERT INTO client_rollups(client_ip, hit_bytes, miss_bytes, download_count, last_activity_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(client_ip) DO UPDATE SET
  hit_bytes = hit_bytes + excluded.hit_bytes,
  miss_bytes = miss_bytes + excluded.miss_bytes,
  download_count = download_count + excluded.download_count,
  last_activity_at = excluded.last_activity_at;`
	stmtClient, err := tx.PrepareContext(ctx, qClient)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmtClient.Close()
	for ip, d := range clientDeltas {
		if _, err := stmtClient.ExecContext(ctx, ip, d.HitBytes, d.MissBytes, d.DownloadCount, formatTime(d.LastActivityAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply client rollup %s: %w", ip, err)
		}
	}

	const qService = `
INSERT INTO service_rollups(service, hit_bytes, miss_bytes, download_count, last_activity_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(service) DO UPDATE SET
  hit_bytes = hit_bytes + excluded.hit_bytes,
  miss_bytes = miss_bytes + excluded.miss_bytes,
  download_count = download_count + excluded.download_count,
  last_activity_at = excluded.last_activity_at;`
	stmtService, err := tx.PrepareContext(ctx, qService)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmtService.Close()
	for svc, d := range serviceDeltas {
		if _, err := stmtService.ExecContext(ctx, svc, d.HitBytes, d.MissBytes, d.DownloadCount, formatTime(d.LastActivityAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply service rollup %s: %w", svc, err)
		}
	}

	return tx.Commit()
}

func (r *sqliteRepo) ListClientRollups(ctx context.Context) ([]model.ClientRollup, error) {
	rows, err := r.db.Read.QueryContext(ctx, `SELECT client_ip, hit_bytes, miss_bytes, download_count, last_activity_at FROM client_rollups;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ClientRollup
	for rows.Next() {
		var c model.ClientRollup
		var last string
		if err := rows.Scan(&c.ClientIP, &c.HitBytes, &c.MissBytes, &c.DownloadCount, &last); err != nil {
			return nil, err
		}
		c.LastActivityAt = parseTime(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ListServiceRollups(ctx context.Context) ([]model.ServiceRollup, error) {
	rows, err := r.db.Read.QueryContext(ctx, `SELECT service, hit_bytes, miss_bytes, download_count, last_activity_at FROM service_rollups;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ServiceRollup
	for rows.Next() {
		var s model.ServiceRollup
		var last string
		if err := rows.Scan(&s.Service, &s.HitBytes, &s.MissBytes, &s.DownloadCount, &last); err != nil {
			return nil, err
		}
		s.LastActivityAt = parseTime(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ResetRollups(ctx context.Context) error {
	return r.TruncateTables(ctx, []string{"client_rollups", "service_rollups"})
}

// -------------------- Depot mappings --------------------

func (r *sqliteRepo) UpsertDepotMapping(ctx context.Context, m model.DepotMapping) error {
	const q = `
INSERT INTO depot_mappings(depot_id, app_id, app_name, is_owner, source)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(depot_id, app_id) DO UPDATE SET
  app_name = excluded.app_name,
  is_owner = excluded.is_owner,
  source = excluded.source;`
	_, err := r.db.Write.ExecContext(ctx, q, m.DepotID, m.AppID, m.AppName, boolToInt(m.IsOwner), m.Source)
	return err
}

func (r *sqliteRepo) GetDepotMappings(ctx context.Context, depotID int64) ([]model.DepotMapping, error) {
	const q = `SELECT depot_id, app_id, app_name, is_owner, source FROM depot_mappings WHERE depot_id = ?;`
	rows, err := r.db.Read.QueryContext(ctx, q, depotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DepotMapping
	for rows.Next() {
		var m model.DepotMapping
		var isOwner int
		if err := rows.Scan(&m.DepotID, &m.AppID, &m.AppName, &isOwner, &m.Source); err != nil {
			return nil, err
		}
		m.IsOwner = isOwner == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) GetOwnerMapping(ctx context.Context, depotID int64) (model.DepotMapping, bool, error) {
	const q = `SELECT depot_id, app_id, app_name, is_owner, source FROM depot_mappings WHERE depot_id = ? AND is_owner = 1 LIMIT 1;`
	var m model.DepotMapping
	var isOwner int
	err := r.db.Read.QueryRowContext(ctx, q, depotID).Scan(&m.DepotID, &m.AppID, &m.AppName, &isOwner, &m.Source)
	if err == sql.ErrNoRows {
		return model.DepotMapping{}, false, nil
	}
	if err != nil {
		return model.DepotMapping{}, false, err
	}
	m.IsOwner = isOwner == 1
	return m, true, nil
}

// -------------------- Prefill cache --------------------

func (r *sqliteRepo) UpsertPrefillCachedDepot(ctx context.Context, p model.PrefillCachedDepot) error {
	tx, err := r.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// Replacing the manifest for a depot supersedes the previous row:
	// delete any other manifest rows for this depot first.
	if _, err := tx.ExecContext(ctx, `DELETE FROM prefill_cached_depots WHERE depot_id = ? AND manifest_id != ?;`, p.DepotID, p.ManifestID); err != nil {
		_ = tx.Rollback()
		return err
	}
	const q = `
INSERT INTO prefill_cached_depots(depot_id, manifest_id, app_id, total_bytes, cached_at, by)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(depot_id, manifest_id) DO UPDATE SET
  app_id = excluded.app_id, total_bytes = excluded.total_bytes,
  cached_at = excluded.cached_at, by = excluded.by;`
	if _, err := tx.ExecContext(ctx, q, p.DepotID, p.ManifestID, p.AppID, p.TotalBytes, formatTime(p.CachedAt), p.By); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// -------------------- Cache snapshots --------------------

func (r *sqliteRepo) InsertCacheSnapshot(ctx context.Context, s model.CacheSnapshot) error {
	const q = `INSERT INTO cache_snapshots(timestamp, used_bytes, total_bytes) VALUES (?, ?, ?);`
	_, err := r.db.Write.ExecContext(ctx, q, formatTime(s.Timestamp), s.UsedBytes, s.TotalBytes)
	return err
}

func (r *sqliteRepo) TrimSnapshots(ctx context.Context, retain int, maxAge time.Duration) (int64, error) {
	var total int64
	if maxAge > 0 {
		cutoff := formatTime(timeNow().Add(-maxAge))
		res, err := r.db.Write.ExecContext(ctx, `DELETE FROM cache_snapshots WHERE timestamp < ?;`, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if retain > 0 {
		const q = `
DELETE FROM cache_snapshots WHERE rowid IN (
  SELECT rowid FROM cache_snapshots ORDER BY timestamp DESC LIMIT -1 OFFSET ?
);`
		res, err := r.db.Write.ExecContext(ctx, q, retain)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *sqliteRepo) ListCacheSnapshots(ctx context.Context, since time.Time, limit int) ([]model.CacheSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `SELECT timestamp, used_bytes, total_bytes FROM cache_snapshots WHERE timestamp >= ? ORDER BY timestamp ASC LIMIT ?;`
	rows, err := r.db.Read.QueryContext(ctx, q, formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CacheSnapshot
	for rows.Next() {
		var s model.CacheSnapshot
		var ts string
		if err := rows.Scan(&ts, &s.UsedBytes, &s.TotalBytes); err != nil {
			return nil, err
		}
		s.Timestamp = parseTime(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// -------------------- Operations --------------------

func (r *sqliteRepo) SaveOperation(ctx context.Context, op model.OperationRecord) error {
	var childPID any
	if op.ChildPID != nil {
		childPID = *op.ChildPID
	}
	const q = `
INSERT INTO operations(id, type, name, started_at, percent, message, cancelled, succeeded, error, child_pid)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  percent = excluded.percent, message = excluded.message,
  cancelled = excluded.cancelled, succeeded = excluded.succeeded,
  error = excluded.error, child_pid = excluded.child_pid;`
	_, err := r.db.Write.ExecContext(ctx, q, op.ID, op.Type, op.Name, formatTime(op.StartedAt),
		op.Percent, op.Message, boolToInt(op.Cancelled), boolToInt(op.Succeeded), op.Error, childPID)
	return err
}

func (r *sqliteRepo) GetOperation(ctx context.Context, id string) (model.OperationRecord, error) {
	const q = `SELECT id, type, name, started_at, percent, message, cancelled, succeeded, error, child_pid FROM operations WHERE id = ?;`
	return scanOperation(r.db.Read.QueryRowContext(ctx, q, id))
}

func (r *sqliteRepo) ListOperations(ctx context.Context, filter OperationFilter) ([]model.OperationRecord, error) {
	q := `SELECT id, type, name, started_at, percent, message, cancelled, succeeded, error, child_pid FROM operations WHERE 1=1`
	var args []any
	if filter.Type != "" {
		q += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Succeeded != nil {
		q += ` AND succeeded = ?`
		args = append(args, boolToInt(*filter.Succeeded))
	}
	rows, err := r.db.Read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OperationRecord
	for rows.Next() {
		op, err := scanOperationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// DeleteOperation removes a single operation row, typically after its
// terminal state has been copied into the durable operation history.
func (r *sqliteRepo) DeleteOperation(ctx context.Context, id string) error {
	_, err := r.db.Write.ExecContext(ctx, `DELETE FROM operations WHERE id = ?;`, id)
	return err
}

func (r *sqliteRepo) PruneOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM operations WHERE started_at < ? AND succeeded = 0 AND cancelled = 0;`
	res, err := r.db.Write.ExecContext(ctx, q, formatTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOperation(row *sql.Row) (model.OperationRecord, error) {
	var op model.OperationRecord
	var started string
	var cancelled, succeeded int
	var childPID sql.NullInt64
	if err := row.Scan(&op.ID, &op.Type, &op.Name, &started, &op.Percent, &op.Message, &cancelled, &succeeded, &op.Error, &childPID); err != nil {
		return model.OperationRecord{}, err
	}
	op.StartedAt = parseTime(started)
	op.Cancelled = cancelled == 1
	op.Succeeded = succeeded == 1
	if childPID.Valid {
		v := int(childPID.Int64)
		op.ChildPID = &v
	}
	return op, nil
}

func scanOperationRows(rows *sql.Rows) (model.OperationRecord, error) {
	var op model.OperationRecord
	var started string
	var cancelled, succeeded int
	var childPID sql.NullInt64
	if err := rows.Scan(&op.ID, &op.Type, &op.Name, &started, &op.Percent, &op.Message, &cancelled, &succeeded, &op.Error, &childPID); err != nil {
		return model.OperationRecord{}, err
	}
	op.StartedAt = parseTime(started)
	op.Cancelled = cancelled == 1
	op.Succeeded = succeeded == 1
	if childPID.Valid {
		v := int(childPID.Int64)
		op.ChildPID = &v
	}
	return op, nil
}

// -------------------- Reset --------------------

var truncatableTables = map[string]bool{
	"downloads": true, "client_rollups": true, "service_rollups": true,
	"log_entries": true, "depot_mappings": true, "prefill_cached_depots": true,
	"cache_snapshots": true, "operations": true,
}

// TruncateTables deletes all rows from the named tables. Only known
// table names are accepted, to keep this destructive entry point from
// becoming an arbitrary-SQL sink.
func (r *sqliteRepo) TruncateTables(ctx context.Context, tables []string) error {
	tx, err := r.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if !truncatableTables[t] {
			_ = tx.Rollback()
			return fmt.Errorf("not a recognized table: %q", t)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s;", t)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeNow is a var so tests can override it; production code always calls
// time.Now().
var timeNow = time.Now
