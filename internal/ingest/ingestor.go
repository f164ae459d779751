// Package ingest implements the per-datasource log tail ingestor:
// idle, catching-up, tailing, stopping, feeding parsed records through
// the session aggregator into the store in bulk transactions.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/config"
	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/logparse"
	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/session"
	"github.com/lancachemanager/core/internal/state"
	"github.com/lancachemanager/core/internal/store"
)

// Phase is the ingestor's current state-machine phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCatchingUp Phase = "catching_up"
	PhaseTailing    Phase = "tailing"
	PhaseStopping   Phase = "stopping"
)

const (
	logFileName   = "access.log"
	pollInterval  = 500 * time.Millisecond
	progressEvery = time.Second
	readChunk     = 1 << 20 // 1 MiB buffered reads during catch-up
)

// Ingestor owns the tail state for exactly one configured datasource.
type Ingestor struct {
	ds     config.Datasource
	repo   store.Repo
	states *state.Store
	bus    *events.Bus
	agg    *session.Aggregator
	stats  *logparse.Stats
	log    zerolog.Logger

	batchSize int
	guests    *session.GuestRules

	// storeIDs maps the aggregator's in-memory Download.ID (a per-process
	// sequence, reset on restart) to the store's durable surrogate row id,
	// so repeated mutations to the same in-memory download update the same
	// row instead of inserting a new one each batch.
	storeIDs map[int64]int64
}

// New constructs an Ingestor for one datasource. stats may be shared across
// datasources purely for aggregate reporting; it is never required for
// correctness.
func New(ds config.Datasource, repo store.Repo, states *state.Store, bus *events.Bus, agg *session.Aggregator, stats *logparse.Stats, batchSize int, log zerolog.Logger) *Ingestor {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Ingestor{
		ds:        ds,
		repo:      repo,
		states:    states,
		bus:       bus,
		agg:       agg,
		stats:     stats,
		batchSize: batchSize,
		storeIDs:  make(map[int64]int64),
		log:       log.With().Str("datasource", ds.Name).Logger(),
	}
}

// SetGuestRules installs an allow/deny list consulted per record; records
// from denied clients are dropped before they reach the aggregator. Call
// before Run.
func (in *Ingestor) SetGuestRules(rules *session.GuestRules) { in.guests = rules }

// Run drives the state machine until ctx is cancelled. It never returns an
// error for recoverable conditions (missing file, transient store errors
// during a batch retry the batch from the last persisted position); it
// returns on ctx cancellation, logging Stopping on the way out, or when the
// persisted position cannot be loaded or reset.
func (in *Ingestor) Run(ctx context.Context) error {
	path := logFilePath(in.ds.LogDirectory)

	for {
		if ctx.Err() != nil {
			in.log.Info().Msg("stopping: context cancelled")
			return ctx.Err()
		}

		if !fileExists(path) {
			in.log.Debug().Str("phase", string(PhaseIdle)).Msg("waiting for log file to appear")
			if !in.waitForFile(ctx, path) {
				return ctx.Err()
			}
		}

		pos, err := in.states.GetLogPosition(in.ds.Name)
		if err != nil {
			return fmt.Errorf("load position for %s: %w", in.ds.Name, err)
		}

		size, err := fileSize(path)
		if err != nil {
			in.log.Warn().Err(err).Msg("stat failed, retrying")
			if !sleepCtx(ctx, pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if size < pos.BytePosition {
			// Rotation or truncate: the file shrank underneath us.
			in.log.Info().Int64("old_position", pos.BytePosition).Int64("new_size", size).Msg("log rotated, resetting position")
			pos = model.LogPosition{}
			if err := in.states.SetLogPosition(in.ds.Name, pos); err != nil {
				return fmt.Errorf("persist reset position for %s: %w", in.ds.Name, err)
			}
		}

		if pos.BytePosition < size {
			newPos, err := in.catchUp(ctx, path, pos, size)
			if err != nil {
				if ctx.Err() != nil {
					continue // the loop head handles the shutdown
				}
				in.log.Warn().Err(err).Msg("batch failed, retrying from the last persisted position")
				if !sleepCtx(ctx, pollInterval) {
					return ctx.Err()
				}
				continue
			}
			pos = newPos
			continue // re-check size; another writer may have appended more.
		}

		if !in.tail(ctx, path, pos) {
			return ctx.Err()
		}
	}
}

// waitForFile polls (with an fsnotify assist) until path exists or ctx is
// done. Returns false if ctx was cancelled first.
func (in *Ingestor) waitForFile(ctx context.Context, path string) bool {
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(in.ds.LogDirectory); err != nil {
			in.log.Debug().Err(err).Msg("fsnotify watch on directory failed, falling back to polling")
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if fileExists(path) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		case <-watcherEvents(watcher):
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil // a nil channel blocks forever in select, which is fine here
	}
	return w.Events
}

// catchUp reads from pos to size in buffered chunks, folding every
// complete line through the parser and the session aggregator and
// committing in transactions of in.batchSize rows.
// It returns the position reached (the end of the last complete line
// processed).
func (in *Ingestor) catchUp(ctx context.Context, path string, pos model.LogPosition, size int64) (model.LogPosition, error) {
	f, err := os.Open(path)
	if err != nil {
		return pos, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(pos.BytePosition, 0); err != nil {
		return pos, fmt.Errorf("seek %s: %w", path, err)
	}

	reader := bufio.NewReaderSize(f, readChunk)

	batch := make([]pendingRecord, 0, in.batchSize)
	lastProgress := time.Now()
	startPos := pos.BytePosition

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.commitBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		if ctx.Err() != nil {
			_ = flush()
			return pos, ctx.Err()
		}

		line, err := reader.ReadString('\n')
		consumed := int64(len(line))
		complete := len(line) > 0 && line[len(line)-1] == '\n'

		if complete {
			rec, ok := logparse.ParseCounting(trimNewline(line), in.stats)
			if ok {
				if in.guests.Allowed(rec.ClientIP) {
					batch = append(batch, pendingRecord{rec: rec})
				}
				pos.LineCount++
			}
			pos.BytePosition += consumed

			if len(batch) >= in.batchSize {
				if err := flush(); err != nil {
					return pos, err
				}
				if err := in.states.SetLogPosition(in.ds.Name, pos); err != nil {
					return pos, fmt.Errorf("persist position for %s: %w", in.ds.Name, err)
				}
			}
		}

		if time.Since(lastProgress) >= progressEvery {
			in.bus.Publish(events.Event{
				Topic: events.TopicProcessingProgress,
				Payload: events.ProcessingProgress{
					Datasource:     in.ds.Name,
					BytesProcessed: pos.BytePosition - startPos,
					BytesTotal:     size - startPos,
					Percent:        percent(pos.BytePosition-startPos, size-startPos),
					Timestamp:      time.Now().UTC(),
				},
			})
			lastProgress = time.Now()
		}

		if err != nil {
			// EOF (or any read error) with an incomplete trailing line: stop
			// here: the writer may still be appending to this partial line.
			break
		}
	}

	if err := flush(); err != nil {
		return pos, err
	}
	if err := in.states.SetLogPosition(in.ds.Name, pos); err != nil {
		return pos, fmt.Errorf("persist position for %s: %w", in.ds.Name, err)
	}
	return pos, nil
}

// tail polls path every pollInterval (with an fsnotify assist) until its
// size differs from pos, sealing idle downloads while nothing changes. It
// folds no records itself: on a size change it returns true and the caller
// re-enters catchUp. Returns false only when ctx is cancelled.
func (in *Ingestor) tail(ctx context.Context, path string, pos model.LogPosition) bool {
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(in.ds.LogDirectory); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		case <-watcherEvents(watcher):
		}

		size, err := fileSize(path)
		if err != nil {
			continue // file may have been removed momentarily during rotation
		}
		if size != pos.BytePosition {
			return true // let the caller re-enter catchUp (handles growth and shrinkage alike)
		}

		// No new bytes: downloads can still go idle past the gap, so seal
		// from the tail loop too, not just on batch commits.
		in.sealIdle(ctx)
	}
}

// sealIdle seals any download whose idle time has exceeded the gap and
// persists the sealed rows. Failures are logged and retried on the next
// poll; the aggregator has already sealed in memory either way.
func (in *Ingestor) sealIdle(ctx context.Context) {
	sealed := in.agg.SealExpired(time.Now().UTC())
	if len(sealed) == 0 {
		return
	}
	for _, d := range sealed {
		newID, err := in.repo.UpsertDownload(ctx, in.storeIDs[d.ID], d)
		if err != nil {
			in.log.Warn().Err(err).Int64("download", d.ID).Msg("failed to persist sealed download")
			continue
		}
		in.storeIDs[d.ID] = newID
	}
	in.bus.Publish(events.Event{Topic: events.TopicDownloadsRefresh, Payload: events.DownloadsRefreshed{Timestamp: time.Now().UTC()}})
}

type pendingRecord struct {
	rec logparse.Record
}

// commitBatch sorts batch by timestamp, folds every record through the
// aggregator, persists the resulting downloads plus raw log rows in one
// transaction's worth of repo calls, then applies a single rollup delta
// for the whole batch. The sort is what lets the ingestor make the
// aggregator's in-timestamp-order guarantee within each batch; bytes
// appended while tailing also pass through here via catchUp.
func (in *Ingestor) commitBatch(ctx context.Context, batch []pendingRecord) error {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].rec.Timestamp.Before(batch[j].rec.Timestamp)
	})

	rows := make([]model.LogEntryRow, 0, len(batch))
	rowAggIDs := make([]int64, 0, len(batch))
	touched := make(map[int64]*model.Download)

	clientDeltas := make(map[string]store.RollupDelta)
	serviceDeltas := make(map[string]store.RollupDelta)

	for _, p := range batch {
		mut := in.agg.Fold(p.rec, in.ds.Name)
		touched[mut.Download.ID] = mut.Download

		// A Created mutation is a distinct new download; Resealed reopens
		// a download this aggregator already counted when it was created,
		// so it contributes bytes but not another count.
		created := int64(0)
		if mut.Kind == session.Created {
			created = 1
		}

		rows = append(rows, model.LogEntryRow{
			ClientIP:    p.rec.ClientIP,
			Service:     p.rec.Service,
			Timestamp:   p.rec.Timestamp,
			URL:         p.rec.URL,
			BytesServed: p.rec.BytesServed,
			CacheStatus: p.rec.CacheStatus.String(),
			Datasource:  in.ds.Name,
		})
		rowAggIDs = append(rowAggIDs, mut.Download.ID)

		hit, miss := int64(0), int64(0)
		if p.rec.CacheStatus == logparse.StatusHit {
			hit = p.rec.BytesServed
		} else {
			miss = p.rec.BytesServed
		}
		accumulateDelta(clientDeltas, p.rec.ClientIP, hit, miss, created, p.rec.Timestamp)
		accumulateDelta(serviceDeltas, p.rec.Service, hit, miss, created, p.rec.Timestamp)
	}

	sealExpiredInto(in.agg, touched)

	for aggID, d := range touched {
		newID, err := in.repo.UpsertDownload(ctx, in.storeIDs[aggID], d)
		if err != nil {
			return fmt.Errorf("upsert download: %w", err)
		}
		in.storeIDs[aggID] = newID
	}

	for i, aggID := range rowAggIDs {
		rows[i].DownloadID = in.storeIDs[aggID]
	}

	if _, err := in.repo.BulkInsertLogEntries(ctx, rows); err != nil {
		return fmt.Errorf("bulk insert log entries: %w", err)
	}

	if err := in.repo.ApplyRollupDeltas(ctx, clientDeltas, serviceDeltas); err != nil {
		return fmt.Errorf("apply rollup deltas: %w", err)
	}

	in.bus.Publish(events.Event{Topic: events.TopicDownloadsRefresh, Payload: events.DownloadsRefreshed{Timestamp: time.Now().UTC()}})
	return nil
}

// sealExpiredInto seals any download whose idle time has exceeded the gap
// and folds the sealed results into touched so they get persisted in the
// same batch.
func sealExpiredInto(agg *session.Aggregator, touched map[int64]*model.Download) {
	for _, d := range agg.SealExpired(time.Now().UTC()) {
		touched[d.ID] = d
	}
}

func accumulateDelta(m map[string]store.RollupDelta, key string, hit, miss, newDownloads int64, at time.Time) {
	d := m[key]
	d.HitBytes += hit
	d.MissBytes += miss
	d.DownloadCount += newDownloads
	if at.After(d.LastActivityAt) {
		d.LastActivityAt = at
	}
	m[key] = d
}

func trimNewline(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func logFilePath(dir string) string {
	if len(dir) == 0 {
		return logFileName
	}
	if dir[len(dir)-1] == '/' {
		return dir + logFileName
	}
	return dir + "/" + logFileName
}
