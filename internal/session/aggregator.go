// Package session folds a time-ordered stream of logparse.Record values
// into model.Download mutations. The aggregator never touches storage
// directly: callers (the bulk ingestor and the tail loop) decide how and
// when to persist the Mutations it returns.
package session

import (
	"sync"
	"time"

	"github.com/lancachemanager/core/internal/logparse"
	"github.com/lancachemanager/core/internal/model"
)

// Kind discriminates what a Fold call did to the Download it touched.
type Kind int

const (
	Created Kind = iota
	Updated
	Resealed // a previously sealed download was reopened by a late arrival
)

// Mutation describes one state change produced by folding a single record.
type Mutation struct {
	Kind     Kind
	Download *model.Download
}

type key struct {
	clientIP string
	service  string
}

// sealedEntry remembers a recently-sealed download long enough to support
// the "late arrival reopens it" rule. Entries older than the gap are
// pruned lazily.
type sealedEntry struct {
	download *model.Download
	sealedAt time.Time
}

// Aggregator folds records into per-(client, service) download sessions.
// It is safe for concurrent use by multiple producers as long as records
// for the same (client, service) key are never folded concurrently from
// two goroutines; ordering within a key is the caller's responsibility.
type Aggregator struct {
	mu sync.Mutex

	gap time.Duration

	active map[key]*model.Download
	sealed map[key][]sealedEntry

	nextID int64
}

// NewAggregator constructs an Aggregator with the given session gap
// (typically config.Config.SessionGap, default 5 minutes).
func NewAggregator(gap time.Duration) *Aggregator {
	if gap <= 0 {
		gap = 5 * time.Minute
	}
	return &Aggregator{
		gap:    gap,
		active: make(map[key]*model.Download),
		sealed: make(map[key][]sealedEntry),
	}
}

// Fold applies one record to the aggregator's state and returns what
// changed. datasource is stamped onto newly created downloads.
func (a *Aggregator) Fold(rec logparse.Record, datasource string) Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := key{clientIP: rec.ClientIP, service: rec.Service}

	if d, ok := a.active[k]; ok {
		if withinGap(d.LastRecordTime(), rec.Timestamp, a.gap) {
			applyRecord(d, rec)
			return Mutation{Kind: Updated, Download: d}
		}
		// Idle beyond the gap: seal it, fall through to open a new one.
		a.seal(k, d)
	}

	// Late-arrival reopen: does this record fall within the gap of a
	// download we already sealed for this key?
	if d, idx, ok := a.findReopenable(k, rec.Timestamp); ok {
		d.IsActive = true
		applyRecord(d, rec)
		a.active[k] = d
		a.removeSealed(k, idx)
		return Mutation{Kind: Resealed, Download: d}
	}

	a.nextID++
	d := &model.Download{
		ID:         a.nextID,
		Service:    rec.Service,
		ClientIP:   rec.ClientIP,
		StartUTC:   rec.Timestamp,
		EndUTC:     rec.Timestamp,
		IsActive:   true,
		Datasource: datasource,
	}
	applyRecord(d, rec)
	a.active[k] = d
	return Mutation{Kind: Created, Download: d}
}

// SealExpired scans every currently-active download and seals any whose
// last record time has exceeded the gap relative to 'now'. Returns the
// sealed downloads. Idempotent: a download already sealed is never
// returned twice. Both the bulk path and the tail loop call this
// periodically.
func (a *Aggregator) SealExpired(now time.Time) []*model.Download {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*model.Download
	for k, d := range a.active {
		if now.Sub(d.LastRecordTime()) >= a.gap {
			a.seal(k, d)
			out = append(out, d)
		}
	}
	return out
}

// seal marks d inactive, records its end time, moves it from active to the
// sealed backlog, and prunes old sealed entries for the key. Caller must
// hold a.mu.
func (a *Aggregator) seal(k key, d *model.Download) {
	d.IsActive = false
	d.EndUTC = d.LastRecordTime()
	delete(a.active, k)

	entries := a.sealed[k]
	entries = append(entries, sealedEntry{download: d, sealedAt: d.EndUTC})
	a.sealed[k] = pruneSealed(entries, d.EndUTC, a.gap)
}

// findReopenable looks for a sealed download for k whose seal time is
// still within the gap of ts. Caller must hold a.mu.
func (a *Aggregator) findReopenable(k key, ts time.Time) (*model.Download, int, bool) {
	entries := a.sealed[k]
	for i := len(entries) - 1; i >= 0; i-- {
		if withinGap(entries[i].sealedAt, ts, a.gap) {
			return entries[i].download, i, true
		}
	}
	return nil, 0, false
}

func (a *Aggregator) removeSealed(k key, idx int) {
	entries := a.sealed[k]
	a.sealed[k] = append(entries[:idx], entries[idx+1:]...)
}

func pruneSealed(entries []sealedEntry, now time.Time, gap time.Duration) []sealedEntry {
	out := entries[:0]
	for _, e := range entries {
		if now.Sub(e.sealedAt) < gap {
			out = append(out, e)
		}
	}
	return out
}

// withinGap implements the inclusive gap boundary: a record at exactly
// t+gap still belongs to the same session; t+gap+1s does not. It also
// tolerates up to 1s of "earlier than last" skew in the tail path.
func withinGap(last, ts time.Time, gap time.Duration) bool {
	diff := ts.Sub(last)
	if diff < -time.Second {
		// Record is from well before the session's last activity; still
		// treat it as belonging if it's not absurdly out of order — a
		// negative diff within 1s of skew is tolerated, anything further
		// back falls through to gap comparison using the absolute value.
		diff = -diff
	}
	return diff <= gap
}

// applyRecord adds rec's bytes to the download's hit/miss buckets,
// advances EndUTC/last-record-time, refreshes LastURL, and sets DepotID
// once (never overwriting a non-nil value).
func applyRecord(d *model.Download, rec logparse.Record) {
	switch rec.CacheStatus {
	case logparse.StatusHit:
		d.CacheHitBytes += rec.BytesServed
	default: // Miss and Unknown both count toward the miss bucket.
		d.CacheMissBytes += rec.BytesServed
	}

	if rec.Timestamp.After(d.EndUTC) {
		d.EndUTC = rec.Timestamp
	}
	d.SetLastRecordTime(rec.Timestamp)
	d.LastURL = rec.URL

	if d.Service == "steam" && rec.DepotID != nil && d.DepotID == nil {
		id := *rec.DepotID
		d.DepotID = &id
	}
}
