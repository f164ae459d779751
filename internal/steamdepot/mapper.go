// Package steamdepot implements the Steam depot->app mapper: merging
// depot-mapping updates from an external source (the prefill crawler),
// coalescing concurrent refreshes, and attaching app info to downloads
// that only carry a depot id.
package steamdepot

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/store"
)

// placeholderNameRE matches Steam's own placeholder app names ("App 730",
// "Steam App 730"), which the merge rule treats as replaceable.
var placeholderNameRE = regexp.MustCompile(`^(Steam )?App \d+$`)

// isPlaceholder reports whether name looks like a Steam-generated
// placeholder rather than a real app name.
func isPlaceholder(name string) bool {
	return placeholderNameRE.MatchString(name)
}

// Mapper owns the stored depot->app catalogue and the apply-to-downloads
// pass.
type Mapper struct {
	repo  store.Repo
	group singleflight.Group
}

// NewMapper constructs a Mapper over repo.
func NewMapper(repo store.Repo) *Mapper {
	return &Mapper{repo: repo}
}

// Merge upserts one incoming depot mapping. On (depot_id, app_id)
// collision the row is kept, replacing app_name only when the incoming
// name is not a placeholder and the existing one is.
func (m *Mapper) Merge(ctx context.Context, incoming model.DepotMapping) error {
	existing, ok, err := m.findExact(ctx, incoming.DepotID, incoming.AppID)
	if err != nil {
		return fmt.Errorf("steamdepot: lookup existing mapping: %w", err)
	}
	if !ok {
		return m.repo.UpsertDepotMapping(ctx, incoming)
	}

	merged := existing
	if isPlaceholder(existing.AppName) && !isPlaceholder(incoming.AppName) {
		merged.AppName = incoming.AppName
	}
	// IsOwner and Source only ever tighten toward the incoming value when
	// the existing row hasn't already claimed ownership, so a later,
	// lower-confidence update can't demote an established owner mapping.
	if !existing.IsOwner && incoming.IsOwner {
		merged.IsOwner = true
		merged.Source = incoming.Source
	}
	return m.repo.UpsertDepotMapping(ctx, merged)
}

func (m *Mapper) findExact(ctx context.Context, depotID, appID int64) (model.DepotMapping, bool, error) {
	mappings, err := m.repo.GetDepotMappings(ctx, depotID)
	if err != nil {
		return model.DepotMapping{}, false, err
	}
	for _, mm := range mappings {
		if mm.AppID == appID {
			return mm, true, nil
		}
	}
	return model.DepotMapping{}, false, nil
}

// FetchFunc retrieves the full (or incremental) set of depot mappings from
// an external source (the prefill crawler). It is supplied by the caller so
// this package stays decoupled from the crawler's transport.
type FetchFunc func(ctx context.Context) ([]model.DepotMapping, error)

// Result summarizes one Refresh call.
type Result struct {
	Fetched int
	Merged  int
	Elapsed time.Duration
}

// refreshKey is the sole singleflight key: at most one refresh runs at a
// time for this Mapper, regardless of how many callers ask concurrently.
const refreshKey = "refresh"

// Refresh fetches mappings via fetch and merges each one, coalescing
// concurrent calls so that only one fetch+merge pass actually runs; every
// concurrent caller receives the same Result.
func (m *Mapper) Refresh(ctx context.Context, fetch FetchFunc) (Result, error) {
	v, err, _ := m.group.Do(refreshKey, func() (any, error) {
		start := time.Now()
		mappings, err := fetch(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("steamdepot: fetch: %w", err)
		}
		merged := 0
		for _, mm := range mappings {
			// Newly discovered mappings from prefill are marked
			// is_owner=true, source="Prefill", unless the caller already
			// set a more specific source.
			if mm.Source == "" {
				mm.Source = "Prefill"
				mm.IsOwner = true
			}
			if err := m.Merge(ctx, mm); err != nil {
				return Result{}, err
			}
			merged++
		}
		return Result{Fetched: len(mappings), Merged: merged, Elapsed: time.Since(start)}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// applyBatchSize bounds how many downloads ApplyToDownloads attaches app
// info to per call, so a caller driving this from an event loop can budget
// the work across several iterations.
const applyBatchSize = 1000

// ApplyToDownloads attaches app info to Downloads with a depot id and no
// app id, at most applyBatchSize of them per call: the owner mapping if
// one exists, or the sole mapping if the depot is unambiguous.
func (m *Mapper) ApplyToDownloads(ctx context.Context, service string) (int, error) {
	downloads, err := m.repo.ListDownloadsNeedingAppID(ctx, service, applyBatchSize)
	if err != nil {
		return 0, fmt.Errorf("steamdepot: list downloads needing app id: %w", err)
	}

	updated := 0
	for _, d := range downloads {
		if d.DepotID == nil {
			continue
		}
		appID, name, ok, err := m.resolve(ctx, *d.DepotID)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		if err := m.repo.SetDownloadAppInfo(ctx, d.ID, appID, name, ""); err != nil {
			return updated, fmt.Errorf("steamdepot: set app info for download %d: %w", d.ID, err)
		}
		updated++
	}
	return updated, nil
}

// resolve picks the app to attribute a depot to: its owner mapping if one
// is marked, or the single mapping if the depot has exactly one.
func (m *Mapper) resolve(ctx context.Context, depotID int64) (appID int64, name string, ok bool, err error) {
	if owner, found, err := m.repo.GetOwnerMapping(ctx, depotID); err != nil {
		return 0, "", false, err
	} else if found {
		return owner.AppID, owner.AppName, true, nil
	}

	mappings, err := m.repo.GetDepotMappings(ctx, depotID)
	if err != nil {
		return 0, "", false, err
	}
	if len(mappings) == 1 {
		return mappings[0].AppID, mappings[0].AppName, true, nil
	}
	return 0, "", false, nil
}
