package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/core/internal/cachefs"
)

// GameRemove deletes the cached chunks belonging to one app under a
// service directory and marks that app's downloads inactive. Chunk
// identification differs by service — the Blizzard chunk map and the Steam
// depot mapping live in other packages — so the caller supplies the
// matcher. Returns the operation id immediately.
func (r *Runner) GameRemove(parent context.Context, appID int64, service string, matcher cachefs.HashMatcher) string {
	id, ctx := r.registry.Register(parent, string(TypeGameRemove), fmt.Sprintf("game remove: app %d (%s)", appID, service), nil)
	go r.runGameRemove(ctx, id, appID, service, matcher)
	return id
}

func (r *Runner) runGameRemove(ctx context.Context, id string, appID int64, service string, matcher cachefs.HashMatcher) {
	paths, err := r.walker.FindChunks(ctx, service, matcher)
	if ctx.Err() != nil {
		r.cancelled(ctx, id, TypeGameRemove, "cancelled while locating chunks")
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.fail(ctx, id, TypeGameRemove, err)
		return
	}

	total := int64(len(paths))
	var deleted int64
	var mu sync.Mutex

	var eg errgroup.Group
	eg.SetLimit(r.workers)
	for _, p := range paths {
		p := p
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := os.Remove(p); err != nil {
				r.log.Warn().Err(err).Str("path", p).Msg("failed to delete game chunk")
				return nil
			}
			mu.Lock()
			deleted++
			done := deleted
			mu.Unlock()
			r.updateProgress(ctx, id, TypeGameRemove, percentOf(done, total), fmt.Sprintf("deleted %d/%d chunks", done, total))
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		r.cancelled(ctx, id, TypeGameRemove, fmt.Sprintf("cancelled after deleting %d/%d chunks", deleted, total))
		return
	}

	marked, err := r.repo.MarkDownloadsInactiveForApp(ctx, appID)
	if err != nil {
		r.fail(ctx, id, TypeGameRemove, fmt.Errorf("mark downloads inactive: %w", err))
		return
	}
	r.succeed(ctx, id, TypeGameRemove, fmt.Sprintf("deleted %d chunks, sealed %d downloads", deleted, marked))
}
