package jobs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/core/internal/events"
)

// CorruptionRemove scans one service's cache tree for corrupt chunks and
// deletes what the scan flags. Returns the operation id immediately; the
// scan and deletion run in the background.
func (r *Runner) CorruptionRemove(parent context.Context, service string) string {
	id, ctx := r.registry.Register(parent, string(TypeCorruptionRemove), "corruption remove: "+service, nil)

	r.bus.Publish(events.Event{
		Topic: events.TopicCorruptionRemovalStarted,
		Payload: events.OperationProgress{
			OperationID: id,
			Message:     "scanning " + service,
			Timestamp:   time.Now().UTC(),
		},
	})

	go r.runCorruptionRemove(ctx, id, service)
	return id
}

func (r *Runner) runCorruptionRemove(ctx context.Context, id, service string) {
	bad, err := r.walker.ScanCorruption(ctx, service)
	if ctx.Err() != nil {
		r.cancelled(ctx, id, TypeCorruptionRemove, "cancelled during scan")
		return
	}
	if err != nil {
		r.fail(ctx, id, TypeCorruptionRemove, err)
		return
	}
	if len(bad) == 0 {
		r.succeed(ctx, id, TypeCorruptionRemove, "no corrupt chunks found")
		return
	}

	total := int64(len(bad))
	var deleted int64
	var mu sync.Mutex

	var eg errgroup.Group
	eg.SetLimit(r.workers)
	for _, cf := range bad {
		cf := cf
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := os.Remove(cf.Path); err != nil {
				r.log.Warn().Err(err).Str("path", cf.Path).Str("reason", cf.Reason).Msg("failed to delete corrupt chunk")
				return nil
			}
			mu.Lock()
			deleted++
			done := deleted
			mu.Unlock()
			r.updateProgress(ctx, id, TypeCorruptionRemove, percentOf(done, total), fmt.Sprintf("deleted %d/%d corrupt chunks", done, total))
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		r.cancelled(ctx, id, TypeCorruptionRemove, fmt.Sprintf("cancelled after deleting %d/%d corrupt chunks", deleted, total))
		return
	}
	r.succeed(ctx, id, TypeCorruptionRemove, fmt.Sprintf("deleted %d corrupt chunks", deleted))
}
