package jobs

import (
	"context"
	"time"

	"github.com/lancachemanager/core/internal/blizzard/tact"
	"github.com/lancachemanager/core/internal/events"
)

// GameDetection rebuilds the Blizzard chunk map for one product so cache
// chunks can be attributed to game files. Individual archive failures are
// logged and skipped; only a failure to resolve the build itself fails the
// operation. Returns the operation id immediately.
func (r *Runner) GameDetection(parent context.Context, client *tact.Client, attributor *tact.Attributor, product string, filter tact.Filter) string {
	id, ctx := r.registry.Register(parent, string(TypeGameDetection), "game detection: "+product, nil)

	r.bus.Publish(events.Event{
		Topic: events.TopicGameDetectionStarted,
		Payload: events.OperationProgress{
			OperationID: id,
			Message:     "resolving build for " + product,
			Timestamp:   time.Now().UTC(),
		},
	})

	go r.runGameDetection(ctx, id, client, attributor, product, filter)
	return id
}

func (r *Runner) runGameDetection(ctx context.Context, id string, client *tact.Client, attributor *tact.Attributor, product string, filter tact.Filter) {
	archiveErrs, err := attributor.Rebuild(ctx, client, filter)
	for _, aerr := range archiveErrs {
		r.log.Warn().Err(aerr).Str("product", product).Msg("archive skipped during detection")
	}
	if ctx.Err() != nil {
		r.cancelled(ctx, id, TypeGameDetection, "cancelled during rebuild")
		return
	}
	if err != nil {
		r.fail(ctx, id, TypeGameDetection, err)
		return
	}
	r.succeed(ctx, id, TypeGameDetection, "chunk map rebuilt for "+product)
}
