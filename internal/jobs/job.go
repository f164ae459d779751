// Package jobs implements the destructive, long-running cache and store
// operations: cache clear, service remove, game remove, corruption
// remove, log rewrite, and database reset. Every operation registers
// with internal/opreg, runs on a bounded worker pool, and persists its
// progress to the store so a restart can recover its last known state.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/cachefs"
	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/opreg"
	"github.com/lancachemanager/core/internal/store"
)

// Type identifies an operation kind; it is also the value stored in
// model.OperationRecord.Type.
type Type string

const (
	TypeCacheClear       Type = "CacheClear"
	TypeServiceRemove    Type = "ServiceRemove"
	TypeGameRemove       Type = "GameRemove"
	TypeCorruptionRemove Type = "CorruptionRemove"
	TypeLogServiceRemove Type = "LogServiceRemove"
	TypeDatabaseReset    Type = "DatabaseReset"
	TypeGameDetection    Type = "GameDetection"
)

// topicsByType is the per-type progress/completion topic pair; a blank
// Progress means the type only announces start and completion.
type topicPair struct {
	Progress string
	Complete string
}

var topicsByType = map[Type]topicPair{
	TypeCacheClear:       {events.TopicCacheClearProgress, events.TopicCacheClearComplete},
	TypeServiceRemove:    {events.TopicServiceRemovalProgress, events.TopicServiceRemovalComplete},
	TypeGameRemove:       {events.TopicGameRemovalProgress, events.TopicGameRemovalComplete},
	TypeCorruptionRemove: {"", events.TopicCorruptionRemovalComplete},
	TypeLogServiceRemove: {events.TopicLogRemovalProgress, events.TopicLogRemovalComplete},
	// DatabaseReset has a documented progress topic but no dedicated
	// completion topic; opreg's generic FastProcessingComplete covers it.
	TypeDatabaseReset: {events.TopicDatabaseResetProgress, ""},
	TypeGameDetection: {"", events.TopicGameDetectionComplete},
}

// persistInterval is the floor between two durable snapshots of the same
// operation.
const persistInterval = time.Second

// Runner executes destructive operations against a store, an operation
// registry, and a cache filesystem walker.
type Runner struct {
	repo     store.Repo
	registry *opreg.Registry
	bus      *events.Bus
	walker   *cachefs.Walker
	workers  int
	log      zerolog.Logger

	mu          sync.Mutex
	lastPersist map[string]time.Time
}

// NewRunner constructs a Runner. workers bounds the number of concurrent
// file deletions; values <= 0 default to 4.
func NewRunner(repo store.Repo, registry *opreg.Registry, bus *events.Bus, walker *cachefs.Walker, workers int, log zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		repo:        repo,
		registry:    registry,
		bus:         bus,
		walker:      walker,
		workers:     workers,
		log:         log.With().Str("component", "jobs").Logger(),
		lastPersist: make(map[string]time.Time),
	}
}

// updateProgress records percent/message with the registry (which throttles
// and publishes the generic ProcessingProgress event), additionally
// publishes the type-specific progress event if one is defined, and
// persists a durable snapshot at most once per persistInterval.
func (r *Runner) updateProgress(ctx context.Context, id string, opType Type, percent float64, message string) {
	r.registry.UpdateProgress(id, percent, message)

	if pair := topicsByType[opType]; pair.Progress != "" {
		r.bus.Publish(events.Event{
			Topic: pair.Progress,
			Payload: events.OperationProgress{
				OperationID: id,
				Percent:     percent,
				Message:     message,
				Timestamp:   time.Now().UTC(),
			},
		})
	}

	if !r.shouldPersist(id) {
		return
	}
	info, ok := r.registry.Get(id)
	if !ok {
		return
	}
	r.persist(ctx, recordFromInfo(opType, info))
}

func (r *Runner) shouldPersist(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastPersist[id]
	if ok && time.Since(last) < persistInterval {
		return false
	}
	r.lastPersist[id] = time.Now()
	return true
}

func recordFromInfo(opType Type, info opreg.Info) model.OperationRecord {
	return model.OperationRecord{
		ID:        info.ID,
		Type:      string(opType),
		Name:      info.Name,
		StartedAt: info.StartedAt,
		Percent:   info.Percent,
		Message:   info.Message,
		Cancelled: info.Status == opreg.StatusCancelled,
		Succeeded: info.Status == opreg.StatusCompleted && info.Success,
		Error:     info.Error,
	}
}

// persist writes op's current snapshot to the durable store, logging (not
// failing) on error since a missed snapshot is recoverable on the next
// tick or at completion.
func (r *Runner) persist(ctx context.Context, op model.OperationRecord) {
	if err := r.repo.SaveOperation(ctx, op); err != nil {
		r.log.Warn().Err(err).Str("operation_id", op.ID).Msg("failed to persist operation snapshot")
	}
}

// complete finalizes id: marks it done in the registry (which publishes the
// generic completion event exactly once), publishes the type-specific
// completion event if one is defined, and persists the terminal snapshot.
func (r *Runner) complete(ctx context.Context, id string, opType Type, success bool, message string, opErr error) {
	r.registry.Complete(id, success, opErr)

	info, ok := r.registry.Get(id)
	if ok {
		if message != "" {
			info.Message = message
		}
		r.persist(ctx, recordFromInfo(opType, info))
	}

	if pair := topicsByType[opType]; pair.Complete != "" {
		errMsg := ""
		if opErr != nil {
			errMsg = opErr.Error()
		}
		r.bus.Publish(events.Event{
			Topic: pair.Complete,
			Payload: events.OperationComplete{
				OperationID: id,
				Success:     success,
				Error:       errMsg,
				Timestamp:   time.Now().UTC(),
			},
		})
	}
}

func (r *Runner) succeed(ctx context.Context, id string, opType Type, message string) {
	r.complete(ctx, id, opType, true, message, nil)
}

func (r *Runner) fail(ctx context.Context, id string, opType Type, err error) {
	r.log.Error().Err(err).Str("operation_id", id).Str("type", string(opType)).Msg("operation failed")
	r.complete(ctx, id, opType, false, "", err)
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
