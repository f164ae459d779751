package jobs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/state"
	"github.com/lancachemanager/core/internal/store"
)

// staleOperationAge is how old a non-terminal operation record may be
// before startup recovery prunes it.
const staleOperationAge = 24 * time.Hour

// Recover replays persisted operation state after a restart. Terminal
// operations are announced once on their completion topic and moved into
// the durable history; operations whose recorded child process is gone are
// finalized as orphaned; non-terminal records older than staleOperationAge
// are pruned. Announcing happens exactly once because announced records
// are deleted from the table in the same pass.
func Recover(ctx context.Context, repo store.Repo, states *state.Store, bus *events.Bus, log zerolog.Logger) error {
	ops, err := repo.ListOperations(ctx, store.OperationFilter{})
	if err != nil {
		return fmt.Errorf("jobs: list persisted operations: %w", err)
	}

	now := time.Now().UTC()
	for _, op := range ops {
		terminal := op.Succeeded || op.Cancelled || op.Error != ""

		if !terminal && op.ChildPID != nil && !processRunning(*op.ChildPID) {
			log.Warn().Str("operation_id", op.ID).Int("child_pid", *op.ChildPID).Msg("operation orphaned: child process gone")
			op.Error = "orphaned"
			terminal = true
		}
		if !terminal {
			continue
		}

		if topic := topicsByType[Type(op.Type)].Complete; topic != "" {
			bus.Publish(events.Event{
				Topic: topic,
				Payload: events.OperationComplete{
					OperationID: op.ID,
					Success:     op.Succeeded,
					Error:       op.Error,
					Timestamp:   now,
				},
			})
		} else {
			bus.Publish(events.Event{
				Topic: events.TopicFastProcessingComplete,
				Payload: events.OperationComplete{
					OperationID: op.ID,
					Success:     op.Succeeded,
					Error:       op.Error,
					Timestamp:   now,
				},
			})
		}

		if err := states.AppendOperationHistory(state.OperationHistoryEntry{OperationRecord: op, CompletedAt: now}); err != nil {
			log.Warn().Err(err).Str("operation_id", op.ID).Msg("failed to record operation history")
		}
		if err := repo.DeleteOperation(ctx, op.ID); err != nil {
			return fmt.Errorf("jobs: delete announced operation %s: %w", op.ID, err)
		}
	}

	pruned, err := repo.PruneOldOperations(ctx, now.Add(-staleOperationAge))
	if err != nil {
		return fmt.Errorf("jobs: prune stale operations: %w", err)
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("pruned stale operation records")
	}
	return nil
}

// processRunning probes pid with signal 0, which delivers nothing but
// fails if the process does not exist.
func processRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
