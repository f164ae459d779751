// Package opreg implements the process-wide operation registry: a
// catalogue of in-flight long-running jobs, keyed by a random id, each
// carrying a cancellation token, an optional child-process handle, and a
// throttled progress channel. Jobs register here; the API layer (out of
// scope) polls Get/List and drives Cancel/ForceKill.
package opreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lancachemanager/core/internal/events"
)

// Status is the lifecycle state of a registered operation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusOrphaned  Status = "orphaned"
)

// Info is the public snapshot of a registered operation, returned by Get
// and List.
type Info struct {
	ID        string
	Type      string
	Name      string
	Status    Status
	Percent   float64
	Message   string
	StartedAt time.Time
	Success   bool
	Error     string
	ChildPID  int // 0 if there is no child process
}

// entry is the registry's internal bookkeeping for one operation.
type entry struct {
	mu        sync.Mutex
	info      Info
	cancel    context.CancelFunc
	limiter   *rate.Limiter
	completed bool
	childKill func() error // nil if there is no child process
}

// Filter narrows List to a subset of operations.
type Filter struct {
	Type   string // empty matches any type
	Status Status // empty matches any status
}

// Registry is the process-wide catalogue. The zero value is not usable;
// construct with New.
type Registry struct {
	bus *events.Bus

	mu  sync.RWMutex
	ops map[string]*entry
}

// New constructs a Registry that publishes progress and completion events
// onto bus.
func New(bus *events.Bus) *Registry {
	return &Registry{bus: bus, ops: make(map[string]*entry)}
}

// Register creates a new operation entry and returns its id and a
// context.Context derived from parent that is cancelled when Cancel or
// ForceKill is called for this id. childKill, if non-nil, is invoked by
// ForceKill to terminate an out-of-process worker; it may be nil for
// purely in-process jobs.
func (r *Registry) Register(parent context.Context, opType, name string, childKill func() error) (string, context.Context) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)

	e := &entry{
		info: Info{
			ID:        id,
			Type:      opType,
			Name:      name,
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel:    cancel,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		childKill: childKill,
	}

	r.mu.Lock()
	r.ops[id] = e
	r.mu.Unlock()

	return id, ctx
}

// Cancel requests cancellation of id. It is idempotent: cancelling an
// already-cancelled or already-completed operation still returns true.
// An unknown id returns false.
func (r *Registry) Cancel(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return true
	}
	if e.info.Status == StatusRunning {
		e.info.Status = StatusCancelled
	}
	e.cancel()
	return true
}

// ForceKill signals id's child process, if it has one. Unknown id or an
// operation with no child process returns an error.
func (r *Registry) ForceKill(id string) error {
	e := r.lookup(id)
	if e == nil {
		return fmt.Errorf("operation %s not found", id)
	}
	e.mu.Lock()
	kill := e.childKill
	e.mu.Unlock()
	if kill == nil {
		return fmt.Errorf("operation %s has no child process", id)
	}
	return kill()
}

// Get returns a snapshot of id's current state.
func (r *Registry) Get(id string) (Info, bool) {
	e := r.lookup(id)
	if e == nil {
		return Info{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// List returns a snapshot of every operation matching filter.
func (r *Registry) List(filter Filter) []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.ops))
	for _, e := range r.ops {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := e.info
		e.mu.Unlock()
		if filter.Type != "" && info.Type != filter.Type {
			continue
		}
		if filter.Status != "" && info.Status != filter.Status {
			continue
		}
		out = append(out, info)
	}
	return out
}

// UpdateProgress records id's current percent/message and, subject to a
// per-id token-bucket throttle of at most one emission per second,
// publishes an OperationProgress event. Percent must be non-decreasing;
// callers that violate this have their update clamped to the last known
// percent, so emitted progress never regresses.
func (r *Registry) UpdateProgress(id string, percent float64, message string) {
	e := r.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	if percent < e.info.Percent {
		percent = e.info.Percent
	}
	e.info.Percent = percent
	e.info.Message = message
	allowed := e.limiter.Allow()
	e.mu.Unlock()

	if !allowed {
		return
	}
	r.bus.Publish(events.Event{
		Topic: events.TopicProcessingProgress,
		Payload: events.OperationProgress{
			OperationID: id,
			Percent:     percent,
			Message:     message,
			Timestamp:   time.Now().UTC(),
		},
	})
}

// Complete marks id finished, frees its cancellation resources, and
// publishes exactly one OperationComplete event. Further UpdateProgress
// or Complete calls for id are no-ops.
func (r *Registry) Complete(id string, success bool, opErr error) {
	e := r.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return
	}
	e.completed = true
	e.info.Success = success
	if opErr != nil {
		e.info.Error = opErr.Error()
	}
	if e.info.Status == StatusRunning {
		e.info.Status = StatusCompleted
	}
	if success {
		e.info.Percent = 100
	}
	e.cancel()
	e.mu.Unlock()

	errMsg := ""
	if opErr != nil {
		errMsg = opErr.Error()
	}
	r.bus.Publish(events.Event{
		Topic: events.TopicFastProcessingComplete,
		Payload: events.OperationComplete{
			OperationID: id,
			Success:     success,
			Error:       errMsg,
			Timestamp:   time.Now().UTC(),
		},
	})
}

// MarkOrphaned flags id as orphaned (its child process is no longer
// running, and it was not already terminal) without publishing a
// completion event. Used by startup recovery.
func (r *Registry) MarkOrphaned(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed {
		return
	}
	e.info.Status = StatusOrphaned
}

// Forget removes id from the registry entirely, regardless of status.
// Used after an operation's terminal state has been durably recorded in
// operation history (internal/state) and need not be kept in memory.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[id]
}
