package opreg

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancachemanager/core/internal/events"
)

func TestRegister_ContextCancelledOnCancel(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	id, ctx := r.Register(context.Background(), "cache_clear", "clear steam", nil)
	require.NotEmpty(t, id)

	assert.True(t, r.Cancel(id))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}

	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, info.Status)
}

func TestCancel_IdempotentAndUnknownIDReturnsFalse(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	id, _ := r.Register(context.Background(), "game_remove", "remove tf2", nil)
	assert.True(t, r.Cancel(id))
	assert.True(t, r.Cancel(id)) // idempotent

	assert.False(t, r.Cancel("does-not-exist"))
}

func TestComplete_PublishesExactlyOnce(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.TopicFastProcessingComplete)
	defer sub.Close()

	r := New(bus)
	id, _ := r.Register(context.Background(), "corruption_remove", "scrub", nil)

	r.Complete(id, true, nil)
	r.Complete(id, false, errors.New("ignored")) // must be a no-op

	received := 0
loop:
	for {
		select {
		case ev := <-sub.C:
			received++
			payload, ok := ev.Payload.(events.OperationComplete)
			require.True(t, ok)
			assert.True(t, payload.Success)
		default:
			break loop
		}
	}
	assert.Equal(t, 1, received)

	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, float64(100), info.Percent)
}

func TestUpdateProgress_NeverDecreases(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)
	id, _ := r.Register(context.Background(), "log_service_remove", "remove blizzard logs", nil)

	r.UpdateProgress(id, 50, "half way")
	info, _ := r.Get(id)
	assert.Equal(t, float64(50), info.Percent)

	r.UpdateProgress(id, 10, "regression attempt")
	info, _ = r.Get(id)
	assert.Equal(t, float64(50), info.Percent, "percent must never decrease")
}

func TestUpdateProgress_IgnoredAfterComplete(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)
	id, _ := r.Register(context.Background(), "cache_clear", "clear", nil)

	r.Complete(id, true, nil)
	r.UpdateProgress(id, 10, "too late")

	info, _ := r.Get(id)
	assert.Equal(t, float64(100), info.Percent)
}

func TestForceKill_RequiresChildProcess(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	idNoChild, _ := r.Register(context.Background(), "service_remove", "remove origin", nil)
	assert.Error(t, r.ForceKill(idNoChild))

	killed := false
	idWithChild, _ := r.Register(context.Background(), "depot_crawl", "crawl", func() error {
		killed = true
		return nil
	})
	require.NoError(t, r.ForceKill(idWithChild))
	assert.True(t, killed)

	assert.Error(t, r.ForceKill("unknown"))
}

func TestList_FiltersByTypeAndStatus(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	id1, _ := r.Register(context.Background(), "cache_clear", "a", nil)
	id2, _ := r.Register(context.Background(), "game_remove", "b", nil)
	r.Cancel(id2)

	all := r.List(Filter{})
	assert.Len(t, all, 2)

	onlyCacheClear := r.List(Filter{Type: "cache_clear"})
	require.Len(t, onlyCacheClear, 1)
	assert.Equal(t, id1, onlyCacheClear[0].ID)

	onlyCancelled := r.List(Filter{Status: StatusCancelled})
	require.Len(t, onlyCancelled, 1)
	assert.Equal(t, id2, onlyCancelled[0].ID)
}

func TestMarkOrphaned_SkipsCompletedOperations(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	id, _ := r.Register(context.Background(), "cache_clear", "a", nil)
	r.Complete(id, true, nil)
	r.MarkOrphaned(id)

	info, _ := r.Get(id)
	assert.Equal(t, StatusCompleted, info.Status, "a completed operation must not be reclassified as orphaned")
}

func TestForget_RemovesFromRegistry(t *testing.T) {
	bus := events.NewBus()
	r := New(bus)

	id, _ := r.Register(context.Background(), "cache_clear", "a", nil)
	r.Forget(id)

	_, ok := r.Get(id)
	assert.False(t, ok)
}
