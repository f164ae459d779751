package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancachemanager/core/internal/cachefs"
	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/opreg"
	"github.com/lancachemanager/core/internal/state"
	"github.com/lancachemanager/core/internal/store"
)

// fakeRepo is a minimal in-memory store.Repo; unimplemented methods panic
// if a job reaches for them unexpectedly.
type fakeRepo struct {
	store.Repo

	mu              sync.Mutex
	saved           map[string]model.OperationRecord
	deletedServices []string
	inactiveApps    []int64
	truncated       []string
	listed          []model.OperationRecord
	deletedOps      []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{saved: map[string]model.OperationRecord{}}
}

func (f *fakeRepo) SaveOperation(ctx context.Context, op model.OperationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[op.ID] = op
	return nil
}

func (f *fakeRepo) DeleteLogEntriesForService(ctx context.Context, service string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedServices = append(f.deletedServices, service)
	return 3, nil
}

func (f *fakeRepo) MarkDownloadsInactiveForApp(ctx context.Context, appID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactiveApps = append(f.inactiveApps, appID)
	return 1, nil
}

func (f *fakeRepo) TruncateTables(ctx context.Context, tables []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncated = append(f.truncated, tables...)
	return nil
}

func (f *fakeRepo) ListOperations(ctx context.Context, filter store.OperationFilter) ([]model.OperationRecord, error) {
	return f.listed, nil
}

func (f *fakeRepo) DeleteOperation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedOps = append(f.deletedOps, id)
	return nil
}

func (f *fakeRepo) PruneOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func newTestRunner(t *testing.T, cacheRoot string, repo store.Repo) (*Runner, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	registry := opreg.New(bus)
	walker := cachefs.NewWalker(cacheRoot)
	return NewRunner(repo, registry, bus, walker, 2, zerolog.Nop()), bus
}

// waitComplete blocks until an OperationComplete for id arrives on sub.
func waitComplete(t *testing.T, sub *events.Subscription, id string) events.OperationComplete {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if done, ok := ev.Payload.(events.OperationComplete); ok && done.OperationID == id {
				return done
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completion of %s", id)
		}
	}
}

func writeCacheFile(t *testing.T, root string, parts ...string) string {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts...)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("BLTE....chunkdata"), 0o644))
	return path
}

func TestLogServiceRemoveRewritesFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "access.log")
	lines := []string{
		`[steam] 10.0.0.1 - - [01/Jan/2025:10:00:00] "GET /depot/440/chunk/ab HTTP/1.1" 200 1000 "HIT"`,
		`[epic] 10.0.0.2 - - [01/Jan/2025:10:00:01] "GET /Builds/blob HTTP/1.1" 200 2000 "MISS"`,
		`not a log line at all`,
		`[steam] 10.0.0.1 - - [01/Jan/2025:10:00:02] "GET /depot/440/chunk/cd HTTP/1.1" 200 3000 "MISS"`,
	}
	require.NoError(t, os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	repo := newFakeRepo()
	runner, bus := newTestRunner(t, t.TempDir(), repo)

	sub := bus.Subscribe(events.TopicLogRemovalComplete)
	defer sub.Close()

	id := runner.LogServiceRemove(context.Background(), logPath, "steam")
	done := waitComplete(t, sub, id)
	assert.True(t, done.Success)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	kept := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, kept, 2)
	assert.Contains(t, kept[0], "[epic]")
	assert.Equal(t, "not a log line at all", kept[1])

	assert.Equal(t, []string{"steam"}, repo.deletedServices)
	_, err = os.Stat(logPath + ".rewrite")
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptionRemoveDeletesFlaggedChunks(t *testing.T) {
	cacheRoot := t.TempDir()
	good := writeCacheFile(t, cacheRoot, "blizzard", "ab", "cd", "abcd0123")
	badPath := filepath.Join(cacheRoot, "blizzard", "ef", "01", "ef010123")
	require.NoError(t, os.MkdirAll(filepath.Dir(badPath), 0o755))
	require.NoError(t, os.WriteFile(badPath, []byte("NOTBLTE"), 0o644))

	repo := newFakeRepo()
	runner, bus := newTestRunner(t, cacheRoot, repo)

	sub := bus.Subscribe(events.TopicCorruptionRemovalComplete)
	defer sub.Close()

	id := runner.CorruptionRemove(context.Background(), "blizzard")
	done := waitComplete(t, sub, id)
	assert.True(t, done.Success)

	_, err := os.Stat(badPath)
	assert.True(t, os.IsNotExist(err), "corrupt chunk should be deleted")
	_, err = os.Stat(good)
	assert.NoError(t, err, "valid chunk should survive")
}

func TestGameRemoveDeletesMatchedChunksAndSealsDownloads(t *testing.T) {
	cacheRoot := t.TempDir()
	target := writeCacheFile(t, cacheRoot, "steam", "aa", "bb", "aabb1111")
	other := writeCacheFile(t, cacheRoot, "steam", "cc", "dd", "ccdd2222")

	repo := newFakeRepo()
	runner, bus := newTestRunner(t, cacheRoot, repo)

	sub := bus.Subscribe(events.TopicGameRemovalComplete)
	defer sub.Close()

	id := runner.GameRemove(context.Background(), 440, "steam", func(hash string) bool {
		return hash == "aabb1111"
	})
	done := waitComplete(t, sub, id)
	assert.True(t, done.Success)

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.NoError(t, err)
	assert.Equal(t, []int64{440}, repo.inactiveApps)
}

func TestDatabaseResetTruncatesInOrder(t *testing.T) {
	repo := newFakeRepo()
	runner, bus := newTestRunner(t, t.TempDir(), repo)

	sub := bus.Subscribe(events.TopicFastProcessingComplete)
	defer sub.Close()

	id := runner.DatabaseReset(context.Background(), []string{"log_entries", "downloads"})
	done := waitComplete(t, sub, id)
	assert.True(t, done.Success)
	assert.Equal(t, []string{"log_entries", "downloads"}, repo.truncated)
}

func TestRecoverAnnouncesTerminalOperationsOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.listed = []model.OperationRecord{
		{ID: "op-1", Type: string(TypeCacheClear), Name: "cache clear", Succeeded: true, Percent: 100},
		{ID: "op-2", Type: string(TypeGameRemove), Name: "game remove", Cancelled: true},
		{ID: "op-3", Type: string(TypeCacheClear), Name: "still running"},
	}

	bus := events.NewBus()
	sub := bus.Subscribe(events.TopicCacheClearComplete, events.TopicGameRemovalComplete)
	defer sub.Close()

	states, err := state.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, Recover(context.Background(), repo, states, bus, zerolog.Nop()))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C:
			done := ev.Payload.(events.OperationComplete)
			got[done.OperationID] = done.Success
		case <-time.After(time.Second):
			t.Fatal("expected two completion announcements")
		}
	}
	assert.True(t, got["op-1"])
	assert.False(t, got["op-2"])

	assert.ElementsMatch(t, []string{"op-1", "op-2"}, repo.deletedOps)

	history, err := states.ListOperationHistory()
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
