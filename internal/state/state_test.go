package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancachemanager/core/internal/model"
)

func TestLoadAppState_DefaultsWhenAbsent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	st, err := s.LoadAppState()
	require.NoError(t, err)
	assert.NotNil(t, st.LogPositions)
	assert.False(t, st.SetupCompleted)
}

func TestSetLogPosition_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SetLogPosition("steam-lan", model.LogPosition{BytePosition: 4096, LineCount: 12}))
	pos, err := s.GetLogPosition("steam-lan")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), pos.BytePosition)
	assert.Equal(t, int64(12), pos.LineCount)

	// Unrelated datasource is untouched / defaults to zero.
	other, err := s.GetLogPosition("other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.BytePosition)
}

func TestWriteAtomic_CrashBetweenTmpAndRenameLeavesOldFileIntact(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "x.json")

	require.NoError(t, writeAtomic(target, []byte(`{"v":1}`), 0o644))

	// Simulate a crash: write the .tmp file but never rename it.
	require.NoError(t, os.WriteFile(target+".tmp", []byte(`{"v":2}`), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	// After a real write (which does rename), the new content is observed.
	require.NoError(t, writeAtomic(target, []byte(`{"v":3}`), 0o644))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"v":3}`, string(data))
}

func TestOperationHistory_AppendsInOrder(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AppendOperationHistory(OperationHistoryEntry{OperationRecord: model.OperationRecord{ID: "a"}}))
	require.NoError(t, s.AppendOperationHistory(OperationHistoryEntry{OperationRecord: model.OperationRecord{ID: "b"}}))

	hist, err := s.ListOperationHistory()
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[0].ID)
	assert.Equal(t, "b", hist[1].ID)
}

func TestSecretStore_RoundTrips(t *testing.T) {
	ss, err := NewSecretStore(t.TempDir(), "api-key-123")
	require.NoError(t, err)

	require.NoError(t, ss.Put("refresh-token", []byte("super-secret-value")))
	got, err := ss.Get("refresh-token")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", string(got))
}

func TestSecretStore_WrongKeyDoesNotDecryptToSamePlaintext(t *testing.T) {
	dir := t.TempDir()
	ss1, err := NewSecretStore(dir, "key-one")
	require.NoError(t, err)
	require.NoError(t, ss1.Put("s", []byte("hello world")))

	ss2, err := NewSecretStore(dir, "key-two")
	require.NoError(t, err)
	got, err := ss2.Get("s")
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", string(got))
}
