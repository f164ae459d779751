// Package state persists durable JSON state outside the relational store:
// per-datasource log positions, setup flags, crawl marks, and operation
// history. Every write is atomic (temp file + fsync + rename); every read
// tolerates absence by returning defaults.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lancachemanager/core/internal/model"
)

// Store reads and writes the JSON files under a single data directory.
type Store struct {
	dir string
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// writeAtomic writes data to name by writing name+".tmp", fsyncing it,
// and renaming it over the target. Renames are atomic on the same
// filesystem, so a crash between the write and the rename leaves the
// previous content intact.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

const appStateFile = "state.json"

// LoadAppState returns the persisted AppState, or a zero-value default (with
// an initialized LogPositions map) if the file doesn't exist yet.
func (s *Store) LoadAppState() (model.AppState, error) {
	data, err := os.ReadFile(s.path(appStateFile))
	if os.IsNotExist(err) {
		return model.AppState{LogPositions: map[string]model.LogPosition{}}, nil
	}
	if err != nil {
		return model.AppState{}, fmt.Errorf("read app state: %w", err)
	}
	var st model.AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.AppState{}, fmt.Errorf("parse app state: %w", err)
	}
	if st.LogPositions == nil {
		st.LogPositions = map[string]model.LogPosition{}
	}
	return st, nil
}

// SaveAppState atomically replaces the persisted AppState.
func (s *Store) SaveAppState(st model.AppState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal app state: %w", err)
	}
	return writeAtomic(s.path(appStateFile), data, 0o644)
}

// SetLogPosition updates a single datasource's position and persists the
// whole AppState atomically. Called after each committed ingestion batch.
func (s *Store) SetLogPosition(datasource string, pos model.LogPosition) error {
	st, err := s.LoadAppState()
	if err != nil {
		return err
	}
	st.LogPositions[datasource] = pos
	return s.SaveAppState(st)
}

// GetLogPosition returns the persisted position for a datasource, or the
// zero position if none has been recorded yet.
func (s *Store) GetLogPosition(datasource string) (model.LogPosition, error) {
	st, err := s.LoadAppState()
	if err != nil {
		return model.LogPosition{}, err
	}
	return st.LogPositions[datasource], nil
}

// -------------------- Operation history --------------------

const operationHistoryFile = "operation_history.json"

// OperationHistoryEntry is one completed operation kept for audit/recovery.
type OperationHistoryEntry struct {
	model.OperationRecord
	CompletedAt time.Time `json:"completed_at"`
}

// AppendOperationHistory adds entry to the append-only history file,
// atomically rewriting the whole file (the history is small; this keeps
// the same atomic-rename guarantee as every other state write).
func (s *Store) AppendOperationHistory(entry OperationHistoryEntry) error {
	history, err := s.ListOperationHistory()
	if err != nil {
		return err
	}
	history = append(history, entry)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal operation history: %w", err)
	}
	return writeAtomic(s.path(operationHistoryFile), data, 0o644)
}

// ListOperationHistory returns every recorded completed operation, oldest
// first, or an empty slice if none has been recorded yet.
func (s *Store) ListOperationHistory() ([]OperationHistoryEntry, error) {
	data, err := os.ReadFile(s.path(operationHistoryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read operation history: %w", err)
	}
	var out []OperationHistoryEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse operation history: %w", err)
	}
	return out, nil
}
