// Package store is the embedded relational store: downloads, per-
// client/per-service rollups, raw log rows, depot mappings, cache
// snapshots, and operations. It owns all persisted entities exclusively;
// every mutating component goes through the Repo interface.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRows re-exports sql.ErrNoRows so callers don't need database/sql.
var ErrNoRows = sql.ErrNoRows

// DB bundles two connection handles: a single writer connection
// (serialized via SetMaxOpenConns(1)) and a separate read-only,
// multi-connection pool for concurrent lock-free readers.
type DB struct {
	Write *sql.DB
	Read  *sql.DB
}

// Open opens (or creates) the SQLite database at path with WAL durability,
// applies every *.sql migration in lexicographic order, and returns both
// connection handles. Call Close when done.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	writeDSN := path +
		"?_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	writeDB, err := sql.Open("sqlite", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetConnMaxIdleTime(0)
	writeDB.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := writeDB.PingContext(pingCtx); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := applyMigrations(ctx, writeDB); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	readDSN := path +
		"?_pragma=foreign_keys(ON)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&mode=ro"
	readDB, err := sql.Open("sqlite", readDSN)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	return &DB{Write: writeDB, Read: readDB}, nil
}

// Close closes both handles.
func (d *DB) Close() error {
	err1 := d.Write.Close()
	err2 := d.Read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// applyMigrations runs every embedded *.sql file in lexicographic order,
// each in its own transaction. The migrations are embedded instead of
// read from a directory at runtime so the binary carries its own schema.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return errors.New("no embedded migrations found")
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
	}
	return nil
}
