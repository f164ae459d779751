package jobs

import (
	"context"
	"fmt"
)

// defaultResetTables is the full set a bare DatabaseReset truncates, in
// dependency order (children before parents).
var defaultResetTables = []string{
	"log_entries",
	"downloads",
	"client_rollups",
	"service_rollups",
	"depot_mappings",
	"prefill_cached_depots",
	"cache_snapshots",
}

// DatabaseReset truncates the named tables (every derived table if tables
// is empty) as a registered operation with per-table progress. Returns the
// operation id immediately.
func (r *Runner) DatabaseReset(parent context.Context, tables []string) string {
	if len(tables) == 0 {
		tables = defaultResetTables
	}
	id, ctx := r.registry.Register(parent, string(TypeDatabaseReset), fmt.Sprintf("database reset: %d tables", len(tables)), nil)
	go r.runDatabaseReset(ctx, id, tables)
	return id
}

func (r *Runner) runDatabaseReset(ctx context.Context, id string, tables []string) {
	for i, table := range tables {
		if ctx.Err() != nil {
			r.cancelled(ctx, id, TypeDatabaseReset, fmt.Sprintf("cancelled after %d/%d tables", i, len(tables)))
			return
		}
		if err := r.repo.TruncateTables(ctx, []string{table}); err != nil {
			r.fail(ctx, id, TypeDatabaseReset, fmt.Errorf("truncate %s: %w", table, err))
			return
		}
		r.updateProgress(ctx, id, TypeDatabaseReset, percentOf(int64(i+1), int64(len(tables))),
			fmt.Sprintf("truncated %s (%d/%d)", table, i+1, len(tables)))
	}
	r.succeed(ctx, id, TypeDatabaseReset, fmt.Sprintf("truncated %d tables", len(tables)))
}
