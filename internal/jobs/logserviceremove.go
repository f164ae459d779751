package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/lancachemanager/core/internal/logparse"
)

// maxLogLine bounds a single access-log line during the rewrite; lines
// longer than this are preserved verbatim but cannot be service-matched.
const maxLogLine = 1 << 20

// LogServiceRemove rewrites one datasource's access log, omitting every
// line whose service label matches service, then deletes that service's
// raw rows from the store. The rewrite is out-of-place: the filtered copy
// is built next to the original and renamed over it, so a crash mid-way
// leaves the original intact. Returns the operation id immediately.
func (r *Runner) LogServiceRemove(parent context.Context, logPath, service string) string {
	id, ctx := r.registry.Register(parent, string(TypeLogServiceRemove), "log remove: "+service, nil)
	go r.runLogServiceRemove(ctx, id, logPath, service)
	return id
}

func (r *Runner) runLogServiceRemove(ctx context.Context, id, logPath, service string) {
	src, err := os.Open(logPath)
	if err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("open log: %w", err))
		return
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("stat log: %w", err))
		return
	}
	total := fi.Size()

	tmpPath := logPath + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("create rewrite file: %w", err))
		return
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed into place
	}()

	writer := bufio.NewWriterSize(tmp, 1<<20)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)

	var consumed, removed, kept int64
	for scanner.Scan() {
		if ctx.Err() != nil {
			r.cancelled(ctx, id, TypeLogServiceRemove, fmt.Sprintf("cancelled after %d lines, original log untouched", kept+removed))
			return
		}
		line := scanner.Text()
		consumed += int64(len(line)) + 1

		if rec, ok := logparse.Parse(line); ok && rec.Service == service {
			removed++
		} else {
			if _, err := writer.WriteString(line); err != nil {
				r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("write rewrite file: %w", err))
				return
			}
			if err := writer.WriteByte('\n'); err != nil {
				r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("write rewrite file: %w", err))
				return
			}
			kept++
		}

		if (kept+removed)%10000 == 0 {
			r.updateProgress(ctx, id, TypeLogServiceRemove, percentOf(consumed, total),
				fmt.Sprintf("filtered %d lines, removed %d", kept+removed, removed))
		}
	}
	if err := scanner.Err(); err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("read log: %w", err))
		return
	}

	if err := writer.Flush(); err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("flush rewrite file: %w", err))
		return
	}
	if err := tmp.Sync(); err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("sync rewrite file: %w", err))
		return
	}
	if err := os.Rename(tmpPath, logPath); err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("replace log: %w", err))
		return
	}

	rows, err := r.repo.DeleteLogEntriesForService(ctx, service)
	if err != nil {
		r.fail(ctx, id, TypeLogServiceRemove, fmt.Errorf("delete stored rows: %w", err))
		return
	}
	r.succeed(ctx, id, TypeLogServiceRemove, fmt.Sprintf("removed %d log lines and %d stored rows", removed, rows))
}
