package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/core/internal/config"
)

// CacheClear deletes every file under every service directory (or under a
// single service's directory, if service is non-empty), optionally
// preserving the two-level hex directory skeleton. It returns the
// registered operation id immediately; the work runs in the background.
func (r *Runner) CacheClear(parent context.Context, service string, preserveSkeleton bool) string {
	name := "cache clear: all services"
	if service != "" {
		name = "cache clear: " + service
	}
	id, ctx := r.registry.Register(parent, string(TypeCacheClear), name, nil)
	go r.runRemoval(ctx, id, TypeCacheClear, service, preserveSkeleton)
	return id
}

// ServiceRemove is CacheClear scoped to exactly one service, published
// under its own operation type and topics.
func (r *Runner) ServiceRemove(parent context.Context, service string) string {
	id, ctx := r.registry.Register(parent, string(TypeServiceRemove), "service remove: "+service, nil)
	go r.runRemoval(ctx, id, TypeServiceRemove, service, false)
	return id
}

func (r *Runner) runRemoval(ctx context.Context, id string, opType Type, service string, preserveSkeleton bool) {
	services := []string{service}
	if service == "" {
		var err error
		services, err = r.walker.Services()
		if err != nil {
			r.fail(ctx, id, opType, err)
			return
		}
	}

	var total int64
	for _, svc := range services {
		report, err := r.walker.Size(ctx, svc, config.DeleteRates{})
		if err != nil {
			r.fail(ctx, id, opType, err)
			return
		}
		total += report.TotalFiles
	}
	if total == 0 {
		r.succeed(ctx, id, opType, "nothing to delete")
		return
	}

	var deleted int64
	var mu sync.Mutex

	for _, svc := range services {
		if ctx.Err() != nil {
			break
		}
		root := r.walker.ServicePath(svc)
		paths, err := r.walker.FindChunks(ctx, svc, func(string) bool { return true })
		if err != nil && !errors.Is(err, context.Canceled) {
			r.fail(ctx, id, opType, err)
			return
		}

		var eg errgroup.Group
		eg.SetLimit(r.workers)
		for _, p := range paths {
			p := p
			eg.Go(func() error {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				if err := os.Remove(p); err != nil {
					r.log.Warn().Err(err).Str("path", p).Msg("failed to delete cache file")
					return nil
				}
				mu.Lock()
				deleted++
				done := deleted
				mu.Unlock()
				r.updateProgress(ctx, id, opType, percentOf(done, total), fmt.Sprintf("deleted %d/%d files", done, total))
				return nil
			})
		}
		_ = eg.Wait()

		if !preserveSkeleton {
			removeEmptyDirs(root)
		}
	}

	if ctx.Err() != nil {
		r.cancelled(ctx, id, opType, fmt.Sprintf("cancelled after deleting %d/%d files", deleted, total))
		return
	}
	r.succeed(ctx, id, opType, fmt.Sprintf("deleted %d files", deleted))
}

// cancelled finalizes id as cancelled rather than failed or succeeded.
func (r *Runner) cancelled(ctx context.Context, id string, opType Type, message string) {
	r.complete(ctx, id, opType, false, message, nil)
}

// removeEmptyDirs removes every now-empty directory under root, deepest
// first, ignoring directories that still have content. Best-effort: a
// failure to remove one directory doesn't stop the rest.
func removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
}
