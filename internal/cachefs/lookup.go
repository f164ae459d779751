package cachefs

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
)

// HashMatcher reports whether a chunk's hex hash (its filename, lower-cased)
// belongs to the target a caller is searching for. Callers build this from
// domain knowledge this package doesn't have: internal/blizzard/tact's
// chunk map for Blizzard, internal/steamdepot's depot mapping for Steam.
type HashMatcher func(hash string) bool

// FindChunks walks service's directory tree and returns the full path of
// every file whose hash (its name, the leaf of the <aa>/<bb>/<hash> layout)
// satisfies matcher.
func (w *Walker) FindChunks(ctx context.Context, service string, matcher HashMatcher) ([]string, error) {
	root := w.ServicePath(service)
	var matches []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if matcher(strings.ToLower(d.Name())) {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}
