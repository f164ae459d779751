// Package cachefs walks the on-disk cache's two-level hex directory layout
// (<service>/<aa>/<bb>/<full-hash>) to compute size, enumerate services,
// scan for corrupt chunks, and locate chunks belonging to a given game.
// Every walk is cancellable and skips unreadable entries rather than
// failing outright.
package cachefs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lancachemanager/core/internal/config"
)

const hexDirLen = 2

// knownServices mirrors internal/logparse's canonical service names;
// service enumeration only reports directories matching one of these.
var knownServices = map[string]bool{
	"steam":     true,
	"epic":      true,
	"blizzard":  true,
	"riot":      true,
	"wsus":      true,
	"origin":    true,
	"ubisoft":   true,
	"gog":       true,
	"nintendo":  true,
	"sony":      true,
	"microsoft": true,
	"apple":     true,
	"frontier":  true,
	"nexusmods": true,
	"wargaming": true,
	"arenanet":  true,
}

// Walker operates on a single cache root directory.
type Walker struct {
	root string
}

// NewWalker constructs a Walker rooted at the cache directory root.
func NewWalker(root string) *Walker {
	return &Walker{root: root}
}

// ServicePath returns the on-disk directory for one service.
func (w *Walker) ServicePath(service string) string {
	return filepath.Join(w.root, service)
}

// Services enumerates the top-level cache directories, filtered to known
// service names, sorted for deterministic output.
func (w *Walker) Services() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachefs: read cache root: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if knownServices[strings.ToLower(e.Name())] {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// EstimatedDeleteSeconds projects how long a deletion would take by method,
// per config.DeleteRates' files-per-second heuristics.
type EstimatedDeleteSeconds struct {
	Preserve float64
	Full     float64
	Rsync    float64
}

// SizeReport is the result of a Size walk.
type SizeReport struct {
	TotalBytes             int64
	TotalFiles             int64
	TotalDirectories       int64
	HexDirectories         int64
	ScanDuration           time.Duration
	EstimatedDeleteSeconds EstimatedDeleteSeconds
}

// Size recursively walks service's directory (or the whole cache root, if
// service is ""), accumulating byte and file counts, and projects deletion
// time for each supported deletion method. The walk stops as soon as ctx is
// cancelled, returning ctx.Err().
func (w *Walker) Size(ctx context.Context, service string, rates config.DeleteRates) (SizeReport, error) {
	root := w.root
	if service != "" {
		root = w.ServicePath(service)
	}

	start := time.Now()
	var report SizeReport
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable entry: skip and count doesn't apply below the root
		}
		if d.IsDir() {
			if path != root {
				report.TotalDirectories++
				if isHexDir(d.Name()) {
					report.HexDirectories++
				}
			}
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		report.TotalFiles++
		report.TotalBytes += info.Size()
		return nil
	})
	report.ScanDuration = time.Since(start)
	if err != nil {
		return report, err
	}

	report.EstimatedDeleteSeconds = estimateDeleteSeconds(report.TotalFiles, rates)
	return report, nil
}

func estimateDeleteSeconds(files int64, rates config.DeleteRates) EstimatedDeleteSeconds {
	var est EstimatedDeleteSeconds
	if rates.Preserve > 0 {
		est.Preserve = float64(files) / rates.Preserve
	}
	if rates.Full > 0 {
		est.Full = float64(files) / rates.Full
	}
	if rates.Rsync > 0 {
		est.Rsync = float64(files) / rates.Rsync
	}
	return est
}

func isHexDir(name string) bool {
	if len(name) != hexDirLen {
		return false
	}
	for _, c := range name {
		if !isHexChar(c) {
			return false
		}
	}
	return true
}

func isHexChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
