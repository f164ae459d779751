package tact

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/core/internal/model"
)

// versionsURLFormat / cdnsURLFormat are the TACT patch-service endpoints for a product
// code.
const (
	versionsURLFormat = "http://us.patch.battle.net:1119/%s/versions"
	cdnsURLFormat     = "http://us.patch.battle.net:1119/%s/cdns"
)

// Filter narrows which install entries FindFile/Rebuild consider.
type Filter struct {
	Languages []string // matched as "3=<lang>" tags (install tag type 3, Locale)
	Platforms []string // matched as "1=<plat>" tags (install tag type 1, Platform)
}

// Install-manifest tag types for the filterable tag kinds; entry tags are
// rendered as "<type>=<name>" with the numeric type.
const (
	installTagTypePlatform = 1
	installTagTypeLocale   = 3
)

func (f Filter) tagList() []string {
	var out []string
	for _, l := range f.Languages {
		out = append(out, fmt.Sprintf("%d=%s", installTagTypeLocale, l))
	}
	for _, p := range f.Platforms {
		out = append(out, fmt.Sprintf("%d=%s", installTagTypePlatform, p))
	}
	return out
}

// chunkKey is the lookup key for a located chunk: which archive, and the
// byte offset within it.
type chunkKey struct {
	archiveIndex int
	offset       uint32
}

// Attributor builds and holds the (archive, offset) -> game-file map for
// one product. Each Rebuild replaces the map wholesale; nothing from a
// previous build survives.
type Attributor struct {
	mu       sync.RWMutex
	product  string
	byChunk  map[chunkKey]model.GameFileInfo
	archives []string // archive hashes configured for this product, in order
}

// NewAttributor constructs an empty Attributor for product (e.g. "wow").
func NewAttributor(product string) *Attributor {
	return &Attributor{product: product, byChunk: make(map[chunkKey]model.GameFileInfo)}
}

// FindFile returns the game file located at (archiveIndex, byteOffset), if
// the most recent Rebuild located one there.
func (a *Attributor) FindFile(archiveIndex int, byteOffset uint32) (model.GameFileInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info, ok := a.byChunk[chunkKey{archiveIndex: archiveIndex, offset: byteOffset}]
	return info, ok
}

// archiveFetchConcurrency bounds parallel per-archive downloads, kept
// modest since each archive index can be tens of MB.
const archiveFetchConcurrency = 4

// Rebuild performs the full attribution pipeline: resolve the current
// build, fetch and parse the install manifest and encoding table, fetch
// every configured archive's index, and populate the chunk map.
// Individual archive fetch failures are reported through the returned
// per-archive errors slice and never abort the whole rebuild.
func (a *Attributor) Rebuild(ctx context.Context, client *Client, filter Filter) (archiveErrs []error, err error) {
	versionsData, err := client.fetch(ctx, fmt.Sprintf(versionsURLFormat, a.product))
	if err != nil {
		return nil, fmt.Errorf("tact: fetch versions: %w", err)
	}
	versions, err := ParseVersions(versionsData)
	if err != nil {
		return nil, err
	}

	cdnsData, err := client.fetch(ctx, fmt.Sprintf(cdnsURLFormat, a.product))
	if err != nil {
		return nil, fmt.Errorf("tact: fetch cdns: %w", err)
	}
	cdns, err := ParseCDNs(cdnsData)
	if err != nil {
		return nil, err
	}
	host, err := cdns.ResolveHost()
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("http://%s/%s", host, cdns.Path)

	buildConfig, err := a.fetchConfig(ctx, client, base, "config", versions.BuildConfig)
	if err != nil {
		return nil, fmt.Errorf("tact: fetch build config: %w", err)
	}
	cdnConfig, err := a.fetchConfig(ctx, client, base, "config", versions.CDNConfig)
	if err != nil {
		return nil, fmt.Errorf("tact: fetch cdn config: %w", err)
	}

	installHash := buildConfig.FirstHash("install")
	installData, err := a.fetchBLTE(ctx, client, base, "data", installHash)
	if err != nil {
		return nil, fmt.Errorf("tact: fetch install manifest: %w", err)
	}
	install, err := ParseInstallManifest(installData)
	if err != nil {
		return nil, fmt.Errorf("tact: parse install manifest: %w", err)
	}

	encodingHash := buildConfig.FirstHash("encoding")
	// Some build configs list encoding as "<ckey> <ekey>"; the second
	// token is the content-addressed hash actually on the CDN.
	if fields := buildConfig.HashList("encoding"); len(fields) > 1 {
		encodingHash = fields[1]
	}
	encodingData, err := a.fetchBLTE(ctx, client, base, "data", encodingHash)
	if err != nil {
		return nil, fmt.Errorf("tact: fetch encoding table: %w", err)
	}
	encoding, err := ParseEncodingTable(encodingData)
	if err != nil {
		return nil, fmt.Errorf("tact: parse encoding table: %w", err)
	}

	archives := cdnConfig.HashList("archives")

	var mu sync.Mutex
	archiveMaps := make(map[int]map[[16]byte]ArchiveIndexEntry, len(archives))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveFetchConcurrency)

	for i, hash := range archives {
		i, hash := i, hash
		g.Go(func() error {
			if len(hash) < 4 {
				mu.Lock()
				archiveErrs = append(archiveErrs, fmt.Errorf("archive %d: hash %q too short", i, hash))
				mu.Unlock()
				return nil
			}
			idxPath := fmt.Sprintf("%s/data/%s/%s/%s.index", base, hash[0:2], hash[2:4], hash)
			data, err := client.fetch(gctx, idxPath)
			if err != nil {
				mu.Lock()
				archiveErrs = append(archiveErrs, fmt.Errorf("archive %d (%s): %w", i, hash, err))
				mu.Unlock()
				return nil // a single archive failure never aborts the rebuild
			}
			entries, err := ParseArchiveIndex(i, data)
			if err != nil {
				mu.Lock()
				archiveErrs = append(archiveErrs, fmt.Errorf("archive %d (%s): %w", i, hash, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			archiveMaps[i] = entries
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return archiveErrs, err
	}

	byChunk := make(map[chunkKey]model.GameFileInfo)
	wantTags := filter.tagList()
	for _, entry := range install.FilterByTags(wantTags) {
		eKey, ok := encoding.Lookup(entry.ContentHash)
		if !ok {
			continue
		}
		for archiveIdx, entries := range archiveMaps {
			if loc, ok := entries[eKey]; ok {
				byChunk[chunkKey{archiveIndex: archiveIdx, offset: loc.Offset}] = model.GameFileInfo{
					Name:        entry.Name,
					Size:        int64(entry.Size),
					ContentHash: entry.ContentHash,
					Tags:        entry.Tags,
				}
				break
			}
		}
	}

	a.mu.Lock()
	a.byChunk = byChunk
	a.archives = archives
	a.mu.Unlock()

	return archiveErrs, nil
}

func (a *Attributor) fetchConfig(ctx context.Context, client *Client, base, kind, hash string) (KeyValueConfig, error) {
	if hash == "" {
		return KeyValueConfig{}, fmt.Errorf("tact: empty %s hash", kind)
	}
	path, err := dataPath(base, kind, hash)
	if err != nil {
		return nil, err
	}
	data, err := client.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return ParseKeyValueConfig(data), nil
}

func (a *Attributor) fetchBLTE(ctx context.Context, client *Client, base, kind, hash string) ([]byte, error) {
	if hash == "" {
		return nil, fmt.Errorf("tact: empty %s hash", kind)
	}
	path, err := dataPath(base, kind, hash)
	if err != nil {
		return nil, err
	}
	data, err := client.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return Decompress(data)
}
