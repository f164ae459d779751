package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lancachemanager/core/internal/cachefs"
	"github.com/lancachemanager/core/internal/config"
	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/ingest"
	"github.com/lancachemanager/core/internal/jobs"
	"github.com/lancachemanager/core/internal/logparse"
	"github.com/lancachemanager/core/internal/model"
	"github.com/lancachemanager/core/internal/opreg"
	"github.com/lancachemanager/core/internal/session"
	"github.com/lancachemanager/core/internal/speed"
	"github.com/lancachemanager/core/internal/state"
	"github.com/lancachemanager/core/internal/steamdepot"
	"github.com/lancachemanager/core/internal/store"
)

// snapshotInterval is the cadence of cache size snapshots recorded into
// the time series.
const snapshotInterval = time.Hour

// core bundles everything the daemon and the one-shot commands wire up.
type core struct {
	cfg      config.Config
	states   *state.Store
	db       *store.DB
	repo     store.Repo
	bus      *events.Bus
	registry *opreg.Registry
	walker   *cachefs.Walker
	runner   *jobs.Runner
	log      zerolog.Logger
}

// buildCore opens the store and constructs every shared component.
func buildCore(ctx context.Context, cfgPath string, log zerolog.Logger) (*core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	states, err := state.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "lancache.db"))
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	registry := opreg.New(bus)
	repo := store.NewRepo(db)
	walker := cachefs.NewWalker(cfg.CacheDir)
	runner := jobs.NewRunner(repo, registry, bus, walker, cfg.DeleteWorkers, log)

	return &core{
		cfg:      cfg,
		states:   states,
		db:       db,
		repo:     repo,
		bus:      bus,
		registry: registry,
		walker:   walker,
		runner:   runner,
		log:      log,
	}, nil
}

func (c *core) close() {
	if err := c.db.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing store")
	}
}

func newRunCmd(cfgPath *string, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, *cfgPath, log)
		},
	}
}

func runDaemon(ctx context.Context, cfgPath string, log zerolog.Logger) error {
	c, err := buildCore(ctx, cfgPath, log)
	if err != nil {
		return err
	}
	defer c.close()

	if err := jobs.Recover(ctx, c.repo, c.states, c.bus, log); err != nil {
		return err
	}

	guests, err := session.NewGuestRules(c.cfg.GuestAllowCIDRs, c.cfg.GuestDenyCIDRs)
	if err != nil {
		return err
	}

	stats := &logparse.Stats{}
	g, gctx := errgroup.WithContext(ctx)

	for _, ds := range c.cfg.Datasources {
		if !ds.Enabled {
			continue
		}
		ds := ds

		agg := session.NewAggregator(c.cfg.SessionGap)
		ing := ingest.New(ds, c.repo, c.states, c.bus, agg, stats, c.cfg.BulkBatchSize, log)
		ing.SetGuestRules(guests)
		g.Go(func() error { return ignoreCancel(ing.Run(gctx)) })

		if c.cfg.SpeedProducer == "" {
			tracker := speed.NewTracker(c.cfg.SpeedWindow)
			sr := speed.NewRunner(ds, tracker, nil, c.bus, os.Stdout, log)
			g.Go(func() error { return ignoreCancel(sr.Run(gctx)) })
		}
	}

	if c.cfg.SpeedProducer != "" {
		// An external producer emits the snapshot lines itself; supervise
		// it and republish its output instead of tailing in-process.
		sup := speed.NewSupervisor(func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "/bin/sh", "-c", c.cfg.SpeedProducer)
		}, c.bus, log)
		g.Go(func() error { return ignoreCancel(sup.Run(gctx)) })
	}

	if c.cfg.CrawlerURL != "" {
		mapper := steamdepot.NewMapper(c.repo)
		fetch := crawlerFetch(c.cfg.CrawlerURL)
		sched := steamdepot.NewScheduler(mapper, c.states, c.bus, fetch, c.cfg.CrawlInterval, log)
		g.Go(func() error { return ignoreCancel(sched.Run(gctx)) })
	} else {
		log.Info().Msg("no depot crawler configured, skipping depot mapping")
	}

	g.Go(func() error { return ignoreCancel(snapshotLoop(gctx, c)) })

	log.Info().Int("datasources", len(c.cfg.Datasources)).Msg("core started")
	err = g.Wait()
	log.Info().Int64("parsed", stats.Parsed()).Int64("unparsed", stats.Unparsed()).Msg("core stopped")
	return err
}

// snapshotLoop records a cache size snapshot into the time series every
// snapshotInterval and trims the series to the configured retention.
func snapshotLoop(ctx context.Context, c *core) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		if err := recordSnapshot(ctx, c); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("cache snapshot failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func recordSnapshot(ctx context.Context, c *core) error {
	report, err := c.walker.Size(ctx, "", c.cfg.DeleteRates)
	if err != nil {
		return err
	}

	var fsTotal int64
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.cfg.CacheDir, &stat); err == nil {
		fsTotal = int64(stat.Blocks) * int64(stat.Bsize)
	}

	if err := c.repo.InsertCacheSnapshot(ctx, model.CacheSnapshot{
		Timestamp:  time.Now().UTC(),
		UsedBytes:  report.TotalBytes,
		TotalBytes: fsTotal,
	}); err != nil {
		return err
	}
	_, err = c.repo.TrimSnapshots(ctx, c.cfg.SnapshotRetention, c.cfg.SnapshotMaxAge)
	return err
}

// ignoreCancel maps context cancellation to a clean nil so a deliberate
// shutdown doesn't surface as an error from the group.
func ignoreCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
