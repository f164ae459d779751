package steamdepot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/state"
)

// Scheduler periodically drives Mapper.Refresh and the apply-to-downloads
// pass, honoring the configured crawl interval and recording the last
// crawl time. Each crawl is announced on the depot-mapping topics.
type Scheduler struct {
	mapper   *Mapper
	states   *state.Store
	bus      *events.Bus
	fetch    FetchFunc
	interval time.Duration
	log      zerolog.Logger
}

// NewScheduler builds a Scheduler. fetch is expected to consult states' last
// crawl timestamp itself if it wants incremental behavior; the scheduler
// only owns cadence and bookkeeping.
func NewScheduler(mapper *Mapper, states *state.Store, bus *events.Bus, fetch FetchFunc, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		mapper:   mapper,
		states:   states,
		bus:      bus,
		fetch:    fetch,
		interval: interval,
		log:      log.With().Str("component", "steamdepot").Logger(),
	}
}

// Run blocks, triggering a crawl immediately and then every interval,
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.runOnce(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial crawl failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduled crawl failed")
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	s.publish(events.TopicDepotMappingStarted, events.OperationProgress{
		Message:   "depot crawl starting",
		Timestamp: time.Now().UTC(),
	})

	result, err := s.mapper.Refresh(ctx, s.fetch)
	if err != nil {
		s.publish(events.TopicDepotMappingComplete, events.OperationComplete{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return err
	}
	s.publish(events.TopicDepotMappingProgress, events.OperationProgress{
		Percent:   50,
		Message:   fmt.Sprintf("merged %d of %d fetched mappings", result.Merged, result.Fetched),
		Timestamp: time.Now().UTC(),
	})

	applied, err := s.mapper.ApplyToDownloads(ctx, "steam")
	if err != nil {
		s.publish(events.TopicDepotMappingComplete, events.OperationComplete{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return err
	}

	s.publish(events.TopicDepotMappingComplete, events.OperationComplete{
		Success:   true,
		Timestamp: time.Now().UTC(),
	})
	s.log.Info().
		Int("fetched", result.Fetched).
		Int("merged", result.Merged).
		Int("applied", applied).
		Dur("elapsed", result.Elapsed).
		Msg("crawl complete")

	appState, err := s.states.LoadAppState()
	if err != nil {
		return err
	}
	appState.LastDepotCrawl = time.Now()
	return s.states.SaveAppState(appState)
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Topic: topic, Payload: payload})
}
