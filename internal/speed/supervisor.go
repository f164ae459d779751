package speed

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/events"
)

// restartDelay is the base delay before restarting a dead producer.
const restartDelay = 5 * time.Second

// maxRestartDelay caps the exponential backoff between restarts.
const maxRestartDelay = 80 * time.Second

// Supervisor runs an external speed-producer process (one JSON
// DownloadSpeedSnapshot per stdout line), republishes its lines on the
// bus, and restarts it after it dies. Backoff doubles on consecutive
// quick failures and resets once a run survives past a minute.
type Supervisor struct {
	newCmd func(ctx context.Context) *exec.Cmd
	bus    *events.Bus
	log    zerolog.Logger
}

// NewSupervisor constructs a Supervisor. newCmd builds a fresh command for
// every (re)start; it must not reuse an exec.Cmd across starts.
func NewSupervisor(newCmd func(ctx context.Context) *exec.Cmd, bus *events.Bus, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		newCmd: newCmd,
		bus:    bus,
		log:    log.With().Str("component", "speed-supervisor").Logger(),
	}
}

// Run supervises the producer until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := restartDelay
	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			delay = restartDelay
		}
		s.log.Warn().Err(err).Dur("restart_in", delay).Msg("speed producer exited")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay *= 2; delay > maxRestartDelay {
			delay = maxRestartDelay
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := s.newCmd(ctx)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var snap events.DownloadSpeedSnapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			s.log.Debug().Err(err).Msg("unreadable speed line")
			continue
		}
		s.bus.Publish(events.Event{Topic: events.TopicDownloadSpeedUpdate, Payload: snap})
	}
	return cmd.Wait()
}
