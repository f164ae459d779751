package speed

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/lancachemanager/core/internal/config"
	"github.com/lancachemanager/core/internal/events"
	"github.com/lancachemanager/core/internal/logparse"
)

const logFileName = "access.log"

// Resolver maps a parsed record to the game series it should count toward.
// The default resolver falls back to the service label when no app-level
// attribution is available at tail time.
type Resolver func(rec logparse.Record) GameKey

// DefaultResolver buckets by service label.
func DefaultResolver(rec logparse.Record) GameKey {
	return GameKey{Name: rec.Service}
}

// Runner tails one datasource's access log independently of the ingestor
// and emits DownloadSpeedSnapshot JSON lines. Each emitted snapshot is
// also published on the DownloadSpeedUpdate topic.
type Runner struct {
	ds      config.Datasource
	tracker *Tracker
	resolve Resolver
	bus     *events.Bus
	out     io.Writer // JSON line sink; nil disables line output
	log     zerolog.Logger

	pos int64
}

// NewRunner constructs a Runner. out may be nil when only bus delivery is
// wanted; resolve may be nil to use DefaultResolver.
func NewRunner(ds config.Datasource, tracker *Tracker, resolve Resolver, bus *events.Bus, out io.Writer, log zerolog.Logger) *Runner {
	if resolve == nil {
		resolve = DefaultResolver
	}
	return &Runner{
		ds:      ds,
		tracker: tracker,
		resolve: resolve,
		bus:     bus,
		out:     out,
		log:     log.With().Str("component", "speed").Str("datasource", ds.Name).Logger(),
	}
}

// Run tails the log file until ctx is cancelled. New runners start at the
// current end of file: live speed has no use for historical bytes. The
// poll cadence is a quarter of the window so cancellation and fresh bytes
// are both noticed well within one window period.
func (r *Runner) Run(ctx context.Context) error {
	path := r.ds.LogDirectory + "/" + logFileName
	if fi, err := os.Stat(path); err == nil {
		r.pos = fi.Size()
	}

	window := r.tracker.Window()
	poll := window / 4
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last events.DownloadSpeedSnapshot
	lastEmit := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r.consumeNew(path)

		now := time.Now().UTC()
		snap := r.tracker.Snapshot(now)
		if snapshotsEqual(snap, last) && now.Sub(lastEmit) < window {
			continue
		}
		snap.Timestamp = now
		r.emit(snap)
		snap.Timestamp = time.Time{}
		last = snap
		lastEmit = now
	}
}

// consumeNew reads any bytes appended to path since the last call and
// feeds complete lines into the tracker. A shrink (rotation) resets to the
// start of the new file.
func (r *Runner) consumeNew(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.Size() < r.pos {
		r.pos = 0
	}
	if fi.Size() == r.pos {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(r.pos, 0); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	now := time.Now().UTC()
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			r.pos += int64(len(line))
			if rec, ok := logparse.Parse(line[:len(line)-1]); ok {
				// Stamp observation time as "now" rather than the log
				// timestamp: the window measures wire-arrival rate, and
				// log timestamps only have second resolution.
				r.tracker.Observe(now, rec.BytesServed, r.resolve(rec), rec.ClientIP)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) emit(snap events.DownloadSpeedSnapshot) {
	if r.out != nil {
		if data, err := json.Marshal(snap); err == nil {
			_, _ = r.out.Write(append(data, '\n'))
		}
	}
	r.bus.Publish(events.Event{Topic: events.TopicDownloadSpeedUpdate, Payload: snap})
}

// snapshotsEqual compares two snapshots ignoring their timestamps (both
// are expected to carry a zero Timestamp here).
func snapshotsEqual(a, b events.DownloadSpeedSnapshot) bool {
	return reflect.DeepEqual(a, b)
}
