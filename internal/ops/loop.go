package ops

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/telemetry"
)

// depthSampleEvery is how often the loop samples the writer queue depth.
const depthSampleEvery = time.Minute

// Loop times the nightly jobs. Each local midnight it snapshots the store
// and then runs the retention sweep; the order matters, a snapshot taken
// first still holds everything the sweep is about to drop.
type Loop struct {
	backup  *Backup
	pruner  *Pruner
	writer  *storage.WriterQueue
	metrics *telemetry.EngineMetrics
	now     func() time.Time
	log     zerolog.Logger
}

// LoopOptions tune construction; zero values mean wall clock, no metrics.
type LoopOptions struct {
	Metrics *telemetry.EngineMetrics
	Now     func() time.Time
	Log     *zerolog.Logger
}

func NewLoop(backup *Backup, pruner *Pruner, w *storage.WriterQueue, opts LoopOptions) *Loop {
	l := &Loop{
		backup:  backup,
		pruner:  pruner,
		writer:  w,
		metrics: opts.Metrics,
		now:     opts.Now,
		log:     logging.WithComponent("ops"),
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Log != nil {
		l.log = *opts.Log
	}
	return l
}

// Run drives the loop until ctx is canceled. A missed night (process was
// down at midnight) is caught up at startup: the nightly jobs run
// immediately when today's snapshot is absent.
func (l *Loop) Run(ctx context.Context) error {
	if _, err := os.Stat(l.backup.TodayPath()); os.IsNotExist(err) {
		l.runNightly(ctx)
	}

	timer := time.NewTimer(l.untilMidnight())
	defer timer.Stop()
	sampler := time.NewTicker(depthSampleEvery)
	defer sampler.Stop()
	l.log.Info().Time("next_run", l.now().Add(l.untilMidnight())).Msg("ops loop started")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("ops loop stopped")
			return nil
		case <-timer.C:
			l.runNightly(ctx)
			timer.Reset(l.untilMidnight())
		case <-sampler.C:
			l.metrics.RecordWriterDepth(ctx, l.writer.Depth())
		}
	}
}

// runNightly executes backup then prune. Failures are already notified and
// logged downstream; neither stops the other.
func (l *Loop) runNightly(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := l.backup.Run(ctx); err != nil && ctx.Err() == nil {
		l.log.Error().Err(err).Msg("nightly backup failed")
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := l.pruner.Run(ctx); err != nil && ctx.Err() == nil {
		l.log.Error().Err(err).Msg("nightly prune failed")
	}
}

// untilMidnight is the wait to the next local midnight, floored at a second
// so a fire exactly on the boundary cannot loop hot.
func (l *Loop) untilMidnight() time.Duration {
	now := l.now()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	d := next.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}
