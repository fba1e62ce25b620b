// Package sched decides when channels are polled. A single goroutine ticks,
// checks every schedulable channel against its state, and turns due channels
// into durable poll jobs that the ingest workers consume. One outstanding
// job per channel keeps polls FIFO without any per-channel locking.
package sched

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

const (
	// DefaultTick is the scheduling resolution. Poll intervals are minutes
	// apart, so a second of slack is invisible.
	DefaultTick = time.Second

	// DefaultJitterRatio spreads next-run times by ±20% of the interval so
	// channels sharing an interval do not fetch in lockstep.
	DefaultJitterRatio = 0.20
)

// Sink receives jobs the scheduler has persisted. The ingest pipeline
// implements it; Enqueue may block until a worker frees up.
type Sink interface {
	Enqueue(ctx context.Context, job *types.PollJob) error
}

// Options tune a Scheduler. The zero value gives production behavior.
type Options struct {
	// Tick overrides the loop resolution. Tests shrink it.
	Tick time.Duration
	// JitterRatio overrides the jitter spread. Negative disables jitter;
	// zero means DefaultJitterRatio.
	JitterRatio float64
	// Rand supplies jitter draws. Tests pin a seeded source; nil gets a
	// time-seeded one.
	Rand *rand.Rand
	// Now supplies the clock, for tests.
	Now func() time.Time
	Log *zerolog.Logger
}

// Scheduler owns the tick loop. Not safe for concurrent Run calls.
type Scheduler struct {
	store  *storage.Store
	writer *storage.WriterQueue
	set    *settings.Store
	sink   Sink

	tick   time.Duration
	jitter float64
	rng    *rand.Rand
	now    func() time.Time
	log    zerolog.Logger
}

// New builds a scheduler over the shared store, writer, and settings
// resolver. Jobs it creates are handed to sink after their row commits.
func New(st *storage.Store, w *storage.WriterQueue, set *settings.Store, sink Sink, opts Options) *Scheduler {
	s := &Scheduler{
		store:  st,
		writer: w,
		set:    set,
		sink:   sink,
		tick:   opts.Tick,
		jitter: opts.JitterRatio,
		rng:    opts.Rand,
		now:    opts.Now,
		log:    logging.WithComponent("sched"),
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.jitter == 0 {
		s.jitter = DefaultJitterRatio
	} else if s.jitter < 0 {
		s.jitter = 0
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Log != nil {
		s.log = *opts.Log
	}
	return s
}

// Run re-enqueues leftover jobs and then ticks until ctx is canceled.
// Cancellation is a clean stop, not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reenqueue(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.log.Info().Dur("tick", s.tick).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.runTick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					s.log.Info().Msg("scheduler stopped")
					return nil
				}
				// A failed tick is retried wholesale on the next one.
				s.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Reenqueue hands every poll job already on disk back to the sink. Jobs
// survive restarts; whoever was fetching them did not.
func (s *Scheduler) Reenqueue(ctx context.Context) error {
	jobs, err := repo.ListPollJobs(ctx, s.store.Read())
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.sink.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	if len(jobs) > 0 {
		s.log.Info().Int("jobs", len(jobs)).Msg("re-enqueued leftover poll jobs")
	}
	return nil
}

// runTick schedules every channel that is due at this instant. Settings are
// resolved fresh so interval changes apply without restart.
func (s *Scheduler) runTick(ctx context.Context) error {
	now := s.now().UTC()

	intervalSec, err := s.set.Int(ctx, settings.KeyPollInterval)
	if err != nil {
		return err
	}
	interval := time.Duration(intervalSec) * time.Second

	channels, err := repo.ListSchedulableChannels(ctx, s.store.Read())
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if err := s.scheduleChannel(ctx, ch, interval, now); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, storage.ErrClosed) {
				return err
			}
			s.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("channel skipped")
		}
	}
	return nil
}

// scheduleChannel creates and dispatches a job when the channel is due. The
// row commits before the sink sees the job, so a crash in between leaves a
// job the next startup re-enqueues.
func (s *Scheduler) scheduleChannel(ctx context.Context, ch *types.Channel, interval time.Duration, now time.Time) error {
	state, err := repo.GetChannelState(ctx, s.store.Read(), ch.ID)
	var cursorErr *repo.CursorError
	switch {
	case errors.As(err, &cursorErr):
		// A corrupt cursor is due immediately: the pipeline repairs it as
		// part of the poll. Pause gates re-apply there once state loads.
		state = nil
	case err != nil:
		return err
	default:
		if state.PausedAt(now) {
			return nil
		}
	}
	pending, err := repo.HasPendingPollJob(ctx, s.store.Read(), ch.ID)
	if err != nil || pending {
		return err
	}
	if state != nil && !s.due(state, interval, now) {
		return nil
	}

	job := &types.PollJob{ChannelID: ch.ID, CorrelationID: uuid.NewString()}
	err = s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.CreatePollJob(ctx, tx, job)
	})
	if err != nil {
		// Lost a race with an operator-forced poll: the channel already
		// has its one outstanding job.
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return err
	}
	s.log.Debug().
		Int64("channel_id", ch.ID).
		Str("correlation_id", job.CorrelationID).
		Msg("poll scheduled")
	return s.sink.Enqueue(ctx, job)
}

// due applies next_run_at = last_success_at + interval + jitter. A channel
// that has never succeeded is due immediately.
func (s *Scheduler) due(state *types.ChannelState, interval time.Duration, now time.Time) bool {
	if state.LastSuccessAt == nil {
		return true
	}
	next := state.LastSuccessAt.Add(interval + s.drawJitter(interval))
	return !now.Before(next)
}

// drawJitter returns a uniform offset in ±jitter×interval.
func (s *Scheduler) drawJitter(interval time.Duration) time.Duration {
	if s.jitter == 0 {
		return 0
	}
	spread := s.jitter * float64(interval)
	return time.Duration((s.rng.Float64()*2 - 1) * spread)
}
