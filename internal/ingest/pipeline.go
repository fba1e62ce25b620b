// Package ingest executes poll jobs: fetch channel history past the cursor,
// persist raw payloads, normalize them into items, and run the dedupe
// engine. A small worker pool consumes jobs; every stage captures its own
// failures as ingest_errors rows and moves on, so one poisoned message never
// wedges a channel.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tgfeed/tca/internal/dedupe"
	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/telemetry"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/upstream"
)

const (
	// DefaultWorkers is the poll-job worker count. Fetches are I/O bound
	// and writes are serialized anyway, so two goes a long way.
	DefaultWorkers = 2

	defaultQueueSize = 64

	// floodNotifyThreshold is the flood-wait length, in seconds, above
	// which the operator gets a notification rather than just a log line.
	floodNotifyThreshold = 300
)

// ClientSource yields a ready upstream client for an account. The telegram
// manager implements it; tests hand back a scripted fake.
type ClientSource interface {
	ClientFor(ctx context.Context, accountID int64) (upstream.Client, error)
}

// Options tune a Pipeline. The zero value gives production behavior.
type Options struct {
	Workers    int
	QueueSize  int
	RiskWindow time.Duration
	Metrics    *telemetry.EngineMetrics
	Now        func() time.Time
	Log        *zerolog.Logger
}

// Pipeline is the poll-job consumer. Construct with New, feed with Enqueue,
// drive with Run.
type Pipeline struct {
	store   *storage.Store
	writer  *storage.WriterQueue
	set     *settings.Store
	engine  *dedupe.Engine
	source  ClientSource
	metrics *telemetry.EngineMetrics
	risk    *RiskTracker

	workers int
	jobs    chan *types.PollJob
	now     func() time.Time
	log     zerolog.Logger
}

// New builds a pipeline over the shared store, writer, settings resolver,
// and dedupe engine.
func New(st *storage.Store, w *storage.WriterQueue, set *settings.Store, eng *dedupe.Engine, source ClientSource, opts Options) *Pipeline {
	p := &Pipeline{
		store:   st,
		writer:  w,
		set:     set,
		engine:  eng,
		source:  source,
		metrics: opts.Metrics,
		risk:    NewRiskTracker(opts.RiskWindow),
		workers: opts.Workers,
		now:     opts.Now,
		log:     logging.WithComponent("ingest"),
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p.jobs = make(chan *types.PollJob, size)
	if p.now == nil {
		p.now = time.Now
	}
	if opts.Log != nil {
		p.log = *opts.Log
	}
	return p
}

// Enqueue hands one job to the workers, blocking when all are busy and the
// buffer is full. Implements the scheduler's sink.
func (p *Pipeline) Enqueue(ctx context.Context, job *types.PollJob) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	}
}

// Run consumes jobs until ctx is canceled. Job failures are logged, not
// returned: one bad poll must not stop the others. Jobs still queued or
// in flight at cancellation keep their rows and are re-enqueued next start.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.worker(ctx)
		})
	}
	p.log.Info().Int("workers", p.workers).Msg("ingest workers started")
	err := g.Wait()
	p.log.Info().Msg("ingest workers stopped")
	return err
}

func (p *Pipeline) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.jobs:
			if err := p.processJob(ctx, job); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Error().Err(err).
					Int64("channel_id", job.ChannelID).
					Str("correlation_id", job.CorrelationID).
					Msg("poll failed")
			}
		}
	}
}

// pollStats is one poll's tally, logged at completion.
type pollStats struct {
	fetched    int
	stored     int
	duplicates int
	merges     int
	failures   int
	lastID     int64
	failed     bool
}

// processJob executes one poll end to end. The job row is deleted on every
// outcome except cancellation, where it survives for at-least-once
// redelivery on the next start.
func (p *Pipeline) processJob(ctx context.Context, job *types.PollJob) error {
	now := p.now().UTC()
	log := logging.WithCorrelation(job.CorrelationID)

	ch, err := repo.GetChannel(ctx, p.store.Read(), job.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.deleteJob(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	log = log.With().Int64("channel_id", ch.ID).Logger()

	acct, err := repo.GetAccount(ctx, p.store.Read(), ch.AccountID)
	if err != nil {
		return err
	}
	state, err := repo.GetChannelState(ctx, p.store.Read(), ch.ID)
	var cursorErr *repo.CursorError
	if errors.As(err, &cursorErr) {
		// A corrupt cursor must not wedge the channel: file it, start the
		// cursor over, and poll from the beginning. Items upsert by
		// (channel, message id), so the re-read cannot duplicate.
		p.capture(ctx, &ch.ID, types.StageFetch, err, "")
		if err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
			return repo.ResetChannelCursor(ctx, tx, ch.ID, now)
		}); err != nil {
			return err
		}
		log.Warn().Str("raw", cursorErr.Raw).Msg("corrupt cursor reset")
		state, err = repo.GetChannelState(ctx, p.store.Read(), ch.ID)
	}
	if err != nil {
		return err
	}
	if acct.Paused() || state.PausedAt(now) {
		// Stale intent. The scheduler re-issues once the pause lapses.
		log.Debug().Msg("job dropped, channel or account paused")
		return p.deleteJob(ctx, job.ID)
	}

	stats, err := p.poll(ctx, ch, state, log)
	if err != nil {
		return err
	}
	if !stats.failed {
		if err := p.advance(ctx, ch.ID, stats, now); err != nil {
			return err
		}
	}
	log.Info().
		Int("fetched", stats.fetched).
		Int("stored", stats.stored).
		Int("duplicates", stats.duplicates).
		Int("failures", stats.failures).
		Bool("fetch_failed", stats.failed).
		Msg("poll finished")
	return p.deleteJob(ctx, job.ID)
}

// poll fetches pages past the cursor and ingests every message. It returns
// an error only for cancellation or a closed writer; upstream and stage
// failures are captured and reflected in the stats instead.
func (p *Pipeline) poll(ctx context.Context, ch *types.Channel, state *types.ChannelState, log zerolog.Logger) (*pollStats, error) {
	stats := &pollStats{lastID: cursorOffset(state.Cursor)}

	maxPages := int(p.intSetting(ctx, settings.KeyMaxPages, log))
	pageLimit := int(p.intSetting(ctx, settings.KeyMaxMessages, log))
	if maxPages <= 0 || pageLimit <= 0 {
		stats.failed = true
		return stats, nil
	}

	client, err := p.source.ClientFor(ctx, ch.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.react(ctx, ch, err)
		p.capture(ctx, &ch.ID, types.StageFetch, err, "")
		stats.failed = true
		return stats, nil
	}

	var hash int64
	if ch.AccessHash != nil {
		hash = *ch.AccessHash
	}
	group := p.groupOf(ctx, ch.ID)

	for page := 0; page < maxPages; page++ {
		res, err := client.FetchMessages(ctx, upstream.FetchRequest{
			ChannelID:  ch.TGChannelID,
			AccessHash: hash,
			OffsetID:   stats.lastID,
			Limit:      pageLimit,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.react(ctx, ch, err)
			p.capture(ctx, &ch.ID, types.StageFetch, err, "")
			stats.failed = true
			return stats, nil
		}
		if len(res.Messages) == 0 {
			break
		}
		for _, msg := range res.Messages {
			if err := p.ingestMessage(ctx, ch, group, msg, stats); err != nil {
				return nil, err
			}
			if msg.ID > stats.lastID {
				stats.lastID = msg.ID
			}
			stats.fetched++
		}
		if len(res.Messages) < pageLimit {
			break
		}
	}
	return stats, nil
}

// ingestMessage runs the persist → normalize → dedupe stages for one
// message. Each stage is its own writer submission so a failure is captured
// with stage precision and later messages still land.
func (p *Pipeline) ingestMessage(ctx context.Context, ch *types.Channel, group *types.Group, msg upstream.Message, stats *pollStats) error {
	raw := &types.RawMessage{ChannelID: ch.ID, TGMessageID: msg.ID, Payload: rawPayload(msg)}
	err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.UpsertRawMessage(ctx, tx, raw)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, storage.ErrClosed) {
			return err
		}
		p.capture(ctx, &ch.ID, types.StageFetch, err, "")
		stats.failures++
		return nil
	}

	item, tokens := NormalizeMessage(ch, msg)
	item.RawMessageID = &raw.ID
	err = p.writer.Submit(ctx, func(tx *sql.Tx) error {
		if _, err := repo.UpsertItem(ctx, tx, item); err != nil {
			return err
		}
		return repo.ReplaceTitleTokens(ctx, tx, item.ID, tokens)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, storage.ErrClosed) {
			return err
		}
		p.capture(ctx, &ch.ID, types.StageNormalize, err, fmt.Sprintf("raw_message:%d", raw.ID))
		stats.failures++
		return nil
	}
	stats.stored++
	p.metrics.CountItem(ctx)

	// A refetch with unchanged content keeps its verdict.
	if item.DedupeState != types.DedupePending {
		return nil
	}
	res, err := p.engine.Process(ctx, item, group)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, storage.ErrClosed) {
			return err
		}
		p.capture(ctx, &ch.ID, types.StageDedupe, err, fmt.Sprintf("item:%d", item.ID))
		stats.failures++
		return nil
	}
	if res.Outcome.Status == dedupe.StatusDuplicate {
		stats.duplicates++
		p.metrics.CountDuplicate(ctx)
	}
	if res.Merged {
		stats.merges++
		p.metrics.CountMerge(ctx)
	}
	return nil
}

// react applies the engine's posture change for a classified upstream
// failure: flood waits pause the channel, risk kinds count toward the
// account's escalation window.
func (p *Pipeline) react(ctx context.Context, ch *types.Channel, cause error) {
	var ue *upstream.Error
	if !errors.As(cause, &ue) {
		return
	}
	now := p.now().UTC()
	switch {
	case ue.Kind == upstream.KindFloodWait:
		p.applyFloodWait(ctx, ch, ue, now)
	case ue.Kind.Risk():
		p.recordRisk(ctx, ch.AccountID, ue, now)
	}
}

// applyFloodWait pauses the channel for exactly the server-demanded wait.
// Long waits additionally notify the operator.
func (p *Pipeline) applyFloodWait(ctx context.Context, ch *types.Channel, ue *upstream.Error, now time.Time) {
	until := now.Add(time.Duration(ue.WaitSeconds) * time.Second)
	payload, _ := json.Marshal(map[string]any{
		"channel_id":   ch.ID,
		"wait_seconds": ue.WaitSeconds,
		"paused_until": until.Format(time.RFC3339),
	})
	err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := repo.SetChannelPause(ctx, tx, ch.ID, &until, now); err != nil {
			return err
		}
		if ue.WaitSeconds < floodNotifyThreshold {
			return nil
		}
		return repo.InsertNotification(ctx, tx, &types.Notification{
			Type:     types.NotifyFloodWait,
			Severity: types.SeverityMedium,
			Message:  fmt.Sprintf("channel %d paused for %ds by upstream flood wait", ch.ID, ue.WaitSeconds),
			Payload:  string(payload),
		})
	})
	if err != nil {
		p.log.Warn().Err(err).Int64("channel_id", ch.ID).Msg("flood-wait pause not persisted")
		return
	}
	p.log.Warn().
		Int64("channel_id", ch.ID).
		Int("wait_seconds", ue.WaitSeconds).
		Time("paused_until", until).
		Msg("channel paused by flood wait")
}

// recordRisk counts one risk event and, at the threshold, pauses the account
// with exactly one notification. The account-row check and the pause commit
// in one transaction, so concurrent workers cannot double-notify.
func (p *Pipeline) recordRisk(ctx context.Context, accountID int64, ue *upstream.Error, now time.Time) {
	n := p.risk.Record(accountID, now)
	p.log.Warn().
		Int64("account_id", accountID).
		Str("kind", string(ue.Kind)).
		Int("events", n).
		Msg("account risk event")
	if n < riskThreshold {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"account_id":     accountID,
		"kind":           string(ue.Kind),
		"events":         n,
		"window_seconds": int(p.risk.window / time.Second),
	})
	paused := false
	err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
		acct, err := repo.GetAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if acct.Paused() {
			return nil
		}
		if err := repo.PauseAccount(ctx, tx, accountID, types.PauseReasonRisk, now); err != nil {
			return err
		}
		paused = true
		return repo.InsertNotification(ctx, tx, &types.Notification{
			Type:     types.NotifyAccountRisk,
			Severity: types.SeverityHigh,
			Message:  fmt.Sprintf("account %d paused after %d risk events", accountID, n),
			Payload:  string(payload),
		})
	})
	if err != nil {
		p.log.Warn().Err(err).Int64("account_id", accountID).Msg("risk pause not persisted")
		return
	}
	p.risk.Reset(accountID)
	if paused {
		p.log.Error().Int64("account_id", accountID).Msg("account paused by risk escalation")
	}
}

// capture files one ingest error as its own writer submission and counts it.
func (p *Pipeline) capture(ctx context.Context, channelID *int64, stage types.IngestStage, cause error, payloadRef string) {
	code := "internal"
	if kind, ok := upstream.KindOf(cause); ok {
		code = string(kind)
	}
	rec := &types.IngestError{
		ChannelID:    channelID,
		Stage:        stage,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		PayloadRef:   payloadRef,
	}
	err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.InsertIngestError(ctx, tx, rec)
	})
	if err != nil {
		p.log.Warn().Err(err).Str("stage", string(stage)).Msg("ingest error not recorded")
		return
	}
	p.metrics.CountIngestError(ctx, string(stage))
}

// advance moves the cursor to the poll's high-water mark and stamps
// last_success_at. Zero new messages still count as a success.
func (p *Pipeline) advance(ctx context.Context, channelID int64, stats *pollStats, now time.Time) error {
	cur := types.Cursor{LastPolledAt: &now}
	if stats.lastID > 0 {
		id := stats.lastID
		cur.LastMessageID = &id
		cur.NextOffsetID = &id
	}
	return p.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.AdvanceCursor(ctx, tx, channelID, cur, now)
	})
}

func (p *Pipeline) deleteJob(ctx context.Context, id int64) error {
	return p.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.DeletePollJob(ctx, tx, id)
	})
}

// groupOf resolves the channel's group for horizon overrides. No assignment
// is the common case and means the global default applies.
func (p *Pipeline) groupOf(ctx context.Context, channelID int64) *types.Group {
	g, err := repo.GetChannelGroup(ctx, p.store.Read(), channelID)
	if err != nil {
		return nil
	}
	return g
}

// intSetting resolves a numeric setting fresh, falling back to the
// compiled-in seed when the stored document is unusable.
func (p *Pipeline) intSetting(ctx context.Context, key string, log zerolog.Logger) int64 {
	v, err := p.set.Int(ctx, key)
	if err == nil {
		return v
	}
	seed, _ := settings.SeededDefault(key)
	n, perr := strconv.ParseInt(seed, 10, 64)
	if perr != nil {
		n = 0
	}
	log.Warn().Err(err).Str("key", key).Int64("fallback", n).Msg("setting unusable, using seed default")
	return n
}

// cursorOffset picks the fetch offset: the explicit continuation point when
// present, otherwise the stored high-water mark, otherwise channel start.
func cursorOffset(c types.Cursor) int64 {
	if c.NextOffsetID != nil {
		return *c.NextOffsetID
	}
	if c.LastMessageID != nil {
		return *c.LastMessageID
	}
	return 0
}
