// Package ops holds the housekeeping jobs that run beside the pipeline:
// the retention prune, the nightly backup, and the loop that times them.
package ops

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/dedupe"
	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/telemetry"
)

// pruneBatch bounds every delete statement so one sweep never holds a
// multi-second exclusive scan.
const pruneBatch = 500

// PruneStats tallies one retention sweep.
type PruneStats struct {
	RawMessages   int64 `json:"raw_messages"`
	Items         int64 `json:"items"`
	Clusters      int64 `json:"clusters"`
	Members       int64 `json:"members"`
	Decisions     int64 `json:"decisions"`
	IngestErrors  int64 `json:"ingest_errors"`
	Recomputed    int   `json:"recomputed_representatives"`
	ItemRetention bool  `json:"item_retention_enabled"`
}

// Pruner deletes rows past the retention horizons. One sweep is one write
// transaction: either the whole sweep lands or none of it does.
type Pruner struct {
	store   *storage.Store
	writer  *storage.WriterQueue
	set     *settings.Store
	metrics *telemetry.EngineMetrics
	now     func() time.Time
	log     zerolog.Logger
}

// PrunerOptions tune construction; zero values mean wall clock, no metrics.
type PrunerOptions struct {
	Metrics *telemetry.EngineMetrics
	Now     func() time.Time
	Log     *zerolog.Logger
}

func NewPruner(st *storage.Store, w *storage.WriterQueue, set *settings.Store, opts PrunerOptions) *Pruner {
	p := &Pruner{
		store:   st,
		writer:  w,
		set:     set,
		metrics: opts.Metrics,
		now:     opts.Now,
		log:     logging.WithComponent("prune"),
	}
	if p.now == nil {
		p.now = time.Now
	}
	if opts.Log != nil {
		p.log = *opts.Log
	}
	return p
}

// Run executes the sweep. Steps run in a fixed order inside one
// transaction: raw messages, items (collecting their clusters first),
// representative recomputes, empty affected clusters, orphaned members and
// decisions, ingest errors. Cancellation between batches rolls the whole
// sweep back and surfaces unchanged.
func (p *Pruner) Run(ctx context.Context) (*PruneStats, error) {
	now := p.now().UTC()
	rawDays := p.retentionDays(ctx, settings.KeyRawRetention)
	itemDays := p.retentionDays(ctx, settings.KeyItemRetention)
	errDays := p.retentionDays(ctx, settings.KeyErrRetention)

	stats := &PruneStats{ItemRetention: itemDays > 0}
	err := p.writer.Submit(ctx, func(tx *sql.Tx) error {
		if err := p.pruneRawMessages(ctx, tx, now, rawDays, stats); err != nil {
			return err
		}
		if itemDays > 0 {
			if err := p.pruneItems(ctx, tx, now, itemDays, stats); err != nil {
				return err
			}
		}
		if err := p.pruneOrphans(ctx, tx, stats); err != nil {
			return err
		}
		return p.pruneIngestErrors(ctx, tx, now, errDays, stats)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.CountPruned(ctx, "raw_messages", stats.RawMessages)
	p.metrics.CountPruned(ctx, "items", stats.Items)
	p.metrics.CountPruned(ctx, "clusters", stats.Clusters)
	p.metrics.CountPruned(ctx, "cluster_members", stats.Members)
	p.metrics.CountPruned(ctx, "decisions", stats.Decisions)
	p.metrics.CountPruned(ctx, "ingest_errors", stats.IngestErrors)

	p.log.Info().
		Int64("raw_messages", stats.RawMessages).
		Int64("items", stats.Items).
		Int64("clusters", stats.Clusters).
		Int64("members", stats.Members).
		Int64("decisions", stats.Decisions).
		Int64("ingest_errors", stats.IngestErrors).
		Int("recomputed", stats.Recomputed).
		Msg("retention sweep finished")
	return stats, nil
}

func (p *Pruner) pruneRawMessages(ctx context.Context, tx *sql.Tx, now time.Time, days int64, stats *PruneStats) error {
	cutoff := now.AddDate(0, 0, -int(days))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.DeleteRawMessagesBefore(ctx, tx, cutoff, pruneBatch)
		if err != nil {
			return err
		}
		stats.RawMessages += n
		if n > 0 {
			p.log.Debug().Int64("batch", n).Msg("raw messages pruned")
		}
		if n < pruneBatch {
			return nil
		}
	}
}

// pruneItems deletes old items batch by batch, remembering every cluster
// that loses a member so representatives can be re-elected and emptied
// clusters dropped afterwards.
func (p *Pruner) pruneItems(ctx context.Context, tx *sql.Tx, now time.Time, days int64, stats *PruneStats) error {
	cutoff := now.AddDate(0, 0, -int(days))
	affected := make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := repo.ListItemIDsBefore(ctx, tx, cutoff, pruneBatch)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		clusters, err := repo.ClustersOfItems(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range clusters {
			affected[id] = struct{}{}
		}
		n, err := repo.DeleteItemsByID(ctx, tx, ids)
		if err != nil {
			return err
		}
		stats.Items += n
		p.log.Debug().Int64("batch", n).Msg("items pruned")
		if len(ids) < pruneBatch {
			break
		}
	}
	if len(affected) == 0 {
		return nil
	}

	ordered := make([]int64, 0, len(affected))
	for id := range affected {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, clusterID := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.CountClusterMembers(ctx, tx, clusterID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := repo.DeleteCluster(ctx, tx, clusterID); err != nil {
				return err
			}
			stats.Clusters++
			continue
		}
		if err := dedupe.RecomputeRepresentative(ctx, tx, clusterID); err != nil {
			return err
		}
		stats.Recomputed++
	}
	return nil
}

// pruneOrphans removes member and decision rows whose subjects are gone.
// Decisions deliberately carry no foreign keys, so this is where their
// lifecycle ends.
func (p *Pruner) pruneOrphans(ctx context.Context, tx *sql.Tx, stats *PruneStats) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.DeleteOrphanClusterMembers(ctx, tx, pruneBatch)
		if err != nil {
			return err
		}
		stats.Members += n
		if n > 0 {
			p.log.Debug().Int64("batch", n).Msg("orphan members pruned")
		}
		if n < pruneBatch {
			break
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.DeleteOrphanDecisions(ctx, tx, pruneBatch)
		if err != nil {
			return err
		}
		stats.Decisions += n
		if n > 0 {
			p.log.Debug().Int64("batch", n).Msg("orphan decisions pruned")
		}
		if n < pruneBatch {
			return nil
		}
	}
}

func (p *Pruner) pruneIngestErrors(ctx context.Context, tx *sql.Tx, now time.Time, days int64, stats *PruneStats) error {
	cutoff := now.AddDate(0, 0, -int(days))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := repo.DeleteIngestErrorsBefore(ctx, tx, cutoff, pruneBatch)
		if err != nil {
			return err
		}
		stats.IngestErrors += n
		if n > 0 {
			p.log.Debug().Int64("batch", n).Msg("ingest errors pruned")
		}
		if n < pruneBatch {
			return nil
		}
	}
}

// retentionDays resolves a retention setting, falling back to the seeded
// default when the stored document is unusable. Retention must never stall
// on an operator typo.
func (p *Pruner) retentionDays(ctx context.Context, key string) int64 {
	v, err := p.set.Int(ctx, key)
	if err == nil && v >= 0 {
		return v
	}
	seed, _ := settings.SeededDefault(key)
	n, perr := strconv.ParseInt(seed, 10, 64)
	if perr != nil {
		n = 0
	}
	p.log.Warn().Err(err).Str("key", key).Int64("fallback", n).Msg("retention setting unusable, using seed default")
	return n
}
