package dedupe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// Engine runs the strategy chain and files items into clusters. One engine
// serves all ingest workers; evaluation is pure CPU and the assignment
// writes are serialized by the writer queue like everything else.
type Engine struct {
	chain    []Strategy
	settings *settings.Store
	writer   *storage.WriterQueue
	read     *sql.DB
	now      func() time.Time
	log      zerolog.Logger
}

// Options tune engine construction. Zero values mean the built-in chain,
// wall-clock time, and no logging.
type Options struct {
	Chain *ChainConfig
	Now   func() time.Time
	Log   *zerolog.Logger
}

func NewEngine(st *storage.Store, w *storage.WriterQueue, set *settings.Store, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := zerolog.Nop()
	if opts.Log != nil {
		l = *opts.Log
	}
	return &Engine{
		chain:    buildChain(opts.Chain),
		settings: set,
		writer:   w,
		read:     st.Read(),
		now:      now,
		log:      l,
	}
}

// Result reports where an item landed.
type Result struct {
	Outcome        Outcome
	ClusterID      int64
	Merged         bool
	SourceClusters []int64
}

// Process runs the chain for one pending item and persists the verdict:
// cluster assignment, decision trace, and the deduped state flip happen in
// a single transaction. A ContractError leaves the item pending with no
// writes at all.
func (e *Engine) Process(ctx context.Context, item *types.Item, group *types.Group) (*Result, error) {
	if item.DedupeState != types.DedupePending {
		return nil, fmt.Errorf("dedupe: item %d is %s, not pending", item.ID, item.DedupeState)
	}

	horizon, err := e.settings.EffectiveHorizon(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve horizon: %w", err)
	}
	maxCandidates, err := e.settings.Int(ctx, settings.KeyMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve max candidates: %w", err)
	}
	threshold, err := e.settings.Float(ctx, settings.KeySimilarity)
	if err != nil {
		return nil, fmt.Errorf("dedupe: resolve threshold: %w", err)
	}

	itemTokens := TitleTokens(item.Title)
	candidates, err := repo.ListDedupeCandidates(ctx, e.read, item, RareTokens(itemTokens), horizon, e.now(), int(maxCandidates))
	if err != nil {
		return nil, fmt.Errorf("dedupe: candidates: %w", err)
	}

	in := &Input{Item: item, ItemTokens: itemTokens, Candidates: candidates, Threshold: threshold}
	attempts, final, err := e.evaluate(in)
	if err != nil {
		return nil, err
	}

	res := &Result{Outcome: final}
	err = e.writer.Submit(ctx, func(tx *sql.Tx) error {
		clusterID, sources, err := e.assign(ctx, tx, item, final)
		if err != nil {
			return err
		}
		res.ClusterID = clusterID
		res.SourceClusters = sources
		res.Merged = len(sources) > 0

		if err := e.recordAttempts(ctx, tx, item.ID, attempts, clusterID); err != nil {
			return err
		}
		if len(sources) > 0 {
			if err := recordMerge(ctx, tx, item.ID, clusterID, sources); err != nil {
				return err
			}
		}
		if err := repo.SetItemDedupeState(ctx, tx, item.ID, types.DedupeDone); err != nil {
			return err
		}
		return RecomputeRepresentative(ctx, tx, clusterID)
	})
	if err != nil {
		return nil, fmt.Errorf("dedupe: assign item %d: %w", item.ID, err)
	}
	item.DedupeState = types.DedupeDone

	e.log.Debug().
		Int64("item_id", item.ID).
		Str("outcome", string(final.Status)).
		Str("reason", final.Reason).
		Int64("cluster_id", res.ClusterID).
		Bool("merged", res.Merged).
		Msg("item deduped")
	return res, nil
}

// attempt is one executed strategy plus its serialized metadata.
type attempt struct {
	strategy string
	outcome  Outcome
	metaJSON string
}

// evaluate runs the chain with first-non-abstain-wins semantics. When every
// strategy abstains the chain itself renders the terminal distinct verdict.
func (e *Engine) evaluate(in *Input) ([]attempt, Outcome, error) {
	var attempts []attempt
	for _, s := range e.chain {
		out := s.Evaluate(in)
		if err := validate(s.Name(), out); err != nil {
			return nil, Outcome{}, err
		}
		metaJSON, err := marshalMetadata(s.Name(), out)
		if err != nil {
			return nil, Outcome{}, err
		}
		attempts = append(attempts, attempt{strategy: s.Name(), outcome: out, metaJSON: metaJSON})
		if out.Status != StatusAbstain {
			return attempts, out, nil
		}
	}
	final := Distinct(ReasonNoStrategyMatch)
	attempts = append(attempts, attempt{strategy: strategyChain, outcome: final, metaJSON: "{}"})
	return attempts, final, nil
}

// assign files the item per the final outcome and returns the cluster it
// joined plus any source clusters a merge emptied. An edited item comes
// back through here already clustered; its old membership is reconciled
// with the new verdict instead of tripping the one-cluster constraint.
func (e *Engine) assign(ctx context.Context, tx *sql.Tx, item *types.Item, out Outcome) (int64, []int64, error) {
	prior, err := repo.GetClusterOfItem(ctx, tx, item.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, nil, err
	}

	if out.Status == StatusDistinct {
		if prior != nil {
			n, err := repo.CountClusterMembers(ctx, tx, prior.ID)
			if err != nil {
				return 0, nil, err
			}
			// Alone in its cluster, the verdict already holds.
			if n == 1 {
				return prior.ID, nil, nil
			}
			if err := detachMember(ctx, tx, prior.ID, item.ID); err != nil {
				return 0, nil, err
			}
		}
		cl, err := repo.CreateCluster(ctx, tx, newClusterKey())
		if err != nil {
			return 0, nil, err
		}
		return cl.ID, nil, repo.AddClusterMember(ctx, tx, cl.ID, item.ID)
	}

	clusterIDs, err := repo.ClustersOfItems(ctx, tx, out.Matched)
	if err != nil {
		return 0, nil, err
	}

	var target int64
	var sources []int64
	switch len(clusterIDs) {
	case 0:
		// Matched candidate was never clustered. Start a cluster holding
		// both items.
		cl, err := repo.CreateCluster(ctx, tx, newClusterKey())
		if err != nil {
			return 0, nil, err
		}
		if err := repo.AddClusterMember(ctx, tx, cl.ID, out.CandidateID); err != nil {
			return 0, nil, err
		}
		target = cl.ID
	case 1:
		target = clusterIDs[0]
	default:
		// ClustersOfItems returns ascending ids; merge into the smallest.
		target, sources = clusterIDs[0], clusterIDs[1:]
		for _, src := range sources {
			if _, err := repo.MoveClusterMembers(ctx, tx, src, target); err != nil {
				return 0, nil, err
			}
			if err := repo.DeleteCluster(ctx, tx, src); err != nil {
				return 0, nil, err
			}
		}
	}

	if prior != nil && prior.ID != target && !contains(sources, prior.ID) {
		if err := detachMember(ctx, tx, prior.ID, item.ID); err != nil {
			return 0, nil, err
		}
	}
	return target, sources, repo.AddClusterMember(ctx, tx, target, item.ID)
}

// detachMember removes an item from its old cluster, deleting the cluster
// when that was the last member and re-electing its representative
// otherwise.
func detachMember(ctx context.Context, tx *sql.Tx, clusterID, itemID int64) error {
	if err := repo.RemoveClusterMember(ctx, tx, clusterID, itemID); err != nil {
		return err
	}
	n, err := repo.CountClusterMembers(ctx, tx, clusterID)
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.DeleteCluster(ctx, tx, clusterID)
	}
	return RecomputeRepresentative(ctx, tx, clusterID)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (e *Engine) recordAttempts(ctx context.Context, tx *sql.Tx, itemID int64, attempts []attempt, clusterID int64) error {
	for i, a := range attempts {
		d := &types.Decision{
			ItemID:       itemID,
			StrategyName: a.strategy,
			Outcome:      string(a.outcome.Status),
			ReasonCode:   a.outcome.Reason,
			Metadata:     a.metaJSON,
		}
		if a.outcome.Status == StatusDuplicate {
			score := a.outcome.Score
			d.Score = &score
			candidate := a.outcome.CandidateID
			d.CandidateItemID = &candidate
		}
		// Only the deciding attempt points at the cluster.
		if i == len(attempts)-1 {
			cid := clusterID
			d.ClusterID = &cid
		}
		if err := repo.InsertDecision(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func recordMerge(ctx context.Context, tx *sql.Tx, itemID, targetID int64, sources []int64) error {
	meta, err := json.Marshal(map[string]any{
		"source_cluster_ids": sources,
		"target_cluster_id":  targetID,
	})
	if err != nil {
		return fmt.Errorf("encode merge metadata: %w", err)
	}
	cid := targetID
	return repo.InsertDecision(ctx, tx, &types.Decision{
		ItemID:       itemID,
		ClusterID:    &cid,
		StrategyName: ReasonClusterMerge,
		Outcome:      string(StatusDuplicate),
		ReasonCode:   ReasonClusterMerge,
		Metadata:     string(meta),
	})
}

// newClusterKey mints the stable external identifier for a cluster.
func newClusterKey() string {
	return "c:" + uuid.NewString()
}

// RecomputeRepresentative re-elects a cluster's display item from its
// current members. The retention prune calls this too after it removes
// items.
func RecomputeRepresentative(ctx context.Context, q repo.DBTX, clusterID int64) error {
	members, err := repo.ListClusterMembers(ctx, q, clusterID)
	if err != nil {
		return err
	}
	rep := ElectRepresentative(members)
	if rep == nil {
		return repo.SetClusterRepresentative(ctx, q, clusterID, nil)
	}
	return repo.SetClusterRepresentative(ctx, q, clusterID, &rep.ID)
}

// ElectRepresentative picks the item a cluster displays. Priority is
// strict: items with a canonical URL beat items without one; then the
// longest title+body in runes; then non-null published_at, earliest first;
// then the smallest id.
func ElectRepresentative(members []*types.Item) *types.Item {
	var best *types.Item
	for _, it := range members {
		if best == nil || beats(it, best) {
			best = it
		}
	}
	return best
}

func beats(a, b *types.Item) bool {
	if (a.CanonicalURL != "") != (b.CanonicalURL != "") {
		return a.CanonicalURL != ""
	}
	if al, bl := a.ContentLength(), b.ContentLength(); al != bl {
		return al > bl
	}
	if (a.PublishedAt != nil) != (b.PublishedAt != nil) {
		return a.PublishedAt != nil
	}
	if a.PublishedAt != nil && !a.PublishedAt.Equal(*b.PublishedAt) {
		return a.PublishedAt.Before(*b.PublishedAt)
	}
	return a.ID < b.ID
}
