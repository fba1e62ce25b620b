package dedupe

import (
	"github.com/tgfeed/tca/internal/types"
)

// Built-in strategy names. The chain configuration file refers to these.
const (
	StrategyExactURL        = "exact_url"
	StrategyContentHash     = "content_hash"
	StrategyTitleSimilarity = "title_similarity"

	// strategyChain labels the terminal decision row written when every
	// strategy abstained.
	strategyChain = "chain"
)

// minComparableTokens is the smallest token set title similarity will score.
const minComparableTokens = 3

// Input bundles everything one evaluation sees. Candidates arrive in
// ascending id order and keep that order throughout the chain.
type Input struct {
	Item       *types.Item
	ItemTokens []string
	Candidates []*types.Item
	Threshold  float64
}

// Strategy inspects an item against the candidate set and returns exactly
// one outcome. Evaluation is pure: no I/O, no mutation of the input.
type Strategy interface {
	Name() string
	Evaluate(in *Input) Outcome
}

type exactURL struct{}

func (exactURL) Name() string { return StrategyExactURL }

func (exactURL) Evaluate(in *Input) Outcome {
	if in.Item.CanonicalURLHash == "" {
		return Abstain(ReasonNoURL)
	}
	comparable := false
	var matched []int64
	for _, c := range in.Candidates {
		if c.CanonicalURLHash == "" {
			continue
		}
		comparable = true
		if c.CanonicalURLHash == in.Item.CanonicalURLHash {
			matched = append(matched, c.ID)
		}
	}
	if !comparable {
		return Abstain(ReasonNoCandidateURL)
	}
	if len(matched) > 0 {
		return Duplicate(ReasonExactURLMatch, 1.0, matched)
	}
	return Distinct(ReasonURLMismatch)
}

type contentHash struct{}

func (contentHash) Name() string { return StrategyContentHash }

func (contentHash) Evaluate(in *Input) Outcome {
	if in.Item.ContentHash == "" {
		return Abstain(ReasonNoContentHash)
	}
	comparable := false
	var matched []int64
	for _, c := range in.Candidates {
		if c.ContentHash == "" {
			continue
		}
		comparable = true
		if c.ContentHash == in.Item.ContentHash {
			matched = append(matched, c.ID)
		}
	}
	if !comparable {
		return Abstain(ReasonNoCandidateHash)
	}
	if len(matched) > 0 {
		return Duplicate(ReasonContentHashMatch, 1.0, matched)
	}
	// Differing hashes are weak evidence either way; near-duplicates with
	// one edited word hash apart. Defer to title similarity.
	return Abstain(ReasonHashMismatch)
}

type titleSimilarity struct {
	// pinned overrides the dynamic threshold setting when the chain
	// configuration file sets one.
	pinned *float64
}

func (titleSimilarity) Name() string { return StrategyTitleSimilarity }

func (s titleSimilarity) Evaluate(in *Input) Outcome {
	threshold := in.Threshold
	if s.pinned != nil {
		threshold = *s.pinned
	}
	if len(in.ItemTokens) < minComparableTokens {
		return Abstain(ReasonTooFewTokens)
	}

	comparable := false
	best := -1.0
	var bestID int64
	var matched []int64
	for _, c := range in.Candidates {
		candTokens := TitleTokens(c.Title)
		if len(candTokens) < minComparableTokens {
			continue
		}
		comparable = true
		score := Jaccard(in.ItemTokens, candTokens)
		if score > best {
			best = score
			bestID = c.ID
		}
		if score >= threshold {
			matched = append(matched, c.ID)
		}
	}
	if !comparable {
		return Abstain(ReasonNoComparable)
	}
	if len(matched) > 0 {
		o := Duplicate(ReasonTitleSimilarityMatch, best, matched)
		o.CandidateID = bestID
		return o
	}
	return Distinct(ReasonBelowThreshold)
}
