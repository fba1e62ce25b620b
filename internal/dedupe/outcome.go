// Package dedupe decides whether a freshly ingested item repeats something
// already stored. An ordered strategy chain inspects a reduced candidate
// set; the first strategy with an opinion wins and the item is filed into a
// cluster accordingly. Every attempt leaves a decision row, which is the
// primary explainability surface.
package dedupe

import (
	"encoding/json"
	"fmt"
	"math"
)

// Status is the verdict class a strategy returns.
type Status string

const (
	StatusAbstain   Status = "abstain"
	StatusDistinct  Status = "distinct"
	StatusDuplicate Status = "duplicate"
)

// Reason codes carried on outcomes and persisted on decision rows.
const (
	ReasonNoURL                = "no_url"
	ReasonNoCandidateURL       = "no_candidate_url"
	ReasonExactURLMatch        = "exact_url_match"
	ReasonURLMismatch          = "url_mismatch"
	ReasonNoContentHash        = "no_content_hash"
	ReasonNoCandidateHash      = "no_candidate_hash"
	ReasonContentHashMatch     = "content_hash_match"
	ReasonHashMismatch         = "hash_mismatch"
	ReasonTooFewTokens         = "too_few_tokens"
	ReasonTitleSimilarityMatch = "title_similarity_match"
	ReasonBelowThreshold       = "below_similarity_threshold"
	ReasonNoComparable         = "no_comparable_candidate"
	ReasonNoStrategyMatch      = "no_strategy_match"
	ReasonClusterMerge         = "cluster_merge"
)

// Outcome is one strategy verdict. Duplicate outcomes carry every matched
// candidate id in ascending order; the merge set is derived from all of
// them, while CandidateID names the single match recorded on the decision
// row.
type Outcome struct {
	Status      Status
	Reason      string
	Score       float64
	CandidateID int64
	Matched     []int64
	Metadata    map[string]any
}

func Abstain(reason string) Outcome {
	return Outcome{Status: StatusAbstain, Reason: reason}
}

func Distinct(reason string) Outcome {
	return Outcome{Status: StatusDistinct, Reason: reason}
}

func Duplicate(reason string, score float64, matched []int64) Outcome {
	o := Outcome{Status: StatusDuplicate, Reason: reason, Score: score, Matched: matched}
	if len(matched) > 0 {
		o.CandidateID = matched[0]
	}
	return o
}

// ContractError reports a strategy that returned a malformed outcome. The
// chain halts for that item; the item stays pending and the failure is
// recorded through the ingest error path.
type ContractError struct {
	Strategy string
	Detail   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("dedupe strategy %s violated its contract: %s", e.Strategy, e.Detail)
}

// validate enforces the strategy contract before an outcome is acted on.
func validate(strategy string, o Outcome) error {
	switch o.Status {
	case StatusAbstain, StatusDistinct:
		return nil
	case StatusDuplicate:
	default:
		return &ContractError{Strategy: strategy, Detail: fmt.Sprintf("unknown outcome status %q", o.Status)}
	}
	if math.IsNaN(o.Score) || math.IsInf(o.Score, 0) {
		return &ContractError{Strategy: strategy, Detail: "score is not finite"}
	}
	if o.Score < 0 || o.Score > 1 {
		return &ContractError{Strategy: strategy, Detail: fmt.Sprintf("score %v outside [0, 1]", o.Score)}
	}
	if len(o.Matched) == 0 || o.CandidateID == 0 {
		return &ContractError{Strategy: strategy, Detail: "duplicate outcome names no candidate"}
	}
	return nil
}

// marshalMetadata encodes an outcome's metadata for the decision row. A
// value the JSON encoder rejects is a contract violation, not a storage
// error.
func marshalMetadata(strategy string, o Outcome) (string, error) {
	if len(o.Metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(o.Metadata)
	if err != nil {
		return "", &ContractError{Strategy: strategy, Detail: fmt.Sprintf("metadata is not JSON-encodable: %v", err)}
	}
	return string(raw), nil
}
