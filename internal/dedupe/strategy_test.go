package dedupe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgfeed/tca/internal/types"
)

func urlItem(id int64, urlHash string) *types.Item {
	return &types.Item{ID: id, CanonicalURLHash: urlHash}
}

func TestExactURL(t *testing.T) {
	s := exactURL{}

	t.Run("item without url abstains", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: urlItem(10, ""), Candidates: []*types.Item{urlItem(1, "h")}})
		assert.Equal(t, StatusAbstain, out.Status)
		assert.Equal(t, ReasonNoURL, out.Reason)
	})

	t.Run("no candidate urls abstains", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: urlItem(10, "h"), Candidates: []*types.Item{urlItem(1, "")}})
		assert.Equal(t, StatusAbstain, out.Status)
		assert.Equal(t, ReasonNoCandidateURL, out.Reason)
	})

	t.Run("match collects every equal hash", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: urlItem(10, "h"), Candidates: []*types.Item{
			urlItem(1, "other"), urlItem(2, "h"), urlItem(3, "h"),
		}})
		assert.Equal(t, StatusDuplicate, out.Status)
		assert.Equal(t, ReasonExactURLMatch, out.Reason)
		assert.Equal(t, 1.0, out.Score)
		assert.Equal(t, int64(2), out.CandidateID)
		assert.Equal(t, []int64{2, 3}, out.Matched)
	})

	t.Run("urls on both sides but no match is distinct", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: urlItem(10, "h"), Candidates: []*types.Item{urlItem(1, "other")}})
		assert.Equal(t, StatusDistinct, out.Status)
		assert.Equal(t, ReasonURLMismatch, out.Reason)
	})
}

func hashItem(id int64, contentHashValue string) *types.Item {
	return &types.Item{ID: id, ContentHash: contentHashValue}
}

func TestContentHashStrategy(t *testing.T) {
	s := contentHash{}

	t.Run("item without hash abstains", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: hashItem(10, ""), Candidates: []*types.Item{hashItem(1, "h")}})
		assert.Equal(t, ReasonNoContentHash, out.Reason)
	})

	t.Run("no candidate hashes abstains", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: hashItem(10, "h"), Candidates: []*types.Item{hashItem(1, "")}})
		assert.Equal(t, ReasonNoCandidateHash, out.Reason)
	})

	t.Run("equal hash is duplicate", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: hashItem(10, "h"), Candidates: []*types.Item{hashItem(1, "h")}})
		assert.Equal(t, StatusDuplicate, out.Status)
		assert.Equal(t, ReasonContentHashMatch, out.Reason)
		assert.Equal(t, []int64{1}, out.Matched)
	})

	t.Run("mismatch defers to title similarity", func(t *testing.T) {
		out := s.Evaluate(&Input{Item: hashItem(10, "h"), Candidates: []*types.Item{hashItem(1, "other")}})
		assert.Equal(t, StatusAbstain, out.Status)
		assert.Equal(t, ReasonHashMismatch, out.Reason)
	})
}

func titleItem(id int64, title string) *types.Item {
	return &types.Item{ID: id, Title: title}
}

func similarityInput(item *types.Item, threshold float64, candidates ...*types.Item) *Input {
	return &Input{
		Item:       item,
		ItemTokens: TitleTokens(item.Title),
		Candidates: candidates,
		Threshold:  threshold,
	}
}

func TestTitleSimilarity(t *testing.T) {
	s := titleSimilarity{}

	t.Run("too few item tokens abstains", func(t *testing.T) {
		out := s.Evaluate(similarityInput(titleItem(10, "two words"), 0.5, titleItem(1, "a longer candidate title")))
		assert.Equal(t, StatusAbstain, out.Status)
		assert.Equal(t, ReasonTooFewTokens, out.Reason)
	})

	t.Run("no comparable candidate abstains", func(t *testing.T) {
		out := s.Evaluate(similarityInput(titleItem(10, "one two three four"), 0.5, titleItem(1, "too short")))
		assert.Equal(t, StatusAbstain, out.Status)
		assert.Equal(t, ReasonNoComparable, out.Reason)
	})

	t.Run("match records best score and candidate", func(t *testing.T) {
		item := titleItem(10, "alpha beta gamma delta")
		near := titleItem(1, "alpha beta gamma epsilon") // jaccard 3/5
		exact := titleItem(2, "alpha beta gamma delta")  // jaccard 1.0
		out := s.Evaluate(similarityInput(item, 0.5, near, exact))

		assert.Equal(t, StatusDuplicate, out.Status)
		assert.Equal(t, ReasonTitleSimilarityMatch, out.Reason)
		assert.InDelta(t, 1.0, out.Score, 1e-9)
		assert.Equal(t, int64(2), out.CandidateID, "candidate id follows the best score")
		assert.Equal(t, []int64{1, 2}, out.Matched)
	})

	t.Run("below threshold is distinct", func(t *testing.T) {
		item := titleItem(10, "alpha beta gamma delta")
		far := titleItem(1, "one two three four")
		out := s.Evaluate(similarityInput(item, 0.9, far))
		assert.Equal(t, StatusDistinct, out.Status)
		assert.Equal(t, ReasonBelowThreshold, out.Reason)
	})

	t.Run("pinned threshold overrides the dynamic one", func(t *testing.T) {
		pinned := 0.5
		loose := titleSimilarity{pinned: &pinned}
		item := titleItem(10, "alpha beta gamma delta")
		near := titleItem(1, "alpha beta gamma epsilon") // jaccard 0.6

		// Dynamic threshold alone would reject the pair.
		out := loose.Evaluate(similarityInput(item, 0.9, near))
		assert.Equal(t, StatusDuplicate, out.Status)
	})
}

func TestOutcomeValidate(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		detail  string
	}{
		{"unknown status", Outcome{Status: "maybe"}, "unknown outcome status"},
		{"nan score", Outcome{Status: StatusDuplicate, Score: math.NaN(), Matched: []int64{1}, CandidateID: 1}, "not finite"},
		{"infinite score", Outcome{Status: StatusDuplicate, Score: math.Inf(1), Matched: []int64{1}, CandidateID: 1}, "not finite"},
		{"score above one", Outcome{Status: StatusDuplicate, Score: 1.5, Matched: []int64{1}, CandidateID: 1}, "outside [0, 1]"},
		{"negative score", Outcome{Status: StatusDuplicate, Score: -0.1, Matched: []int64{1}, CandidateID: 1}, "outside [0, 1]"},
		{"no candidate", Outcome{Status: StatusDuplicate, Score: 1.0}, "names no candidate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate("test_strategy", tt.outcome)
			var cerr *ContractError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "test_strategy", cerr.Strategy)
			assert.Contains(t, cerr.Detail, tt.detail)
		})
	}

	t.Run("valid outcomes pass", func(t *testing.T) {
		assert.NoError(t, validate("s", Abstain(ReasonNoURL)))
		assert.NoError(t, validate("s", Distinct(ReasonURLMismatch)))
		assert.NoError(t, validate("s", Duplicate(ReasonExactURLMatch, 1.0, []int64{3})))
	})
}

func TestMarshalMetadata(t *testing.T) {
	t.Run("empty becomes empty object", func(t *testing.T) {
		got, err := marshalMetadata("s", Outcome{})
		require.NoError(t, err)
		assert.Equal(t, "{}", got)
	})

	t.Run("unencodable value is a contract error", func(t *testing.T) {
		out := Outcome{Metadata: map[string]any{"fn": func() {}}}
		_, err := marshalMetadata("s", out)
		var cerr *ContractError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "s", cerr.Strategy)
	})
}
