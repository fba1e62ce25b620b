package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold normalizes text for comparison: NFKC, Unicode case folding, outer
// whitespace trimmed. Two titles that differ only in width, composition, or
// case fold to the same string.
func Fold(s string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(s)))
}

// CanonicalURL is the comparable form of a link plus its blocking keys.
type CanonicalURL struct {
	URL    string
	Hash   string
	Domain string
}

// CanonicalizeURL rewrites a URL into its comparable form: scheme and host
// lowercased, default ports dropped, fragment dropped, tracking parameters
// stripped, remaining query sorted by key. Relative or unparsable input is
// an error; callers treat that as "no URL".
func CanonicalizeURL(raw string) (*CanonicalURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("canonicalize url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("canonicalize url: %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts by key

	canonical := u.String()
	sum := sha256.Sum256([]byte(canonical))
	return &CanonicalURL{
		URL:    canonical,
		Hash:   hex.EncodeToString(sum[:]),
		Domain: u.Hostname(),
	}, nil
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	switch k {
	case "fbclid", "gclid", "igshid", "ref":
		return true
	}
	return false
}

// FirstURL returns the first absolute http(s) URL in free text, or "".
func FirstURL(text string) string {
	for _, f := range strings.Fields(text) {
		lower := strings.ToLower(f)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return strings.TrimRight(f, ".,;:!?)\"'")
		}
	}
	return ""
}

// ContentHash hashes the semantic normalization of title plus body: folded,
// whitespace collapsed, embedded URLs canonicalized. Empty content yields
// "" so the hash never blocks on empty strings.
func ContentHash(title, body string) string {
	text := normalizeText(title + "\n" + body)
	if text == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	fields := strings.Fields(Fold(s))
	for i, f := range fields {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			if cu, err := CanonicalizeURL(f); err == nil {
				fields[i] = cu.URL
			}
		}
	}
	return strings.Join(fields, " ")
}

// TitleTokens returns the full folded token set of a title, deduplicated in
// first-occurrence order. Tokens are maximal runs of letters and digits.
func TitleTokens(title string) []string {
	raw := strings.FieldsFunc(Fold(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(raw))
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	return tokens
}

// maxRareTokens caps how many blocking tokens one item contributes.
const maxRareTokens = 12

// RareTokens filters a token set down to blocking keys: at least 5 runes,
// at least one letter, not a stopword. At most maxRareTokens survive, in
// first-occurrence order.
func RareTokens(tokens []string) []string {
	rare := make([]string, 0, maxRareTokens)
	for _, t := range tokens {
		if utf8.RuneCountInString(t) < 5 {
			continue
		}
		if !hasLetter(t) {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		rare = append(rare, t)
		if len(rare) == maxRareTokens {
			break
		}
	}
	return rare
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// stopwords holds function words long enough to pass the length filter, in
// the languages the aggregated channels mostly post in. Short stopwords are
// already excluded by the 5-rune minimum. "https" covers URL fragments that
// survive tokenization.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"about", "above", "after", "again", "against", "because", "before",
		"being", "below", "between", "could", "during", "every", "first",
		"https", "other", "should", "since", "still", "their", "there",
		"these", "think", "those", "through", "under", "until", "where",
		"which", "while", "would",
		"будет", "вообще", "всегда", "здесь", "иногда", "когда", "которые",
		"который", "между", "может", "можно", "нужно", "однако", "очень",
		"после", "потом", "потому", "просто", "сейчас", "также", "теперь",
		"только", "через", "чтобы", "этого", "этому",
	} {
		stopwords[w] = struct{}{}
	}
}

// Jaccard measures token-set overlap: intersection over union. Either side
// empty scores zero.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	union := len(setA)
	intersection := 0
	seenB := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seenB[t]; dup {
			continue
		}
		seenB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}
