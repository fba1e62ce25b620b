package dedupe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Breaking NEWS", "breaking news"},
		{"fullwidth compatibility", "Ｂｒｅａｋｉｎｇ", "breaking"},
		{"trims", "  padded  ", "padded"},
		{"cyrillic", "НОВОСТИ", "новости"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.in))
		})
	}
}

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"lowercases scheme and host",
			"HTTPS://Example.COM/Path",
			"https://example.com/Path",
		},
		{
			"strips default https port",
			"https://example.com:443/a",
			"https://example.com/a",
		},
		{
			"strips default http port",
			"http://example.com:80/a",
			"http://example.com/a",
		},
		{
			"keeps explicit non-default port",
			"https://example.com:8443/a",
			"https://example.com:8443/a",
		},
		{
			"drops fragment",
			"https://example.com/a#section-2",
			"https://example.com/a",
		},
		{
			"strips tracking params and sorts the rest",
			"https://example.com/a?z=1&utm_source=tg&a=2&fbclid=xyz&gclid=1&igshid=2&ref=foo",
			"https://example.com/a?a=2&z=1",
		},
		{
			"drops empty query",
			"https://example.com/a?utm_campaign=x",
			"https://example.com/a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cu, err := CanonicalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cu.URL)
		})
	}
}

func TestCanonicalizeURLVariantsShareHash(t *testing.T) {
	a, err := CanonicalizeURL("https://Example.com/story?utm_source=a&id=7")
	require.NoError(t, err)
	b, err := CanonicalizeURL("https://example.com:443/story?id=7&fbclid=zz#frag")
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, "example.com", a.Domain)
	assert.Equal(t, a.Domain, b.Domain)
	assert.Len(t, a.Hash, 64)
}

func TestCanonicalizeURLRejectsRelative(t *testing.T) {
	for _, in := range []string{"", "/just/a/path", "example.com/no-scheme", "::bogus::"} {
		_, err := CanonicalizeURL(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestCanonicalizeURLDomainStripsPort(t *testing.T) {
	cu, err := CanonicalizeURL("https://news.example.com:8443/x")
	require.NoError(t, err)
	assert.Equal(t, "news.example.com", cu.Domain)
}

func TestFirstURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"read this https://example.com/a and more", "https://example.com/a"},
		{"trailing punct https://example.com/a.", "https://example.com/a"},
		{"HTTPS://EXAMPLE.COM/A first", "HTTPS://EXAMPLE.COM/A"},
		{"no links here", ""},
		{"ftp://example.com unsupported", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FirstURL(tt.in), "input %q", tt.in)
	}
}

func TestContentHash(t *testing.T) {
	base := ContentHash("Big Story", "something happened https://ex.com/a?utm_source=x today")

	t.Run("stable across tracking params and case", func(t *testing.T) {
		same := ContentHash("big STORY", "something  happened https://ex.com/a?fbclid=y today")
		assert.Equal(t, base, same)
	})
	t.Run("whitespace collapse", func(t *testing.T) {
		same := ContentHash("Big  Story", "something\nhappened https://ex.com/a today")
		assert.Equal(t, base, same)
	})
	t.Run("different text differs", func(t *testing.T) {
		other := ContentHash("Big Story", "something else happened")
		assert.NotEqual(t, base, other)
	})
	t.Run("empty content yields no hash", func(t *testing.T) {
		assert.Empty(t, ContentHash("", ""))
		assert.Empty(t, ContentHash("  ", "\n"))
	})
}

func TestTitleTokens(t *testing.T) {
	tokens := TitleTokens("Breaking: Breaking news, 2nd edition (updated)")
	assert.Equal(t, []string{"breaking", "news", "2nd", "edition", "updated"}, tokens)

	assert.Empty(t, TitleTokens(""))
	assert.Empty(t, TitleTokens("!!! ---"))
}

func TestRareTokens(t *testing.T) {
	t.Run("filters short tokens", func(t *testing.T) {
		assert.Empty(t, RareTokens([]string{"a", "ab", "abc", "abcd"}))
	})
	t.Run("requires a letter", func(t *testing.T) {
		assert.Empty(t, RareTokens([]string{"12345", "99999"}))
		assert.Equal(t, []string{"abc12"}, RareTokens([]string{"abc12"}))
	})
	t.Run("drops stopwords", func(t *testing.T) {
		got := RareTokens([]string{"because", "quantum", "https", "только", "экономика"})
		assert.Equal(t, []string{"quantum", "экономика"}, got)
	})
	t.Run("caps at twelve", func(t *testing.T) {
		var in []string
		for i := 0; i < 20; i++ {
			in = append(in, strings.Repeat("x", 5)+string(rune('a'+i)))
		}
		assert.Len(t, RareTokens(in), maxRareTokens)
	})
	t.Run("counts runes not bytes", func(t *testing.T) {
		// Five Cyrillic letters are ten bytes but still five runes.
		assert.Equal(t, []string{"жизнь"}, RareTokens([]string{"жизнь"}))
	})
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0.0},
		{"half overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"empty side", nil, []string{"a"}, 0.0},
		{"both empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}
