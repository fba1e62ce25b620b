package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tgfeed/tca/internal/dedupe"
	"github.com/tgfeed/tca/internal/types"
	"github.com/tgfeed/tca/internal/upstream"
)

// NormalizeMessage turns one fetched message into a pending item plus its
// rare-token blocking set. The title is the first non-empty line of the
// text, the body everything after it. A message with no parseable URL just
// leaves the canonical fields empty.
func NormalizeMessage(ch *types.Channel, msg upstream.Message) (*types.Item, []string) {
	title, body := splitTitle(msg.Text)

	it := &types.Item{
		ChannelID:   ch.ID,
		TGMessageID: msg.ID,
		Title:       title,
		Body:        body,
		ContentHash: dedupe.ContentHash(title, body),
	}
	if !msg.Date.IsZero() {
		at := msg.Date.UTC()
		it.PublishedAt = &at
	}
	if raw := dedupe.FirstURL(msg.Text); raw != "" {
		if cu, err := dedupe.CanonicalizeURL(raw); err == nil {
			it.CanonicalURL = cu.URL
			it.CanonicalURLHash = cu.Hash
			it.CanonicalDomain = cu.Domain
		}
	}
	return it, dedupe.RareTokens(dedupe.TitleTokens(title))
}

// splitTitle cuts the message text into a first-line title and the rest.
func splitTitle(text string) (title, body string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

// rawWire is the synthesized audit payload for adapters that hand over no
// raw form of their own.
type rawWire struct {
	ID   int64  `json:"id"`
	Date string `json:"date,omitempty"`
	Text string `json:"text"`
}

// rawPayload returns the message's audit payload, synthesizing a minimal
// document when the adapter left Raw empty.
func rawPayload(msg upstream.Message) string {
	if msg.Raw != "" {
		return msg.Raw
	}
	w := rawWire{ID: msg.ID, Text: msg.Text}
	if !msg.Date.IsZero() {
		w.Date = msg.Date.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return string(b)
}
