// Package timeparse resolves operator-supplied time expressions in layers:
// compact durations (+6h, 2d), absolute stamps (RFC3339 or date-only), then
// natural language ("tomorrow", "next monday").
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactRe matches compact duration expressions: [+-]?(\d+)([hdwmy]).
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// absoluteLayouts are tried in order for absolute stamps. Date-only parses
// to midnight UTC.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

var nlp = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// Parse resolves expr relative to now. Every layer is tried in order; the
// error from an unrecognized expression lists example forms.
func Parse(expr string, now time.Time) (time.Time, error) {
	if t, ok := parseCompact(expr, now); ok {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, expr); err == nil {
			return t.UTC(), nil
		}
	}
	res, err := nlp.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", expr, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression %q (examples: +6h, 2d, tomorrow, next monday, 2025-01-15)", expr)
	}
	return res.Time.UTC(), nil
}

// parseCompact handles the duration layer: h=hours, d=days, w=weeks,
// m=months, y=years, sign optional and positive by default.
func parseCompact(expr string, now time.Time) (time.Time, bool) {
	m := compactRe.FindStringSubmatch(expr)
	if m == nil {
		return time.Time{}, false
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), true
	case "d":
		return now.AddDate(0, 0, amount), true
	case "w":
		return now.AddDate(0, 0, amount*7), true
	case "m":
		return now.AddDate(0, amount, 0), true
	default:
		return now.AddDate(amount, 0, 0), true
	}
}
