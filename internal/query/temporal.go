package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// Date window extraction. All produced ranges are inclusive on both sides:
// From is the first instant of its day, To the last instant of its day.

var (
	datePattern = `(\d{4}-\d{2}-\d{2}|(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2},?\s+\d{4})`

	reRange    = regexp.MustCompile(`(?:between|from)\s+` + datePattern + `\s+(?:and|to|until)\s+` + datePattern)
	reSince    = regexp.MustCompile(`since\s+` + datePattern)
	reLastN    = regexp.MustCompile(`(?:last|past)\s+(\d+)\s+(day|week|month|year)s?`)
	reLastUnit = regexp.MustCompile(`(?:last|past)\s+(day|week|month|year)\b`)
	reAgo      = regexp.MustCompile(`(\d+)\s+(day|week|month|year)s?\s+ago`)
	reThis     = regexp.MustCompile(`this\s+(week|month|year)\b`)
	reBareDate = regexp.MustCompile(`(?:^|\s|\(|on\s)` + datePattern)
)

// Month names parse case-insensitively, so lowercased input is fine.
var absoluteLayouts = []string{"2006-01-02", "January 2, 2006", "January 2 2006"}

// ParseTemporal extracts the time constraint from a query, relative phrases
// resolved against now. Returns nil when the query carries no time
// reference. First matching pattern wins; patterns are ordered most to
// least specific.
func ParseTemporal(queryText string, now time.Time) *model.TemporalFilter {
	lower := strings.ToLower(queryText)

	if m := reRange.FindStringSubmatch(lower); m != nil {
		from, okFrom := parseAbsolute(m[1])
		to, okTo := parseAbsolute(m[2])
		if okFrom && okTo && !to.Before(from) {
			return window(m[0], from, to)
		}
		// The query names a range but the range is unusable. Falling
		// through would misread one endpoint as a bare date.
		return nil
	}

	if m := reSince.FindStringSubmatch(lower); m != nil {
		if from, ok := parseAbsolute(m[1]); ok {
			return window(m[0], from, now)
		}
	}

	if m := reLastN.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return window(m[0], shiftBack(now, n, m[2]), now)
		}
	}

	if m := reLastUnit.FindStringSubmatch(lower); m != nil {
		return window(m[0], shiftBack(now, 1, m[1]), now)
	}

	if m := reAgo.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			day := shiftBack(now, n, m[2])
			return window(m[0], day, day)
		}
	}

	if m := reThis.FindStringSubmatch(lower); m != nil {
		return window(m[0], periodStart(now, m[1]), now)
	}

	if strings.Contains(lower, "yesterday") {
		day := now.AddDate(0, 0, -1)
		return window("yesterday", day, day)
	}
	if containsToken(lower, "today") {
		return window("today", now, now)
	}
	if containsToken(lower, "recent") || containsToken(lower, "recently") || containsToken(lower, "lately") {
		return window("recent", now.AddDate(0, 0, -30), now)
	}

	if m := reBareDate.FindStringSubmatch(lower); m != nil {
		if day, ok := parseAbsolute(m[1]); ok {
			return window(strings.TrimSpace(m[0]), day, day)
		}
	}

	return nil
}

func window(reference string, from, to time.Time) *model.TemporalFilter {
	f := startOfDay(from)
	t := endOfDay(to)
	return &model.TemporalFilter{
		TimeReference: strings.TrimSpace(reference),
		DateFrom:      &f,
		DateTo:        &t,
	}
}

func parseAbsolute(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range absoluteLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func shiftBack(now time.Time, n int, unit string) time.Time {
	switch unit {
	case "day":
		return now.AddDate(0, 0, -n)
	case "week":
		return now.AddDate(0, 0, -7*n)
	case "month":
		return now.AddDate(0, -n, 0)
	default: // year
		return now.AddDate(-n, 0, 0)
	}
}

func periodStart(now time.Time, unit string) time.Time {
	switch unit {
	case "week":
		// Week starts Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return now.AddDate(0, 0, -offset)
	case "month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default: // year
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}

func containsToken(lower, word string) bool {
	for _, tok := range Tokenize(lower) {
		if tok == word {
			return true
		}
	}
	return false
}
