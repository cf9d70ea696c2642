package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Value is one raw timestamp as reported by a device. Absent fields stay at
// their zero value: a nil Time, an empty Text, a zero Epoch.
type Value struct {
	Time  *time.Time
	Text  string
	Epoch int64
}

// layouts the devices have been observed to emit, tried in order.
var layouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02",
}

var (
	isoRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?`)
	slashRe = regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`)
	epochRe = regexp.MustCompile(`\b\d{10,13}\b`)
	digits  = regexp.MustCompile(`^\d+$`)
)

// Normalize converts a raw device timestamp into a canonical UTC instant.
// It tries the structured value, then epoch seconds, then known string
// layouts, and finally scans fallbackRaw for an embedded timestamp. It
// never panics; ok is false when nothing parses.
func Normalize(v Value, fallbackRaw string) (time.Time, bool) {
	if v.Time != nil && !v.Time.IsZero() {
		return v.Time.UTC(), true
	}
	if v.Epoch != 0 {
		return fromEpoch(v.Epoch), true
	}
	if s := strings.TrimSpace(v.Text); s != "" {
		if ts, ok := parseText(s); ok {
			return ts, true
		}
	}
	if fallbackRaw != "" {
		if ts, ok := extract(fallbackRaw); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseText(s string) (time.Time, bool) {
	// Purely numeric strings are epoch runs, not dates.
	if digits.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n), true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// extract searches free text for an embedded timestamp, preferring an
// ISO-like run, then a slash date, then a 10-13 digit epoch run.
func extract(raw string) (time.Time, bool) {
	if m := isoRe.FindString(raw); m != "" {
		if ts, ok := parseText(m); ok {
			return ts, true
		}
	}
	if m := slashRe.FindString(raw); m != "" {
		if ts, ok := parseText(m); ok {
			return ts, true
		}
	}
	if m := epochRe.FindString(raw); m != "" {
		if n, err := strconv.ParseInt(m, 10, 64); err == nil {
			return fromEpoch(n), true
		}
	}
	return time.Time{}, false
}

// fromEpoch treats 13-digit values as milliseconds, everything else as
// seconds.
func fromEpoch(n int64) time.Time {
	if n >= 1_000_000_000_000 {
		n /= 1000
	}
	return time.Unix(n, 0).UTC()
}
