package model

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts covers the native RFC3339 form and the " +NNNN UTC"
// suffixed string form the source system emits.
var timestampLayouts = []string{
	"2006-01-02 15:04:05 -0700 MST",
	"2006-01-02 15:04:05.999999 -0700 MST",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp is the single ingest-boundary timestamp normalizer: every
// timestamp column, whatever its source shape, is canonicalized here into a
// timezone-naive UTC wall-clock value before it enters the engine. Accepts
// both the " +NNNN UTC" suffixed string form and RFC3339.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return ToNaiveUTC(t), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q: %v", ErrParse, raw, lastErr)
}

// ToNaiveUTC strips timezone information from t, returning the equivalent
// wall-clock instant as a UTC time.Time. This is the engine's one
// normalization point (spec design note: canonicalize at ingest, not
// piecemeal downstream).
func ToNaiveUTC(t time.Time) time.Time {
	return t.UTC()
}

// DateOnly truncates t to a calendar date (midnight UTC), matching the
// "usage_start/usage_end are timezone-naive dates" invariant.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// HourFloor truncates t to the start of its hour, used for the hourly
// alignment join between OCP usage and cloud billing rows.
func HourFloor(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of days in the given year/month,
// leap-year aware.
func DaysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

// HoursInMonth returns days-in-month × 24.
func HoursInMonth(year int, month time.Month) float64 {
	return float64(DaysInMonth(year, month) * 24)
}
