// Package timestamp provides standardized Unix timestamp handling utilities.
//
// Envelope timestamps on the device wire contract are int64 milliseconds since
// Unix epoch (UTC); this package is the single conversion point so the rest of
// the codebase never parses time formats ad hoc. A value of 0 always means
// "not set", and every function here treats it that way.
package timestamp

import (
	"strconv"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds, mapping the zero time
// to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time, mapping 0 to the zero
// time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders a millisecond timestamp as RFC3339 in UTC, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return FromUnixMs(ms).UTC().Format(time.RFC3339)
}

// Parse coerces a decoded JSON value into Unix milliseconds. Numeric inputs
// are taken as milliseconds when large enough and as seconds otherwise;
// strings may be RFC3339 or a numeric epoch. Anything unparseable yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case int64:
		return normalizeEpoch(v)
	case float64:
		return normalizeEpoch(int64(v))
	case int:
		return normalizeEpoch(int64(v))
	case string:
		return parseString(v)
	case time.Time:
		return ToUnixMs(v)
	default:
		return 0
	}
}

// normalizeEpoch distinguishes second from millisecond epochs. Anything past
// 1e12 (year 33658 in seconds, year 2001 in milliseconds) must already be
// milliseconds.
func normalizeEpoch(n int64) int64 {
	switch {
	case n == 0:
		return 0
	case n > 1e12:
		return n
	default:
		return n * 1000
	}
}

func parseString(s string) int64 {
	if s == "" {
		return 0
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(n)
	}
	return 0
}
