package timestamp

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	ms := ToUnixMs(now)
	if got := FromUnixMs(ms); !got.Equal(now) {
		t.Errorf("round trip: got %v, want %v", got, now)
	}
}

func TestZeroValues(t *testing.T) {
	if ToUnixMs(time.Time{}) != 0 {
		t.Error("zero time converts to 0")
	}
	if !FromUnixMs(0).IsZero() {
		t.Error("0 converts to zero time")
	}
	if Format(0) != "" {
		t.Error("0 formats to empty string")
	}
}

func TestFormat(t *testing.T) {
	ms := int64(1700000000000)
	want := "2023-11-14T22:13:20Z"
	if got := Format(ms); got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"zero int64", int64(0), 0},
		{"milliseconds int64", int64(1700000000000), 1700000000000},
		{"seconds int64", int64(1700000000), 1700000000000},
		{"float64", float64(1700000000000), 1700000000000},
		{"int seconds", int(1700000000), 1700000000000},
		{"rfc3339 string", "2023-11-14T22:13:20Z", 1700000000000},
		{"numeric string", "1700000000000", 1700000000000},
		{"empty string", "", 0},
		{"garbage string", "not a time", 0},
		{"unsupported type", struct{}{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.input); got != tt.want {
				t.Errorf("Parse(%v) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	if got := Parse(now); got != now.UnixMilli() {
		t.Errorf("Parse(time.Time) = %d", got)
	}
}
