package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		cat      Category
		dir      Direction
		serial   string
		expected string
		wantErr  bool
	}{
		{
			name:     "osd up",
			cat:      CategoryOSD,
			dir:      Up,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/osd",
		},
		{
			name:     "services down",
			cat:      CategoryServices,
			dir:      Down,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/services",
		},
		{
			name:     "services reply up",
			cat:      CategoryServices,
			dir:      Up,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/services_reply",
		},
		{
			name:     "status up uses sys root",
			cat:      CategoryStatus,
			dir:      Up,
			serial:   "RC-7",
			expected: "sys/product/RC-7/status",
		},
		{
			name:     "status reply down",
			cat:      CategoryStatus,
			dir:      Down,
			serial:   "RC-7",
			expected: "sys/product/RC-7/status_reply",
		},
		{
			name:     "property set down",
			cat:      CategoryPropertySet,
			dir:      Down,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/property/set",
		},
		{
			name:     "property set reply up",
			cat:      CategoryPropertySet,
			dir:      Up,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/property/set_reply",
		},
		{
			name:     "drc down",
			cat:      CategoryDRC,
			dir:      Down,
			serial:   "DOCK-1",
			expected: "thing/product/DOCK-1/drc/down",
		},
		{
			name:    "osd has no down channel",
			cat:     CategoryOSD,
			dir:     Down,
			serial:  "DOCK-1",
			wantErr: true,
		},
		{
			name:    "unknown category",
			cat:     Category("bogus"),
			dir:     Up,
			serial:  "DOCK-1",
			wantErr: true,
		},
		{
			name:    "empty serial",
			cat:     CategoryOSD,
			dir:     Up,
			serial:  "",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Build(test.cat, test.dir, test.serial)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, got)
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Every buildable channel must parse back to the same triple.
	for _, cat := range Categories() {
		for _, dir := range []Direction{Up, Down} {
			built, err := Build(cat, dir, "SN-42")
			if err != nil {
				continue // channel does not exist in this direction
			}

			gotCat, gotDir, gotSerial, err := Parse(built)
			require.NoError(t, err, "parse %s", built)
			assert.Equal(t, cat, gotCat)
			assert.Equal(t, dir, gotDir)
			assert.Equal(t, "SN-42", gotSerial)
		}
	}
}

func TestParseUnrecognized(t *testing.T) {
	tests := []struct {
		name  string
		topic string
	}{
		{"empty", ""},
		{"wrong root", "other/product/SN-1/osd"},
		{"wrong middle", "thing/device/SN-1/osd"},
		{"unknown suffix", "thing/product/SN-1/bogus"},
		{"too short", "thing/product/SN-1"},
		{"missing serial", "thing/product//osd"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, _, err := Parse(test.topic)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrUnknownTopic)
		})
	}
}

func TestPattern(t *testing.T) {
	pattern, err := Pattern(CategoryStatus, Up)
	require.NoError(t, err)
	assert.Equal(t, "sys/product/*/status", pattern)

	pattern, err = Pattern(CategoryOSD, Up)
	require.NoError(t, err)
	assert.Equal(t, "thing/product/*/osd", pattern)

	_, err = Pattern(CategoryOSD, Down)
	require.Error(t, err)
}

func TestCategoriesStable(t *testing.T) {
	first := Categories()
	second := Categories()
	assert.Equal(t, first, second)
	assert.Len(t, first, 7)
}
