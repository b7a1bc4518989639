package method

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/topic"
)

type coverPayload struct {
	Position int `json:"position"`
}

func TestResolve(t *testing.T) {
	reg, err := NewRegistry(topic.CategoryServices,
		Descriptor{Method: "cover_open", NewPayload: func() any { return &coverPayload{} }},
		Descriptor{Method: "cover_close", Route: "cover"},
	)
	require.NoError(t, err)

	d := reg.Resolve("cover_open")
	assert.False(t, d.IsUnknown())
	assert.Equal(t, "cover_open", d.Route, "route defaults to method name")

	d = reg.Resolve("cover_close")
	assert.Equal(t, "cover", d.Route)

	d = reg.Resolve("never_registered")
	assert.True(t, d.IsUnknown())
}

func TestResolveEmptyMethodFallsBackToDefault(t *testing.T) {
	reg, err := NewRegistry(topic.CategoryOSD,
		Descriptor{Route: "telemetry"},
	)
	require.NoError(t, err)

	d := reg.Resolve("")
	assert.Equal(t, "telemetry", d.Route)
}

func TestResolveEmptyMethodWithoutDefault(t *testing.T) {
	reg, err := NewRegistry(topic.CategoryOSD)
	require.NoError(t, err)

	assert.True(t, reg.Resolve("").IsUnknown())
	assert.True(t, reg.ResolveData(json.RawMessage(`{"x":1}`)).IsUnknown())
}

func TestResolveData(t *testing.T) {
	reg, err := NewRegistry(topic.CategoryState,
		Descriptor{Fields: []string{"firmware_version", "firmware_status"}, Route: "firmware"},
		Descriptor{Fields: []string{"live_capacity"}, Route: "live"},
		Descriptor{Route: "state_default"},
	)
	require.NoError(t, err)

	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"first field set", `{"firmware_version": "1.0.0"}`, "firmware"},
		{"second field of same set", `{"firmware_status": 1}`, "firmware"},
		{"other field set", `{"live_capacity": {"total": 3}}`, "live"},
		{"no registered field falls back", `{"unrelated": true}`, "state_default"},
		{"non object falls back", `[1,2,3]`, "state_default"},
		{"empty falls back", ``, "state_default"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := reg.ResolveData(json.RawMessage(test.raw))
			assert.Equal(t, test.expected, d.Route)
		})
	}
}

func TestNewRegistryConflicts(t *testing.T) {
	tests := []struct {
		name  string
		descs []Descriptor
	}{
		{
			name: "duplicate method",
			descs: []Descriptor{
				{Method: "cover_open"},
				{Method: "cover_open"},
			},
		},
		{
			name: "overlapping field sets",
			descs: []Descriptor{
				{Fields: []string{"a", "b"}, Route: "ab"},
				{Fields: []string{"b", "c"}, Route: "bc"},
			},
		},
		{
			name: "method and fields on one descriptor",
			descs: []Descriptor{
				{Method: "x", Fields: []string{"a"}},
			},
		},
		{
			name: "two category defaults",
			descs: []Descriptor{
				{Route: "first"},
				{Route: "second"},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewRegistry(topic.CategoryState, test.descs...)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err), "registry conflicts are fatal at startup")
		})
	}
}

func TestMustNewRegistryPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustNewRegistry(topic.CategoryState,
			Descriptor{Method: "dup"},
			Descriptor{Method: "dup"},
		)
	})
}

func TestDecodePayload(t *testing.T) {
	d := Descriptor{Method: "cover_open", NewPayload: func() any { return &coverPayload{} }}

	payload, err := DecodePayload(json.RawMessage(`{"position": 2}`), d)
	require.NoError(t, err)
	cover, ok := payload.(*coverPayload)
	require.True(t, ok)
	assert.Equal(t, 2, cover.Position)

	_, err = DecodePayload(json.RawMessage(`{"position": "not a number"}`), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)
}

func TestDecodePayloadWithoutFactory(t *testing.T) {
	raw := json.RawMessage(`{"anything": true}`)
	payload, err := DecodePayload(raw, Descriptor{Route: "raw"})
	require.NoError(t, err)
	assert.Equal(t, raw, payload)
}
