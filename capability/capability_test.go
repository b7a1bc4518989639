package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/session"
)

func dockSession(version string) session.Snapshot {
	return session.Snapshot{
		GatewaySerial: "DOCK-1",
		GatewayType:   device.GatewayDock,
		Version:       device.MustParseVersion(version),
		Online:        true,
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		snap     session.Snapshot
		req      Requirement
		expected Decision
	}{
		{
			name:     "zero requirement allows everything",
			snap:     dockSession("1.0.0"),
			req:      Requirement{},
			expected: Allowed,
		},
		{
			name:     "version at minimum",
			snap:     dockSession("1.2.0"),
			req:      Requirement{MinVersion: device.MustParseVersion("1.2.0")},
			expected: Allowed,
		},
		{
			name:     "version below minimum",
			snap:     dockSession("1.1.9"),
			req:      Requirement{MinVersion: device.MustParseVersion("1.2.0")},
			expected: DeniedVersionNotSupported,
		},
		{
			name:     "type in include set",
			snap:     dockSession("1.0.0"),
			req:      Requirement{Include: []device.GatewayType{device.GatewayDock}},
			expected: Allowed,
		},
		{
			name:     "type outside include set",
			snap:     dockSession("1.0.0"),
			req:      Requirement{Include: []device.GatewayType{device.GatewayRemoteControl}},
			expected: DeniedTypeNotSupported,
		},
		{
			name: "type in exclude set",
			snap: dockSession("1.0.0"),
			req: Requirement{
				Exclude: []device.GatewayType{device.GatewayDock},
			},
			expected: DeniedTypeNotSupported,
		},
		{
			name: "exclude wins over include",
			snap: dockSession("1.0.0"),
			req: Requirement{
				Include: []device.GatewayType{device.GatewayDock},
				Exclude: []device.GatewayType{device.GatewayDock},
			},
			expected: DeniedTypeNotSupported,
		},
		{
			name: "type check runs before version check",
			snap: dockSession("0.1.0"),
			req: Requirement{
				MinVersion: device.MustParseVersion("1.0.0"),
				Include:    []device.GatewayType{device.GatewayRemoteControl},
			},
			expected: DeniedTypeNotSupported,
		},
		{
			name: "deprecated at threshold",
			snap: dockSession("2.0.0"),
			req: Requirement{
				DeprecatedSince: device.MustParseVersion("2.0.0"),
			},
			expected: AllowedDeprecated,
		},
		{
			name: "not yet deprecated",
			snap: dockSession("1.9.9"),
			req: Requirement{
				DeprecatedSince: device.MustParseVersion("2.0.0"),
			},
			expected: Allowed,
		},
		{
			name:     "unversioned device denied by min version",
			snap:     dockSession(""),
			req:      Requirement{MinVersion: device.MustParseVersion("0.0.1")},
			expected: DeniedVersionNotSupported,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Check(test.snap, test.req)
			assert.Equal(t, test.expected, got, "decision %s", got)
		})
	}
}

func TestDecisionAllowed(t *testing.T) {
	assert.True(t, Allowed.Allowed())
	assert.True(t, AllowedDeprecated.Allowed())
	assert.False(t, DeniedTypeNotSupported.Allowed())
	assert.False(t, DeniedVersionNotSupported.Allowed())
}

func TestDenialError(t *testing.T) {
	snap := dockSession("1.0.0")

	err := DenialError(DeniedTypeNotSupported, snap, "cover_open")
	assert.ErrorIs(t, err, errors.ErrTypeNotSupported)

	err = DenialError(DeniedVersionNotSupported, snap, "cover_open")
	assert.ErrorIs(t, err, errors.ErrVersionNotSupported)

	assert.NoError(t, DenialError(Allowed, snap, "cover_open"))
	assert.NoError(t, DenialError(AllowedDeprecated, snap, "cover_open"))
}
