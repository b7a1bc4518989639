// Package capability implements the pre-flight gate that decides whether a
// device may be asked to perform an operation at all. The decision is a pure
// function of two snapshots (device session, method requirement) and performs
// no I/O; it runs before any publish for cloud-initiated operations.
package capability

import (
	"fmt"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/session"
)

// Decision is the outcome of a capability check.
type Decision int

// Possible decisions
const (
	// Allowed means the device supports the operation.
	Allowed Decision = iota
	// AllowedDeprecated means the device supports the operation but the
	// method is deprecated for its protocol version; callers proceed but
	// should flag it.
	AllowedDeprecated
	// DeniedTypeNotSupported means the device's gateway type is outside
	// the requirement's include set or inside its exclude set.
	DeniedTypeNotSupported
	// DeniedVersionNotSupported means the device's protocol version is
	// below the requirement's minimum.
	DeniedVersionNotSupported
)

// String returns the string representation of Decision
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case AllowedDeprecated:
		return "allowed_deprecated"
	case DeniedTypeNotSupported:
		return "denied_type_not_supported"
	case DeniedVersionNotSupported:
		return "denied_version_not_supported"
	default:
		return "unknown"
	}
}

// Allowed reports whether the operation may proceed.
func (d Decision) Allowed() bool {
	return d == Allowed || d == AllowedDeprecated
}

// Requirement is the capability descriptor a method declares: minimum
// protocol version, gateway-type include/exclude sets, and an optional
// deprecation marker. The zero value allows every device.
type Requirement struct {
	// MinVersion is the minimum protocol version; the zero version means
	// any.
	MinVersion device.Version

	// Include lists the gateway types the method supports; empty means
	// all types.
	Include []device.GatewayType

	// Exclude lists gateway types the method never supports, applied
	// after Include.
	Exclude []device.GatewayType

	// DeprecatedSince marks the version at or above which the method is
	// deprecated; matching devices get AllowedDeprecated, not a denial.
	DeprecatedSince device.Version
}

// Check decides whether the session's device may perform an operation with
// the given requirement. Pure function, zero I/O.
func Check(snap session.Snapshot, req Requirement) Decision {
	if len(req.Include) > 0 && !containsType(req.Include, snap.GatewayType) {
		return DeniedTypeNotSupported
	}
	if containsType(req.Exclude, snap.GatewayType) {
		return DeniedTypeNotSupported
	}

	if !req.MinVersion.IsZero() && !snap.Version.AtLeast(req.MinVersion) {
		return DeniedVersionNotSupported
	}

	if !req.DeprecatedSince.IsZero() && snap.Version.AtLeast(req.DeprecatedSince) {
		return AllowedDeprecated
	}

	return Allowed
}

// DenialError converts a denied decision into its typed error, carrying the
// device and requirement context. Allowed decisions return nil.
func DenialError(d Decision, snap session.Snapshot, method string) error {
	switch d {
	case DeniedTypeNotSupported:
		return errors.WrapInvalid(
			fmt.Errorf("%w: method %q, gateway type %s",
				errors.ErrTypeNotSupported, method, snap.GatewayType),
			"capability", "Check", "gateway type check")
	case DeniedVersionNotSupported:
		return errors.WrapInvalid(
			fmt.Errorf("%w: method %q, device version %q",
				errors.ErrVersionNotSupported, method, snap.Version),
			"capability", "Check", "protocol version check")
	default:
		return nil
	}
}

func containsType(set []device.GatewayType, t device.GatewayType) bool {
	for _, candidate := range set {
		if candidate == t {
			return true
		}
	}
	return false
}
