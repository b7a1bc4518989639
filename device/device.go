// Package device defines the shared device model for the fleet: domains,
// gateway types, the domain/type/subtype identity triple, and protocol
// version parsing and comparison.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Domain identifies the broad device family on the wire contract.
type Domain int

// Known device domains. Wire values are fixed by devices in the field.
const (
	DomainDrone         Domain = 0
	DomainPayload       Domain = 1
	DomainRemoteControl Domain = 2
	DomainDock          Domain = 3
)

// String returns the string representation of Domain
func (d Domain) String() string {
	switch d {
	case DomainDrone:
		return "drone"
	case DomainPayload:
		return "payload"
	case DomainRemoteControl:
		return "remote_control"
	case DomainDock:
		return "dock"
	default:
		return "unknown"
	}
}

// GatewayType identifies the addressable parent device class through which
// traffic is routed. Only gateways own topics; sub-devices ride on their
// gateway's serial.
type GatewayType int

// Known gateway types
const (
	GatewayDock GatewayType = iota
	GatewayRemoteControl
)

// String returns the string representation of GatewayType
func (g GatewayType) String() string {
	switch g {
	case GatewayDock:
		return "dock"
	case GatewayRemoteControl:
		return "remote_control"
	default:
		return "unknown"
	}
}

// GatewayTypeForDomain maps a device domain to its gateway type.
// Only dock and remote-control domains are addressable gateways.
func GatewayTypeForDomain(d Domain) (GatewayType, bool) {
	switch d {
	case DomainDock:
		return GatewayDock, true
	case DomainRemoteControl:
		return GatewayRemoteControl, true
	default:
		return 0, false
	}
}

// Identity is the domain/type/subtype triple that identifies a hardware model.
type Identity struct {
	Domain  Domain `json:"domain"`
	Type    int    `json:"type"`
	SubType int    `json:"sub_type"`
}

// String returns the canonical "domain-type-subtype" form.
func (i Identity) String() string {
	return fmt.Sprintf("%d-%d-%d", i.Domain, i.Type, i.SubType)
}

// Version is a protocol version compared numerically by segment.
// The zero value means "unspecified" and compares lower than any real version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a "major.minor.patch" protocol version string.
// Missing trailing segments default to zero ("1.2" parses as 1.2.0).
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q: too many segments", s)
	}

	var segs [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: bad segment %q", s, part)
		}
		segs[i] = n
	}

	return Version{Major: segs[0], Minor: segs[1], Patch: segs[2]}, nil
}

// MustParseVersion parses a version string and panics on error.
// Intended for static capability declarations at startup.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether the version is unspecified.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0, or 1 if v is lower, equal, or higher than other.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return sign(v.Major - other.Major)
	}
	if v.Minor != other.Minor {
		return sign(v.Minor - other.Minor)
	}
	return sign(v.Patch - other.Patch)
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}

// String returns the "major.minor.patch" form, or "" for the zero version.
func (v Version) String() string {
	if v.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MarshalJSON encodes the version as its string form.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON decodes the version from its string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("version must be a JSON string: %w", err)
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
