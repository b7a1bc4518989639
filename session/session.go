// Package session tracks known gateway devices and their lifecycle. The
// registry owns every session record exclusively; other components read
// point-in-time snapshots. Per-serial transitions are linearizable while
// different devices update concurrently.
package session

import (
	"context"
	"time"

	"github.com/c360/fleetstream/device"
)

// Snapshot is a read-only copy of one gateway's session state.
type Snapshot struct {
	// GatewaySerial is the addressable serial the device's topics are
	// built from. Primary key of the registry.
	GatewaySerial string

	// ChildSerial is the paired sub-device (e.g. the drone riding on a
	// dock), empty when none is attached.
	ChildSerial string

	// Identity is the gateway's domain/type/subtype triple.
	Identity device.Identity

	// GatewayType classifies the gateway for capability checks.
	GatewayType device.GatewayType

	// Version is the gateway's declared firmware-protocol version.
	Version device.Version

	// Online reports whether the session is currently live.
	Online bool

	// Deadline is the liveness deadline; the sweep marks the session
	// offline once it elapses.
	Deadline time.Time
}

// Record is the durable form of a session written to the roster store.
// Only enough state to resurvive a process restart.
type Record struct {
	GatewaySerial string          `json:"gateway_serial"`
	ChildSerial   string          `json:"child_serial,omitempty"`
	Identity      device.Identity `json:"identity"`
	Version       device.Version  `json:"version"`
	Online        bool            `json:"online"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Store is the durable roster contract used only for crash reconciliation.
// The registry is the single writer.
type Store interface {
	// LoadAllOnline returns every record whose last known state was online.
	LoadAllOnline(ctx context.Context) ([]Record, error)

	// Upsert creates or replaces the record for its gateway serial.
	Upsert(ctx context.Context, rec Record) error

	// Remove deletes the record for a gateway serial.
	Remove(ctx context.Context, serial string) error
}

// Attributes are the device-declared properties applied on registration.
type Attributes struct {
	ChildSerial string
	Identity    device.Identity
	Version     device.Version
}
