// Package topic builds and parses the addressable channel names that devices
// and the cloud exchange messages on. Channel paths are pure functions of
// {category, direction, serial}; Build and Parse are exact inverses for all
// valid inputs and never panic on malformed input.
package topic

import (
	"fmt"
	"strings"

	"github.com/c360/fleetstream/errors"
)

// Category is a logical message family with its own channel suffix and its
// own method registry.
type Category string

// Known message categories
const (
	// CategoryOSD carries high-rate telemetry from the device.
	CategoryOSD Category = "osd"
	// CategoryState carries multiplexed device-state updates keyed by
	// which fields are present rather than an explicit method.
	CategoryState Category = "state"
	// CategoryServices carries cloud-initiated service calls and their replies.
	CategoryServices Category = "services"
	// CategoryEvents carries device-initiated events and cloud acks.
	CategoryEvents Category = "events"
	// CategoryStatus carries online/offline/topology announcements and acks.
	CategoryStatus Category = "status"
	// CategoryPropertySet carries cloud-initiated property writes and replies.
	CategoryPropertySet Category = "property_set"
	// CategoryDRC carries the low-latency direct remote control channel.
	CategoryDRC Category = "drc"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryOSD,
		CategoryState,
		CategoryServices,
		CategoryEvents,
		CategoryStatus,
		CategoryPropertySet,
		CategoryDRC,
	}
}

// Direction is the flow of a message on a channel: up is device to cloud,
// down is cloud to device.
type Direction int

// Message directions
const (
	Up Direction = iota
	Down
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Wildcard is the serial placeholder that matches any single device on a
// subscription pattern.
const Wildcard = "*"

// pattern describes one channel: the root segment plus the suffix segments
// after the serial number. Every channel has the shape
// {root}/product/{serial}/{suffix...}.
type pattern struct {
	root   string
	suffix string
}

var patterns = map[Category]map[Direction]pattern{
	CategoryOSD: {
		Up: {"thing", "osd"},
	},
	CategoryState: {
		Up: {"thing", "state"},
	},
	CategoryServices: {
		Down: {"thing", "services"},
		Up:   {"thing", "services_reply"},
	},
	CategoryEvents: {
		Up:   {"thing", "events"},
		Down: {"thing", "events_reply"},
	},
	CategoryStatus: {
		Up:   {"sys", "status"},
		Down: {"sys", "status_reply"},
	},
	CategoryPropertySet: {
		Down: {"thing", "property/set"},
		Up:   {"thing", "property/set_reply"},
	},
	CategoryDRC: {
		Up:   {"thing", "drc/up"},
		Down: {"thing", "drc/down"},
	},
}

type channel struct {
	cat Category
	dir Direction
}

// inverse maps "root|suffix" back to its category and direction.
var inverse = func() map[string]channel {
	m := make(map[string]channel)
	for cat, dirs := range patterns {
		for dir, p := range dirs {
			m[p.root+"|"+p.suffix] = channel{cat: cat, dir: dir}
		}
	}
	return m
}()

// Build returns the channel path for a category, direction, and device serial.
// The serial must be non-empty and must not contain a path separator; the
// Wildcard constant is accepted for subscription patterns.
func Build(cat Category, dir Direction, serial string) (string, error) {
	dirs, ok := patterns[cat]
	if !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("unknown category %q", cat),
			"topic", "Build", "resolve category")
	}
	p, ok := dirs[dir]
	if !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("category %q has no %s channel", cat, dir),
			"topic", "Build", "resolve direction")
	}
	if serial == "" || strings.Contains(serial, "/") {
		return "", errors.WrapInvalid(
			fmt.Errorf("invalid serial %q", serial),
			"topic", "Build", "validate serial")
	}

	return p.root + "/product/" + serial + "/" + p.suffix, nil
}

// Pattern returns the wildcard subscription path covering every device on a
// category and direction.
func Pattern(cat Category, dir Direction) (string, error) {
	return Build(cat, dir, Wildcard)
}

// Parse decomposes a channel path into its category, direction, and serial.
// Anything that does not match a known channel shape returns an error
// satisfying errors.Is(err, errors.ErrUnknownTopic).
func Parse(topic string) (Category, Direction, string, error) {
	segs := strings.Split(topic, "/")
	if len(segs) < 4 || segs[1] != "product" || segs[2] == "" {
		return "", 0, "", unrecognized(topic)
	}

	key := segs[0] + "|" + strings.Join(segs[3:], "/")
	ch, ok := inverse[key]
	if !ok {
		return "", 0, "", unrecognized(topic)
	}

	return ch.cat, ch.dir, segs[2], nil
}

func unrecognized(topic string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %q", errors.ErrUnknownTopic, topic),
		"topic", "Parse", "match channel shape")
}
