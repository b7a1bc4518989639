// Package method maps method names to payload types, handler routes, and
// capability requirements. Registries are category-scoped tables built once
// at startup; unknown methods resolve to an observable sentinel instead of
// failing, and configuration conflicts (duplicate methods, ambiguous
// field-set discriminators) are fatal at build time.
package method

import (
	"encoding/json"
	"fmt"

	"github.com/c360/fleetstream/capability"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/topic"
)

// RouteUnknown is the handler route of the unknown-method sentinel. Messages
// resolved to it are counted and dropped, never fatal.
const RouteUnknown = "unknown"

// Descriptor declares one method of a category: its payload type, target
// handler route, and the capability requirement checked before dispatch.
type Descriptor struct {
	// Method is the wire method name, unique within its category. Empty
	// for the category default or field-set discriminated descriptors.
	Method string

	// Route identifies the registered handler; defaults to Method when
	// empty.
	Route string

	// NewPayload returns a fresh instance of the concrete payload type
	// for the typed second decode. Nil keeps the payload as raw JSON.
	NewPayload func() any

	// Requirement is the capability gate input for this method.
	Requirement capability.Requirement

	// Fields is the field-set discriminator: for categories whose
	// dispatch key is which data fields are present rather than an
	// explicit method name. Mutually exclusive with Method.
	Fields []string
}

// IsUnknown reports whether this is the unknown-method sentinel.
func (d Descriptor) IsUnknown() bool {
	return d.Route == RouteUnknown
}

// Unknown is the sentinel descriptor returned for unregistered methods.
var Unknown = Descriptor{Route: RouteUnknown}

type fieldDescriptor struct {
	desc   Descriptor
	fields map[string]struct{}
}

// Registry is an immutable category-scoped method table.
type Registry struct {
	category topic.Category
	byMethod map[string]Descriptor
	byFields []fieldDescriptor
	fallback *Descriptor
}

// NewRegistry builds a registry from static descriptor declarations.
// Duplicate method names, overlapping field sets, descriptors declaring both
// a method and a field set, and multiple category defaults are configuration
// errors and fail the build.
func NewRegistry(category topic.Category, descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		category: category,
		byMethod: make(map[string]Descriptor, len(descs)),
	}

	for i, d := range descs {
		if d.Route == "" {
			d.Route = d.Method
		}

		switch {
		case d.Method != "" && len(d.Fields) > 0:
			return nil, configErr(category,
				fmt.Errorf("descriptor %q declares both method and field set", d.Method))

		case d.Method != "":
			if _, exists := r.byMethod[d.Method]; exists {
				return nil, configErr(category,
					fmt.Errorf("duplicate method %q", d.Method))
			}
			r.byMethod[d.Method] = d

		case len(d.Fields) > 0:
			fields := make(map[string]struct{}, len(d.Fields))
			for _, f := range d.Fields {
				fields[f] = struct{}{}
			}
			for _, existing := range r.byFields {
				if intersects(existing.fields, fields) {
					return nil, configErr(category,
						fmt.Errorf("field sets of routes %q and %q overlap",
							existing.desc.Route, d.Route))
				}
			}
			r.byFields = append(r.byFields, fieldDescriptor{desc: d, fields: fields})

		default:
			if d.Route == "" {
				return nil, configErr(category,
					fmt.Errorf("descriptor %d has no method, fields, or route", i))
			}
			if r.fallback != nil {
				return nil, configErr(category,
					fmt.Errorf("multiple category defaults (%q and %q)",
						r.fallback.Route, d.Route))
			}
			fb := d
			r.fallback = &fb
		}
	}

	return r, nil
}

// MustNewRegistry builds a registry and panics on configuration errors.
// Intended for static startup declarations.
func MustNewRegistry(category topic.Category, descs ...Descriptor) *Registry {
	r, err := NewRegistry(category, descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Category returns the category this registry serves.
func (r *Registry) Category() topic.Category {
	return r.category
}

// Resolve returns the descriptor for a method name, or the Unknown sentinel
// for unregistered names. Never errors.
func (r *Registry) Resolve(method string) Descriptor {
	if method == "" {
		return r.resolveDefault()
	}
	if d, ok := r.byMethod[method]; ok {
		return d
	}
	return Unknown
}

// ResolveData resolves a method-less envelope by its payload's field names:
// the first registered descriptor whose field set intersects the payload's
// keys wins (field sets are disjoint by construction, so order cannot change
// the outcome). Falls back to the category default, then to Unknown.
func (r *Registry) ResolveData(raw json.RawMessage) Descriptor {
	if len(r.byFields) > 0 && len(raw) > 0 {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keys); err == nil {
			for _, fd := range r.byFields {
				for key := range keys {
					if _, ok := fd.fields[key]; ok {
						return fd.desc
					}
				}
			}
		}
	}
	return r.resolveDefault()
}

// DecodePayload performs the typed second decode of a deferred payload.
// Descriptors without a payload factory pass the raw JSON through.
func DecodePayload(raw json.RawMessage, d Descriptor) (any, error) {
	if d.NewPayload == nil {
		return raw, nil
	}

	payload := d.NewPayload()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: route %q: %v", errors.ErrDecodeFailed, d.Route, err),
				"method", "DecodePayload", "unmarshal payload")
		}
	}
	return payload, nil
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.byMethod))
	for m := range r.byMethod {
		methods = append(methods, m)
	}
	return methods
}

func (r *Registry) resolveDefault() Descriptor {
	if r.fallback != nil {
		return *r.fallback
	}
	return Unknown
}

func configErr(category topic.Category, err error) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: category %q: %v", errors.ErrInvalidConfig, category, err),
		"method", "NewRegistry", "validate descriptors")
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
