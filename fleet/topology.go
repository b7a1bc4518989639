package fleet

import (
	"context"
	"fmt"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/envelope"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/method"
	"github.com/c360/fleetstream/publish"
	"github.com/c360/fleetstream/session"
)

// Status announcement methods understood by every node.
const (
	// MethodUpdateTopology announces a gateway coming online or a change
	// in its paired sub-device.
	MethodUpdateTopology = "update_topo"

	// MethodOffline announces a gateway going offline on purpose, e.g. a
	// dock powering down for maintenance.
	MethodOffline = "offline"
)

// SubDevice is one paired device riding on a gateway.
type SubDevice struct {
	Serial  string        `json:"sn"`
	Domain  device.Domain `json:"domain"`
	Type    int           `json:"type"`
	SubType int           `json:"sub_type"`
	Index   string        `json:"index,omitempty"`
	Version string        `json:"version,omitempty"`
}

// UpdateTopology is the online/topology announcement payload. The gateway
// describes itself plus whatever sub-device is currently attached; an empty
// sub-device list means the gateway is online alone.
type UpdateTopology struct {
	Domain     device.Domain `json:"domain"`
	Type       int           `json:"type"`
	SubType    int           `json:"sub_type"`
	Version    string        `json:"version"`
	SubDevices []SubDevice   `json:"sub_devices"`
}

// OfflineAnnouncement is the explicit offline payload. Reason is free text
// for the fleet operator's logs.
type OfflineAnnouncement struct {
	Reason string `json:"reason,omitempty"`
}

// builtinStatusDescriptors declares the announcement methods every node
// dispatches on the status category.
func builtinStatusDescriptors() []method.Descriptor {
	return []method.Descriptor{
		{
			Method:     MethodUpdateTopology,
			Route:      MethodUpdateTopology,
			NewPayload: func() any { return &UpdateTopology{} },
		},
		{
			Method:     MethodOffline,
			Route:      MethodOffline,
			NewPayload: func() any { return &OfflineAnnouncement{} },
		},
	}
}

// handleUpdateTopology feeds an online announcement into the session
// registry and acks it so the device stops re-announcing.
func (n *Node) handleUpdateTopology(
	ctx context.Context,
	sess session.Snapshot,
	_ *envelope.Envelope,
	payload any,
) (any, error) {
	topo, ok := payload.(*UpdateTopology)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unexpected payload type %T", payload),
			"Node", "handleUpdateTopology", "decode announcement")
	}

	version, err := device.ParseVersion(topo.Version)
	if err != nil {
		return nil, errors.WrapInvalid(err,
			"Node", "handleUpdateTopology", "parse announced version")
	}

	attrs := session.Attributes{
		Identity: device.Identity{
			Domain:  topo.Domain,
			Type:    topo.Type,
			SubType: topo.SubType,
		},
		Version: version,
	}
	if len(topo.SubDevices) > 0 {
		attrs.ChildSerial = topo.SubDevices[0].Serial
	}

	if err := n.sessions.Register(ctx, sess.GatewaySerial, attrs); err != nil {
		return nil, err
	}
	return publish.OK, nil
}

// handleOffline marks the announcing gateway offline and acks.
func (n *Node) handleOffline(
	ctx context.Context,
	sess session.Snapshot,
	_ *envelope.Envelope,
	payload any,
) (any, error) {
	if ann, ok := payload.(*OfflineAnnouncement); ok && ann.Reason != "" {
		n.logger.Info("device announced offline",
			"serial", sess.GatewaySerial, "reason", ann.Reason)
	}
	n.sessions.MarkOffline(ctx, sess.GatewaySerial)
	return publish.OK, nil
}
