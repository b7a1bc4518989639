// Package fleet assembles the fleetstream node: per-category dispatchers,
// the session registry with its subscription side effects, the reply
// correlator, and the outbound publisher, all wired over one transport.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/correlator"
	"github.com/c360/fleetstream/dispatch"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/method"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/publish"
	"github.com/c360/fleetstream/session"
	"github.com/c360/fleetstream/topic"
	"github.com/c360/fleetstream/transport"
)

// Node is one cloud-side fleet management instance.
type Node struct {
	cfg       *config.Config
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics
	monitor   *health.Monitor

	sessions    *session.Registry
	correlator  *correlator.Correlator
	publisher   *publish.Publisher
	dispatchers map[topic.Category]*dispatch.Dispatcher
	subs        *subscriber

	startMu sync.Mutex
	started bool
}

type nodeOptions struct {
	logger      *slog.Logger
	metrics     *metric.Metrics
	monitor     *health.Monitor
	store       session.Store
	descriptors map[topic.Category][]method.Descriptor
}

// Option configures a Node
type Option func(*nodeOptions)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the platform metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(o *nodeOptions) {
		o.metrics = m
	}
}

// WithMonitor sets the health monitor the node reports into
func WithMonitor(m *health.Monitor) Option {
	return func(o *nodeOptions) {
		o.monitor = m
	}
}

// WithStore sets the durable roster store used for crash reconciliation
func WithStore(store session.Store) Option {
	return func(o *nodeOptions) {
		o.store = store
	}
}

// WithDescriptors declares a category's methods. For inbound categories the
// descriptors drive dispatch; for the services and property-set categories
// they declare the cloud-callable methods the capability gate checks.
func WithDescriptors(cat topic.Category, descs ...method.Descriptor) Option {
	return func(o *nodeOptions) {
		o.descriptors[cat] = append(o.descriptors[cat], descs...)
	}
}

// New wires a node over the given transport. Method registries are built
// here, so conflicting descriptors fail construction rather than dispatch.
func New(cfg *config.Config, t transport.Transport, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	o := &nodeOptions{
		logger:      slog.Default(),
		descriptors: make(map[topic.Category][]method.Descriptor),
	}
	for _, opt := range opts {
		opt(o)
	}

	registries := make(map[topic.Category]*method.Registry)
	for _, cat := range topic.Categories() {
		descs := o.descriptors[cat]
		if cat == topic.CategoryStatus {
			descs = append(builtinStatusDescriptors(), descs...)
		}
		reg, err := method.NewRegistry(cat, descs...)
		if err != nil {
			return nil, err
		}
		registries[cat] = reg
	}

	n := &Node{
		cfg:         cfg,
		transport:   t,
		logger:      o.logger,
		metrics:     o.metrics,
		monitor:     o.monitor,
		dispatchers: make(map[topic.Category]*dispatch.Dispatcher),
		subs:        newSubscriber(t, o.logger, o.metrics),
	}

	corrOpts := []correlator.Option{correlator.WithLogger(o.logger)}
	if o.metrics != nil {
		corrOpts = append(corrOpts,
			correlator.WithPendingGauge(o.metrics.PendingCalls),
			correlator.WithTimeoutCounter(o.metrics.CorrelationTimeouts))
	}
	n.correlator = correlator.New(corrOpts...)

	sessOpts := []session.Option{
		session.WithLogger(o.logger),
		session.WithLivenessWindow(cfg.Sessions.LivenessWindow),
		session.WithSweepInterval(cfg.Sessions.SweepInterval),
		session.WithOnOnline(n.onDeviceOnline),
		session.WithOnOffline(n.onDeviceOffline),
	}
	if o.metrics != nil {
		sessOpts = append(sessOpts, session.WithOnlineGauge(o.metrics.SessionsOnline))
	}
	n.sessions = session.NewRegistry(o.store, sessOpts...)

	pubOpts := []publish.Option{
		publish.WithLogger(o.logger),
		publish.WithCallDefaults(cfg.Calls.Timeout, cfg.Calls.Retries),
		// Property writes are not idempotent in general; they get a
		// single attempt unless the caller opts in to retries.
		publish.WithCategoryRetries(topic.CategoryPropertySet, 0),
		publish.WithRegistry(registries[topic.CategoryServices]),
		publish.WithRegistry(registries[topic.CategoryPropertySet]),
		publish.WithRegistry(registries[topic.CategoryDRC]),
	}
	if o.metrics != nil {
		pubOpts = append(pubOpts, publish.WithMetrics(o.metrics))
	}
	n.publisher = publish.New(t, n.correlator, n.sessions, pubOpts...)

	if err := n.buildDispatchers(registries); err != nil {
		return nil, err
	}

	status := n.dispatchers[topic.CategoryStatus]
	if err := status.On(MethodUpdateTopology, n.handleUpdateTopology); err != nil {
		return nil, err
	}
	if err := status.On(MethodOffline, n.handleOffline); err != nil {
		return nil, err
	}

	for cat, d := range n.dispatchers {
		n.subs.setHandler(cat, d.Handler())
	}

	return n, nil
}

func (n *Node) buildDispatchers(registries map[topic.Category]*method.Registry) error {
	configs := []dispatch.Config{
		{Category: topic.CategoryOSD, Registry: registries[topic.CategoryOSD], RequireSession: true},
		{Category: topic.CategoryState, Registry: registries[topic.CategoryState], RequireSession: true},
		{Category: topic.CategoryEvents, Registry: registries[topic.CategoryEvents], RequireSession: true, CheckCapability: true},
		{Category: topic.CategoryDRC, Registry: registries[topic.CategoryDRC], RequireSession: true},
		{Category: topic.CategoryStatus, Registry: registries[topic.CategoryStatus]},
		{Category: topic.CategoryServices, Replies: true},
		{Category: topic.CategoryPropertySet, Replies: true},
	}

	for _, cfg := range configs {
		cfg.QueueSize = n.cfg.Dispatch.QueueSize
		cfg.IdleLaneTimeout = n.cfg.Dispatch.IdleLaneTimeout
		dispOpts := []dispatch.Option{
			dispatch.WithLogger(n.logger),
			dispatch.WithReplier(n.publisher),
		}
		if n.metrics != nil {
			dispOpts = append(dispOpts, dispatch.WithMetrics(n.metrics))
		}
		d, err := dispatch.New(cfg, n.sessions, n.correlator, dispOpts...)
		if err != nil {
			return err
		}
		n.dispatchers[cfg.Category] = d
	}
	return nil
}

// On registers a business handler for a route on an inbound category.
func (n *Node) On(cat topic.Category, route string, handler dispatch.Handler) error {
	d, ok := n.dispatchers[cat]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown category %q", errors.ErrInvalidConfig, cat),
			"Node", "On", "resolve category")
	}
	return d.On(route, handler)
}

// Publisher returns the outbound publisher.
func (n *Node) Publisher() *publish.Publisher {
	return n.publisher
}

// Sessions returns the session registry.
func (n *Node) Sessions() *session.Registry {
	return n.sessions
}

// SendDRC publishes a control frame on a device's DRC down channel using the
// configured repeat count.
func (n *Node) SendDRC(ctx context.Context, serial, methodName string, data any) error {
	return n.publisher.PublishRepeat(ctx, topic.CategoryDRC, serial, methodName, data, n.cfg.DRC.Repeat)
}

// Start brings the node online: dispatchers, liveness sweep, the wildcard
// status subscription, then roster reconciliation so devices online before a
// restart regain their subscriptions.
func (n *Node) Start(ctx context.Context) error {
	n.startMu.Lock()
	defer n.startMu.Unlock()

	if n.started {
		return errors.WrapInvalid(
			fmt.Errorf("node already started"),
			"Node", "Start", "check state")
	}

	for cat, d := range n.dispatchers {
		if err := d.Start(ctx); err != nil {
			return errors.Wrap(err, "Node", "Start", fmt.Sprintf("start %s dispatcher", cat))
		}
	}
	if err := n.sessions.Start(ctx); err != nil {
		return errors.Wrap(err, "Node", "Start", "start session sweep")
	}

	if err := n.subs.subscribeStatus(ctx); err != nil {
		return err
	}

	if err := n.sessions.Reconcile(ctx); err != nil {
		// Reconciliation failure degrades crash recovery but the node can
		// still serve devices that re-announce.
		n.logger.Error("roster reconciliation failed", "error", err)
		if n.monitor != nil {
			n.monitor.UpdateDegraded("sessions", "roster reconciliation failed")
		}
	} else if n.monitor != nil {
		n.monitor.UpdateHealthy("sessions", "registry reconciled")
	}

	if n.monitor != nil {
		n.monitor.UpdateHealthy("dispatch", "all dispatchers running")
	}

	n.started = true
	n.logger.Info("fleet node started",
		"sessions", n.sessions.OnlineCount(),
		"categories", len(n.dispatchers))
	return nil
}

// Stop drops every subscription, halts the sweep, and drains dispatchers.
// The timeout is shared across dispatcher drains.
func (n *Node) Stop(timeout time.Duration) error {
	n.startMu.Lock()
	defer n.startMu.Unlock()

	if !n.started {
		return nil
	}
	n.started = false

	n.subs.close()
	_ = n.sessions.Stop(timeout)

	var firstErr error
	for cat, d := range n.dispatchers {
		if err := d.Stop(timeout); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "Node", "Stop", fmt.Sprintf("stop %s dispatcher", cat))
		}
	}

	if n.monitor != nil {
		n.monitor.UpdateUnhealthy("dispatch", "node stopped")
	}
	n.logger.Info("fleet node stopped")
	return firstErr
}

func (n *Node) onDeviceOnline(ctx context.Context, snap session.Snapshot) {
	n.subs.subscribeDevice(ctx, snap.GatewaySerial)
	if n.metrics != nil {
		n.metrics.SessionTransitions.WithLabelValues("online").Inc()
	}
}

func (n *Node) onDeviceOffline(_ context.Context, snap session.Snapshot) {
	n.subs.unsubscribeDevice(snap.GatewaySerial)
	if n.metrics != nil {
		n.metrics.SessionTransitions.WithLabelValues("offline").Inc()
	}
}
