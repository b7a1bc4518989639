// Package dispatch consumes raw messages for one topic category, decodes the
// common envelope, resolves the device session and method descriptor, and
// routes the typed event to a registered handler or to the reply correlator.
//
// Ordering: messages from the same device on the same category are processed
// in arrival order on a per-device lane; different devices and different
// categories process concurrently. A decode failure, unknown method, or
// missing session drops only that one message; the subscriber loop never
// stops.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360/fleetstream/capability"
	"github.com/c360/fleetstream/correlator"
	"github.com/c360/fleetstream/envelope"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/method"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/session"
	"github.com/c360/fleetstream/topic"
	"github.com/c360/fleetstream/transport"
)

// Handler processes one typed inbound event. The returned payload, when
// non-nil, is published as the reply/ack for the event. Handlers run on the
// device's dispatch lane and must hand long work off to their own execution
// context.
type Handler func(ctx context.Context, sess session.Snapshot, env *envelope.Envelope, payload any) (any, error)

// Replier publishes acknowledgements for device-originated events that
// request one. Implemented by the outbound publisher.
type Replier interface {
	Reply(ctx context.Context, cat topic.Category, serial string, req *envelope.Envelope, result any) error
}

// Drop reasons used as the metrics label
const (
	dropDecodeError      = "decode_error"
	dropUnknownDevice    = "unknown_device"
	dropUnknownMethod    = "unknown_method"
	dropCapabilityDenied = "capability_denied"
	dropPayloadDecode    = "payload_decode_error"
	dropNoHandler        = "no_handler"
	dropHandlerPanic     = "handler_panic"
	dropQueueOverflow    = "queue_overflow"
)

// Config declares one category's dispatch behavior.
type Config struct {
	// Category is the topic category this dispatcher consumes.
	Category topic.Category

	// Replies marks the category's inbound channel as carrying replies to
	// outstanding cloud-initiated calls; every message routes to the
	// correlator instead of a business handler.
	Replies bool

	// Registry resolves methods for non-reply categories.
	Registry *method.Registry

	// RequireSession drops messages from devices with no online session.
	// The status category clears this so online announcements from
	// unknown devices get through.
	RequireSession bool

	// CheckCapability runs the capability gate defensively on inbound
	// device-initiated messages.
	CheckCapability bool

	// QueueSize bounds each per-device lane; overflow drops the message.
	QueueSize int

	// IdleLaneTimeout retires a device's lane goroutine after it has seen
	// no traffic for this long. The lane respawns on the next message.
	IdleLaneTimeout time.Duration
}

// Dispatcher routes one category's inbound traffic.
type Dispatcher struct {
	cfg        Config
	sessions   *session.Registry
	correlator *correlator.Correlator
	replier    Replier
	logger     *slog.Logger
	metrics    *metric.Metrics

	handlers  map[string]Handler
	handlerMu sync.Mutex

	lanes   map[string]chan job
	lanesMu sync.Mutex

	// procCtx outlives individual deliveries: lanes process messages after
	// the transport callback has returned, so handlers cannot borrow the
	// delivery context. It is cancelled once Stop finishes draining.
	procCtx    context.Context
	procCancel context.CancelFunc

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex
}

type job struct {
	serial string
	data   []byte
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the platform metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithReplier sets the publisher used for needReply acknowledgements
func WithReplier(r Replier) Option {
	return func(d *Dispatcher) {
		d.replier = r
	}
}

// New creates a dispatcher for one category.
func New(cfg Config, sessions *session.Registry, corr *correlator.Correlator, opts ...Option) (*Dispatcher, error) {
	if cfg.Category == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("missing category"),
			"Dispatcher", "New", "validate config")
	}
	if !cfg.Replies && cfg.Registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("category %q needs a method registry", cfg.Category),
			"Dispatcher", "New", "validate config")
	}
	if cfg.Replies && corr == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("reply category %q needs a correlator", cfg.Category),
			"Dispatcher", "New", "validate config")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.IdleLaneTimeout <= 0 {
		cfg.IdleLaneTimeout = 5 * time.Minute
	}

	d := &Dispatcher{
		cfg:        cfg,
		sessions:   sessions,
		correlator: corr,
		logger:     slog.Default(),
		handlers:   make(map[string]Handler),
		lanes:      make(map[string]chan job),
		done:       make(chan struct{}),
	}
	d.procCtx, d.procCancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Category returns the category this dispatcher consumes.
func (d *Dispatcher) Category() topic.Category {
	return d.cfg.Category
}

// On registers the handler for a route before Start. Duplicate routes are a
// configuration error.
func (d *Dispatcher) On(route string, handler Handler) error {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()

	if _, exists := d.handlers[route]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: duplicate handler for route %q on category %q",
				errors.ErrInvalidConfig, route, d.cfg.Category),
			"Dispatcher", "On", "register handler")
	}
	d.handlers[route] = handler
	return nil
}

// Handler returns the transport handler feeding this dispatcher. The serial
// is extracted from the topic, never trusted from the payload. The delivery
// context is deliberately not captured: the job is processed on the device's
// lane after this callback returns, when a callback-scoped context may
// already be cancelled.
func (d *Dispatcher) Handler() transport.Handler {
	return func(_ context.Context, topicPath string, data []byte) {
		cat, dir, serial, err := topic.Parse(topicPath)
		if err != nil || cat != d.cfg.Category || dir != topic.Up {
			d.drop(dropDecodeError)
			d.logger.Debug("ignoring message on unexpected topic", "topic", topicPath)
			return
		}

		if d.metrics != nil {
			d.metrics.MessagesReceived.WithLabelValues(string(d.cfg.Category)).Inc()
		}

		d.enqueue(job{serial: serial, data: data})
	}
}

// Start marks the dispatcher running. Lanes spawn lazily per device.
func (d *Dispatcher) Start(_ context.Context) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.started {
		return errors.WrapInvalid(
			fmt.Errorf("dispatcher %q already started", d.cfg.Category),
			"Dispatcher", "Start", "check state")
	}
	d.started = true
	return nil
}

// Stop drains the lanes and waits up to timeout for in-flight messages.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.startMu.Lock()
	if !d.started {
		d.startMu.Unlock()
		return nil
	}
	d.started = false
	close(d.done)
	d.startMu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.procCancel()
		return nil
	case <-time.After(timeout):
		d.procCancel()
		return errors.WrapTransient(
			fmt.Errorf("dispatcher %q stop timed out", d.cfg.Category),
			"Dispatcher", "Stop", "drain lanes")
	}
}

// enqueue places the job on the device's ordered lane, spawning it on first
// use. A full lane drops the message rather than blocking the subscriber.
// The send happens under lanesMu so the idle reaper cannot retire a lane
// between lookup and send.
func (d *Dispatcher) enqueue(j job) {
	d.lanesMu.Lock()
	lane, ok := d.lanes[j.serial]
	if !ok {
		lane = make(chan job, d.cfg.QueueSize)
		d.lanes[j.serial] = lane
		d.wg.Add(1)
		go d.run(j.serial, lane)
	}

	select {
	case lane <- j:
		d.lanesMu.Unlock()
	default:
		d.lanesMu.Unlock()
		d.drop(dropQueueOverflow)
		d.logger.Warn("dispatch lane full, dropping message",
			"category", d.cfg.Category, "serial", j.serial)
	}
}

func (d *Dispatcher) run(serial string, lane chan job) {
	defer d.wg.Done()
	idle := time.NewTimer(d.cfg.IdleLaneTimeout)
	defer idle.Stop()

	for {
		select {
		case <-d.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case j := <-lane:
					d.process(j)
				default:
					d.retire(serial)
					return
				}
			}
		case j := <-lane:
			d.process(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleLaneTimeout)
		case <-idle.C:
			// A device that went silent should not pin a goroutine for
			// the node's lifetime. Retire only while empty: enqueue
			// sends under the same lock, so no message can slip in
			// between the check and the delete.
			d.lanesMu.Lock()
			if len(lane) == 0 {
				delete(d.lanes, serial)
				d.lanesMu.Unlock()
				return
			}
			d.lanesMu.Unlock()
			idle.Reset(d.cfg.IdleLaneTimeout)
		}
	}
}

func (d *Dispatcher) retire(serial string) {
	d.lanesMu.Lock()
	delete(d.lanes, serial)
	d.lanesMu.Unlock()
}

func (d *Dispatcher) laneCount() int {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	return len(d.lanes)
}

// process handles exactly one raw message. Every failure path here is
// non-fatal: count, log, drop.
func (d *Dispatcher) process(j job) {
	env, err := envelope.Decode(j.data)
	if err != nil {
		d.drop(dropDecodeError)
		d.logger.Warn("dropping malformed envelope",
			"category", d.cfg.Category, "serial", j.serial,
			"bytes", len(j.data), "error", err)
		return
	}

	if d.cfg.Replies {
		if !d.correlator.Resolve(env.TID, env) {
			if d.metrics != nil {
				d.metrics.DuplicateReplies.Inc()
			}
		}
		if d.sessions != nil {
			d.sessions.RefreshLiveness(j.serial)
		}
		return
	}

	var snap session.Snapshot
	known := false
	if d.sessions != nil {
		d.sessions.RefreshLiveness(j.serial)
		snap, known = d.sessions.Get(j.serial)
	}
	if !known || !snap.Online {
		if d.cfg.RequireSession {
			d.drop(dropUnknownDevice)
			d.logger.Debug("dropping message from device without session",
				"category", d.cfg.Category, "serial", j.serial)
			return
		}
		// Online announcements arrive before a session exists.
		snap = session.Snapshot{GatewaySerial: j.serial}
	}

	var desc method.Descriptor
	if env.Method != "" {
		desc = d.cfg.Registry.Resolve(env.Method)
	} else {
		desc = d.cfg.Registry.ResolveData(env.Data)
	}
	if desc.IsUnknown() {
		d.drop(dropUnknownMethod)
		if d.metrics != nil {
			d.metrics.UnknownMethods.WithLabelValues(string(d.cfg.Category), env.Method).Inc()
		}
		d.logger.Warn("unknown method",
			"category", d.cfg.Category, "serial", j.serial, "method", env.Method)
		return
	}

	if d.cfg.CheckCapability && known {
		if decision := capability.Check(snap, desc.Requirement); !decision.Allowed() {
			d.drop(dropCapabilityDenied)
			d.logger.Warn("inbound message denied by capability gate",
				"category", d.cfg.Category, "serial", j.serial,
				"method", env.Method, "decision", decision.String())
			return
		}
	}

	payload, err := method.DecodePayload(env.Data, desc)
	if err != nil {
		d.drop(dropPayloadDecode)
		d.logger.Warn("dropping message with undecodable payload",
			"category", d.cfg.Category, "serial", j.serial,
			"route", desc.Route, "error", err)
		return
	}

	d.handlerMu.Lock()
	handler, ok := d.handlers[desc.Route]
	d.handlerMu.Unlock()
	if !ok {
		d.drop(dropNoHandler)
		d.logger.Warn("no handler registered for route",
			"category", d.cfg.Category, "route", desc.Route)
		return
	}

	start := time.Now()
	result, err := d.invoke(handler, d.procCtx, snap, env, payload)
	if d.metrics != nil {
		d.metrics.HandlerDuration.
			WithLabelValues(string(d.cfg.Category), desc.Route).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.logger.Error("handler failed",
			"category", d.cfg.Category, "serial", j.serial,
			"route", desc.Route, "error", err)
		return
	}

	if (env.NeedReply || result != nil) && d.replier != nil {
		if err := d.replier.Reply(d.procCtx, d.cfg.Category, j.serial, env, result); err != nil {
			d.logger.Warn("failed to publish acknowledgement",
				"category", d.cfg.Category, "serial", j.serial,
				"tid", env.TID, "error", err)
		}
	}
}

// invoke runs the handler with panic containment: a bug in one handler fails
// only that message, never the lane.
func (d *Dispatcher) invoke(
	handler Handler,
	ctx context.Context,
	snap session.Snapshot,
	env *envelope.Envelope,
	payload any,
) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.drop(dropHandlerPanic)
			err = errors.WrapInvalid(
				fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()),
				"Dispatcher", "invoke", "run handler")
		}
	}()
	return handler(ctx, snap, env, payload)
}

func (d *Dispatcher) drop(reason string) {
	if d.metrics != nil {
		d.metrics.MessagesDropped.WithLabelValues(string(d.cfg.Category), reason).Inc()
	}
}
