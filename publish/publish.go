// Package publish builds outbound envelopes and publishes them on the right
// topic. It supports fire-and-forget sends, call-style requests through the
// reply correlator (the only sanctioned way to obtain a reply), and an
// unconditional repeat mode for low-reliability channels.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fleetstream/capability"
	"github.com/c360/fleetstream/correlator"
	"github.com/c360/fleetstream/envelope"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/method"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/timestamp"
	"github.com/c360/fleetstream/session"
	"github.com/c360/fleetstream/topic"
	"github.com/c360/fleetstream/transport"
)

// Result is the common acknowledgement payload: zero means success.
type Result struct {
	Result int `json:"result"`
}

// OK is the default acknowledgement.
var OK = Result{Result: 0}

// Publisher builds and sends outbound envelopes.
type Publisher struct {
	transport  transport.Transport
	correlator *correlator.Correlator
	sessions   *session.Registry
	registries map[topic.Category]*method.Registry
	logger     *slog.Logger
	metrics    *metric.Metrics

	callTimeout     time.Duration
	callRetries     int
	categoryRetries map[topic.Category]int
}

// Option configures a Publisher
type Option func(*Publisher)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the platform metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithRegistry makes a category's method registry available for capability
// gating of call-style publishes
func WithRegistry(reg *method.Registry) Option {
	return func(p *Publisher) {
		p.registries[reg.Category()] = reg
	}
}

// WithCallDefaults sets the default per-attempt timeout and retry budget for
// call-style publishes
func WithCallDefaults(timeout time.Duration, retries int) Option {
	return func(p *Publisher) {
		p.callTimeout = timeout
		p.callRetries = retries
	}
}

// WithCategoryRetries overrides the default retry budget for calls on one
// category. Per-call WithRetries still wins.
func WithCategoryRetries(cat topic.Category, retries int) Option {
	return func(p *Publisher) {
		p.categoryRetries[cat] = retries
	}
}

// New creates a Publisher.
func New(t transport.Transport, corr *correlator.Correlator, sessions *session.Registry, opts ...Option) *Publisher {
	p := &Publisher{
		transport:       t,
		correlator:      corr,
		sessions:        sessions,
		registries:      make(map[topic.Category]*method.Registry),
		categoryRetries: make(map[topic.Category]int),
		logger:          slog.Default(),
		callTimeout:     5 * time.Second,
		callRetries:     2,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// CallOptions tune one call-style publish.
type CallOptions struct {
	// Timeout is the per-attempt deadline.
	Timeout time.Duration

	// Retries is the number of identical republishes after the first
	// attempt's deadline expires.
	Retries int

	// BID overrides the generated business id, for callers retrying the
	// same logical request across process restarts.
	BID string
}

// CallOption adjusts CallOptions
type CallOption func(*CallOptions)

// WithTimeout sets the per-attempt deadline for this call
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *CallOptions) {
		o.Timeout = timeout
	}
}

// WithRetries sets the retry budget for this call
func WithRetries(retries int) CallOption {
	return func(o *CallOptions) {
		o.Retries = retries
	}
}

// WithBID pins the business id for this call
func WithBID(bid string) CallOption {
	return func(o *CallOptions) {
		o.BID = bid
	}
}

// Publish sends a fire-and-forget envelope on a category's down channel.
func (p *Publisher) Publish(ctx context.Context, cat topic.Category, serial, methodName string, data any) error {
	env, err := p.newEnvelope(methodName, data)
	if err != nil {
		return err
	}
	return p.send(ctx, cat, serial, env, "fire_and_forget")
}

// PublishRepeat sends the identical envelope n times in a row, for channels
// where redundancy is cheaper than acknowledgement.
func (p *Publisher) PublishRepeat(ctx context.Context, cat topic.Category, serial, methodName string, data any, n int) error {
	if n <= 0 {
		n = 1
	}

	env, err := p.newEnvelope(methodName, data)
	if err != nil {
		return err
	}

	raw, topicPath, err := p.encode(cat, serial, env)
	if err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if err := p.transport.Publish(ctx, topicPath, raw); err != nil {
			return errors.WrapTransient(err, "Publisher", "PublishRepeat", "publish envelope")
		}
		p.count(cat, "repeat")
	}
	return nil
}

// Call publishes a request and blocks until the matching reply arrives, the
// deadline elapses after exhausting the retry budget, or ctx is cancelled.
// The capability gate runs before anything touches the wire: incompatible
// calls fail fast with a typed denial and zero wire traffic.
func (p *Publisher) Call(
	ctx context.Context,
	cat topic.Category,
	serial, methodName string,
	data any,
	opts ...CallOption,
) (*envelope.Envelope, error) {
	retries := p.callRetries
	if r, ok := p.categoryRetries[cat]; ok {
		retries = r
	}
	options := CallOptions{Timeout: p.callTimeout, Retries: retries}
	for _, opt := range opts {
		opt(&options)
	}

	snap, ok := p.sessions.Get(serial)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownDevice, serial),
			"Publisher", "Call", "resolve device session")
	}
	if !snap.Online {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %q", errors.ErrDeviceOffline, serial),
			"Publisher", "Call", "resolve device session")
	}

	reg, ok := p.registries[cat]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no registry for category %q", errors.ErrInvalidConfig, cat),
			"Publisher", "Call", "resolve method registry")
	}
	desc := reg.Resolve(methodName)
	if desc.IsUnknown() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q on category %q", errors.ErrUnknownMethod, methodName, cat),
			"Publisher", "Call", "resolve method")
	}

	decision := capability.Check(snap, desc.Requirement)
	if !decision.Allowed() {
		return nil, capability.DenialError(decision, snap, methodName)
	}
	if decision == capability.AllowedDeprecated {
		p.logger.Warn("calling deprecated method",
			"method", methodName, "serial", serial, "version", snap.Version.String())
	}

	env, err := p.newEnvelope(methodName, data)
	if err != nil {
		return nil, err
	}
	if options.BID != "" {
		env.BID = options.BID
	}

	raw, topicPath, err := p.encode(cat, serial, env)
	if err != nil {
		return nil, err
	}

	// Register before the first publish so a fast reply cannot race it.
	pending, err := p.correlator.Register(env.TID)
	if err != nil {
		return nil, err
	}

	if err := p.transport.Publish(ctx, topicPath, raw); err != nil {
		pending.Cancel()
		return nil, errors.WrapTransient(err, "Publisher", "Call", "publish request")
	}
	p.count(cat, "call")

	// Retries republish the identical bytes: same tid, same bid, so the
	// device can de-duplicate a request it already executed.
	republish := func(rctx context.Context) error {
		if err := p.transport.Publish(rctx, topicPath, raw); err != nil {
			return err
		}
		p.count(cat, "call_retry")
		return nil
	}

	return p.correlator.Await(ctx, pending, options.Timeout, options.Retries, republish)
}

// Reply publishes the acknowledgement for a device-originated request on the
// category's down channel, reusing the request's tid and bid.
func (p *Publisher) Reply(ctx context.Context, cat topic.Category, serial string, req *envelope.Envelope, result any) error {
	if result == nil {
		result = OK
	}

	data, err := envelope.MarshalData(result)
	if err != nil {
		return err
	}

	env := &envelope.Envelope{
		TID:       req.TID,
		BID:       req.BID,
		Timestamp: timestamp.Now(),
		Method:    req.Method,
		Data:      data,
	}

	return p.send(ctx, cat, serial, env, "reply")
}

func (p *Publisher) newEnvelope(methodName string, data any) (*envelope.Envelope, error) {
	raw, err := envelope.MarshalData(data)
	if err != nil {
		return nil, err
	}

	return &envelope.Envelope{
		TID:       uuid.NewString(),
		BID:       uuid.NewString(),
		Timestamp: timestamp.Now(),
		Method:    methodName,
		Data:      raw,
	}, nil
}

func (p *Publisher) encode(cat topic.Category, serial string, env *envelope.Envelope) ([]byte, string, error) {
	topicPath, err := topic.Build(cat, topic.Down, serial)
	if err != nil {
		return nil, "", err
	}

	raw, err := envelope.Encode(env)
	if err != nil {
		return nil, "", err
	}
	return raw, topicPath, nil
}

func (p *Publisher) send(ctx context.Context, cat topic.Category, serial string, env *envelope.Envelope, mode string) error {
	raw, topicPath, err := p.encode(cat, serial, env)
	if err != nil {
		return err
	}

	if err := p.transport.Publish(ctx, topicPath, raw); err != nil {
		return errors.WrapTransient(err, "Publisher", "send", "publish envelope")
	}
	p.count(cat, mode)
	return nil
}

func (p *Publisher) count(cat topic.Category, mode string) {
	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues(string(cat), mode).Inc()
	}
}
