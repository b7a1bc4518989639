package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/pkg/timestamp"
)

// TransitionFunc is invoked on Online/Offline transitions. Hooks run on the
// transition path and must not block for long; subscription management hooks
// do their own retry.
type TransitionFunc func(ctx context.Context, snap Snapshot)

// Registry tracks gateway sessions, arms liveness deadlines, and fires
// subscription side effects on state transitions. Mutations for one serial
// are serialized; different serials update concurrently.
type Registry struct {
	store  Store
	logger *slog.Logger

	window     time.Duration
	sweepEvery time.Duration

	onOnline  []TransitionFunc
	onOffline []TransitionFunc

	entries sync.Map // serial -> *entry

	onlineGauge prometheus.Gauge

	sweepDone chan struct{}
	startMu   sync.Mutex
	started   bool
}

type entry struct {
	mu   sync.Mutex
	snap Snapshot
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithLivenessWindow sets how long a session stays online without a liveness
// refresh before the sweep marks it offline
func WithLivenessWindow(window time.Duration) Option {
	return func(r *Registry) {
		r.window = window
	}
}

// WithSweepInterval sets how often the liveness sweep runs
func WithSweepInterval(interval time.Duration) Option {
	return func(r *Registry) {
		r.sweepEvery = interval
	}
}

// WithOnOnline registers a hook fired once per Unknown/Offline to Online
// transition
func WithOnOnline(fn TransitionFunc) Option {
	return func(r *Registry) {
		r.onOnline = append(r.onOnline, fn)
	}
}

// WithOnOffline registers a hook fired once per Online to Offline transition
func WithOnOffline(fn TransitionFunc) Option {
	return func(r *Registry) {
		r.onOffline = append(r.onOffline, fn)
	}
}

// WithOnlineGauge sets a gauge tracking the number of online sessions
func WithOnlineGauge(gauge prometheus.Gauge) Option {
	return func(r *Registry) {
		r.onlineGauge = gauge
	}
}

// NewRegistry creates a session registry backed by the given roster store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		logger:     slog.Default(),
		window:     2 * time.Minute,
		sweepEvery: 15 * time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register creates or refreshes a session from an online announcement and
// arms its liveness deadline. The Unknown/Offline to Online transition fires
// the online hooks exactly once.
func (r *Registry) Register(ctx context.Context, serial string, attrs Attributes) error {
	if serial == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty gateway serial"),
			"Registry", "Register", "validate serial")
	}

	gwType, ok := device.GatewayTypeForDomain(attrs.Identity.Domain)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("domain %s is not an addressable gateway", attrs.Identity.Domain),
			"Registry", "Register", "classify gateway")
	}

	e := r.loadOrCreate(serial)

	e.mu.Lock()
	wasOnline := e.snap.Online
	e.snap = Snapshot{
		GatewaySerial: serial,
		ChildSerial:   attrs.ChildSerial,
		Identity:      attrs.Identity,
		GatewayType:   gwType,
		Version:       attrs.Version,
		Online:        true,
		Deadline:      time.Now().Add(r.window),
	}
	snap := e.snap
	e.mu.Unlock()

	r.persist(ctx, snap)

	if !wasOnline {
		r.logger.Info("device online",
			"serial", serial,
			"gateway_type", gwType.String(),
			"version", snap.Version.String())
		if r.onlineGauge != nil {
			r.onlineGauge.Inc()
		}
		for _, fn := range r.onOnline {
			fn(ctx, snap)
		}
	}

	return nil
}

// RefreshLiveness extends the liveness deadline for an online session.
// Unknown serials are ignored; an offline session is not resurrected (a new
// online announcement is required).
func (r *Registry) RefreshLiveness(serial string) {
	v, ok := r.entries.Load(serial)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.snap.Online {
		e.snap.Deadline = time.Now().Add(r.window)
	}
	e.mu.Unlock()
}

// MarkOffline moves a session to Offline and fires the offline hooks exactly
// once, even when an explicit offline announcement races the liveness sweep.
func (r *Registry) MarkOffline(ctx context.Context, serial string) {
	r.markOffline(ctx, serial, "announcement")
}

func (r *Registry) markOffline(ctx context.Context, serial, reason string) {
	v, ok := r.entries.Load(serial)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	if !e.snap.Online {
		e.mu.Unlock()
		return
	}
	e.snap.Online = false
	snap := e.snap
	e.mu.Unlock()

	if r.store != nil {
		if err := r.store.Remove(ctx, serial); err != nil {
			r.logger.Warn("roster remove failed, crash recovery may resurrect session",
				"serial", serial, "error", err)
		}
	}

	r.logger.Info("device offline", "serial", serial, "reason", reason)
	if r.onlineGauge != nil {
		r.onlineGauge.Dec()
	}
	for _, fn := range r.onOffline {
		fn(ctx, snap)
	}
}

// Get returns a snapshot of a session. The second return is false when the
// serial has never been seen.
func (r *Registry) Get(serial string) (Snapshot, bool) {
	v, ok := r.entries.Load(serial)
	if !ok {
		return Snapshot{}, false
	}
	e := v.(*entry)

	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	return snap, true
}

// Snapshots returns a copy of every known session.
func (r *Registry) Snapshots() []Snapshot {
	var snaps []Snapshot
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		snaps = append(snaps, e.snap)
		e.mu.Unlock()
		return true
	})
	return snaps
}

// OnlineCount returns the number of online sessions.
func (r *Registry) OnlineCount() int {
	count := 0
	for _, snap := range r.Snapshots() {
		if snap.Online {
			count++
		}
	}
	return count
}

// Reconcile rebuilds the registry from the roster store after a process
// restart and fires the online hooks for each restored session, because
// transport subscriptions do not survive a restart.
func (r *Registry) Reconcile(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadAllOnline(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Registry", "Reconcile", "load roster")
	}

	for _, rec := range records {
		attrs := Attributes{
			ChildSerial: rec.ChildSerial,
			Identity:    rec.Identity,
			Version:     rec.Version,
		}
		if err := r.Register(ctx, rec.GatewaySerial, attrs); err != nil {
			r.logger.Warn("skipping unrecoverable roster record",
				"serial", rec.GatewaySerial, "error", err)
		}
	}

	r.logger.Info("roster reconciled", "sessions", len(records))
	return nil
}

// Start launches the liveness sweep. The sweep stops when ctx is cancelled
// or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.started {
		return errors.WrapInvalid(
			fmt.Errorf("registry already started"),
			"Registry", "Start", "check state")
	}
	r.started = true
	r.sweepDone = make(chan struct{})

	go r.sweep(ctx, r.sweepDone)
	return nil
}

// Stop halts the liveness sweep.
func (r *Registry) Stop(timeout time.Duration) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false
	close(r.sweepDone)
	_ = timeout
	return nil
}

func (r *Registry) sweep(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.entries.Range(func(k, v any) bool {
				e := v.(*entry)
				e.mu.Lock()
				expired := e.snap.Online && now.After(e.snap.Deadline)
				e.mu.Unlock()
				if expired {
					r.markOffline(ctx, k.(string), "liveness expired")
				}
				return true
			})
		}
	}
}

func (r *Registry) loadOrCreate(serial string) *entry {
	if v, ok := r.entries.Load(serial); ok {
		return v.(*entry)
	}
	v, _ := r.entries.LoadOrStore(serial, &entry{})
	return v.(*entry)
}

// persist writes the online record to the roster store. Persistence failures
// only degrade crash recovery, so they are logged and counted, not fatal.
func (r *Registry) persist(ctx context.Context, snap Snapshot) {
	if r.store == nil {
		return
	}
	rec := Record{
		GatewaySerial: snap.GatewaySerial,
		ChildSerial:   snap.ChildSerial,
		Identity:      snap.Identity,
		Version:       snap.Version,
		Online:        true,
		UpdatedAt:     timestamp.Now(),
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		r.logger.Warn("roster upsert failed", "serial", snap.GatewaySerial, "error", err)
	}
}
