// Package correlator turns the one-way, fire-and-forget transport into a
// call/response abstraction. Each outstanding call is a tid-keyed single-slot
// rendezvous: inserted before the request is published, consumed by exactly
// one of {matching reply, timeout, cancellation}. Duplicate and stale replies
// are expected under at-least-once delivery and are discarded, never
// delivered to a dead waiter.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/fleetstream/envelope"
	"github.com/c360/fleetstream/errors"
)

// pending call states
const (
	stateWaiting int32 = iota
	stateResolved
	stateCancelled
)

// Pending is an outstanding call awaiting its reply. Exactly one Pending may
// exist per tid; the creator owns it and must Await or Cancel it.
type Pending struct {
	c     *Correlator
	tid   string
	ch    chan *envelope.Envelope
	state atomic.Int32
}

// TID returns the correlation key of this pending call.
func (p *Pending) TID() string {
	return p.tid
}

// Cancel removes the pending call so a late reply is discarded rather than
// delivered to a dead waiter. Returns false when the call was already
// resolved, in which case the reply is sitting in the slot.
func (p *Pending) Cancel() bool {
	if !p.state.CompareAndSwap(stateWaiting, stateCancelled) {
		return false
	}
	p.c.remove(p.tid)
	return true
}

// Correlator matches arriving replies to outstanding calls by tid. Safe for
// concurrent Register, Resolve, and Await across any number of callers; the
// pending table is a concurrent map, never a global lock.
type Correlator struct {
	pending sync.Map // tid -> *Pending
	logger  *slog.Logger

	// staleLog rate-limits warnings for duplicate/stale replies, which
	// arrive in bursts under at-least-once delivery.
	staleLog *rate.Limiter

	pendingGauge prometheus.Gauge
	timeouts     prometheus.Counter
}

// Option configures a Correlator
type Option func(*Correlator)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithPendingGauge sets a gauge tracking outstanding calls
func WithPendingGauge(gauge prometheus.Gauge) Option {
	return func(c *Correlator) {
		c.pendingGauge = gauge
	}
}

// WithTimeoutCounter sets a counter for correlation timeouts
func WithTimeoutCounter(counter prometheus.Counter) Option {
	return func(c *Correlator) {
		c.timeouts = counter
	}
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		logger:   slog.Default(),
		staleLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register creates the pending call for a tid. It must be called before the
// request is published so a fast reply cannot race the registration.
// Registering a tid that already has a pending call is a programming error
// and fails loudly.
func (c *Correlator) Register(tid string) (*Pending, error) {
	if tid == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty tid"),
			"Correlator", "Register", "validate tid")
	}

	p := &Pending{c: c, tid: tid, ch: make(chan *envelope.Envelope, 1)}
	if _, loaded := c.pending.LoadOrStore(tid, p); loaded {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: tid %q", errors.ErrPendingCallExists, tid),
			"Correlator", "Register", "insert pending call")
	}

	if c.pendingGauge != nil {
		c.pendingGauge.Inc()
	}
	return p, nil
}

// Resolve delivers a reply to the waiter registered for its tid, exactly
// once. Returns false for unknown, already-resolved, or cancelled tids; those
// replies are logged at a limited rate and discarded.
func (c *Correlator) Resolve(tid string, env *envelope.Envelope) bool {
	v, ok := c.pending.Load(tid)
	if !ok {
		c.logStale(tid)
		return false
	}

	p := v.(*Pending)
	if !p.state.CompareAndSwap(stateWaiting, stateResolved) {
		c.logStale(tid)
		return false
	}

	c.remove(tid)
	p.ch <- env // buffered slot, exactly one producer wins the CAS
	return true
}

// Await blocks the caller until the pending call resolves, the per-attempt
// deadline elapses, or the context is cancelled. On deadline expiry with
// retry budget remaining it invokes republish (which must resend the
// identical envelope: same tid, same bid) and waits again; after the budget
// is exhausted the caller gets a typed correlation timeout. There is no code
// path that leaves the caller waiting past (retries+1) x attemptTimeout.
func (c *Correlator) Await(
	ctx context.Context,
	p *Pending,
	attemptTimeout time.Duration,
	retries int,
	republish func(context.Context) error,
) (*envelope.Envelope, error) {
	if attemptTimeout <= 0 {
		p.Cancel()
		return nil, errors.WrapInvalid(
			fmt.Errorf("attempt timeout must be positive"),
			"Correlator", "Await", "validate timeout")
	}

	timer := time.NewTimer(attemptTimeout)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		select {
		case env := <-p.ch:
			return env, nil

		case <-ctx.Done():
			// A reply may have won the race just before cancellation.
			if !p.Cancel() {
				return <-p.ch, nil
			}
			return nil, errors.WrapTransient(ctx.Err(), "Correlator", "Await", "wait for reply")

		case <-timer.C:
			if attempt >= retries {
				if !p.Cancel() {
					return <-p.ch, nil
				}
				if c.timeouts != nil {
					c.timeouts.Inc()
				}
				return nil, errors.WrapTransient(
					fmt.Errorf("%w: tid %q after %d attempts",
						errors.ErrCorrelationTimeout, p.tid, attempt+1),
					"Correlator", "Await", "wait for reply")
			}

			if republish != nil {
				if err := republish(ctx); err != nil {
					if !p.Cancel() {
						return <-p.ch, nil
					}
					return nil, errors.WrapTransient(err, "Correlator", "Await", "republish request")
				}
			}
			timer.Reset(attemptTimeout)
		}
	}
}

// PendingCount returns the number of outstanding calls.
func (c *Correlator) PendingCount() int {
	count := 0
	c.pending.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (c *Correlator) remove(tid string) {
	c.pending.Delete(tid)
	if c.pendingGauge != nil {
		c.pendingGauge.Dec()
	}
}

func (c *Correlator) logStale(tid string) {
	if c.staleLog.Allow() {
		c.logger.Debug("discarding duplicate or stale reply", "tid", tid)
	}
}
