package fleet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/retry"
	"github.com/c360/fleetstream/topic"
	"github.com/c360/fleetstream/transport"
)

// deviceCategories are the per-device inbound channels a node subscribes to
// when a gateway comes online. Status stays on one wildcard subscription so
// announcements from unknown devices are never missed.
var deviceCategories = []topic.Category{
	topic.CategoryOSD,
	topic.CategoryState,
	topic.CategoryServices,
	topic.CategoryEvents,
	topic.CategoryPropertySet,
	topic.CategoryDRC,
}

// subscriber owns every transport subscription the node holds: the wildcard
// status subscription plus one subscription per online device per category.
type subscriber struct {
	transport transport.Transport
	handlers  map[topic.Category]transport.Handler
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu        sync.Mutex
	statusSub transport.Subscription
	perDevice map[string][]transport.Subscription

	// gen identifies each device reservation so a subscribe that raced an
	// offline transition can tell its reservation was torn down.
	gen        map[string]uint64
	genCounter uint64
}

func newSubscriber(t transport.Transport, logger *slog.Logger, m *metric.Metrics) *subscriber {
	return &subscriber{
		transport: t,
		handlers:  make(map[topic.Category]transport.Handler),
		logger:    logger,
		metrics:   m,
		perDevice: make(map[string][]transport.Subscription),
		gen:       make(map[string]uint64),
	}
}

func (s *subscriber) setHandler(cat topic.Category, h transport.Handler) {
	s.handlers[cat] = h
}

// subscribeStatus opens the wildcard status subscription.
func (s *subscriber) subscribeStatus(ctx context.Context) error {
	pattern, err := topic.Pattern(topic.CategoryStatus, topic.Up)
	if err != nil {
		return err
	}

	sub, err := s.subscribe(ctx, pattern, s.handlers[topic.CategoryStatus])
	if err != nil {
		return errors.WrapTransient(err, "subscriber", "subscribeStatus", "subscribe status wildcard")
	}

	s.mu.Lock()
	s.statusSub = sub
	s.mu.Unlock()
	return nil
}

// subscribeDevice opens every per-device channel for a gateway. A category
// that fails after retries is logged and skipped so one bad subscription
// does not black-hole the rest of the device's traffic.
func (s *subscriber) subscribeDevice(ctx context.Context, serial string) {
	s.mu.Lock()
	if _, exists := s.perDevice[serial]; exists {
		s.mu.Unlock()
		return
	}
	s.genCounter++
	myGen := s.genCounter
	s.gen[serial] = myGen
	s.perDevice[serial] = nil
	s.mu.Unlock()

	var subs []transport.Subscription
	for _, cat := range deviceCategories {
		handler, ok := s.handlers[cat]
		if !ok {
			continue
		}
		pattern, err := topic.Build(cat, topic.Up, serial)
		if err != nil {
			s.logger.Error("cannot build device topic",
				"category", cat, "serial", serial, "error", err)
			continue
		}

		sub, err := s.subscribe(ctx, pattern, handler)
		if err != nil {
			s.logger.Error("device subscription failed",
				"category", cat, "serial", serial, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	if s.gen[serial] != myGen {
		// The device went offline while the subscriptions were opening;
		// the reservation is gone and storing these would leak them.
		s.mu.Unlock()
		s.teardown(serial, subs)
		s.logger.Debug("device went offline during subscribe, subscriptions dropped",
			"serial", serial)
		return
	}
	s.perDevice[serial] = subs
	s.mu.Unlock()

	s.logger.Debug("device subscriptions opened",
		"serial", serial, "count", len(subs))
}

// unsubscribeDevice drops every per-device subscription for a gateway.
func (s *subscriber) unsubscribeDevice(serial string) {
	s.mu.Lock()
	subs, exists := s.perDevice[serial]
	delete(s.perDevice, serial)
	delete(s.gen, serial)
	s.mu.Unlock()

	if !exists {
		return
	}
	s.teardown(serial, subs)
}

// teardown unsubscribes each subscription, retrying transient transport
// failures with the same policy subscribing uses.
func (s *subscriber) teardown(serial string, subs []transport.Subscription) {
	for _, sub := range subs {
		err := retry.Do(context.Background(), retry.Quick(), sub.Unsubscribe)
		if err != nil {
			s.logger.Warn("unsubscribe failed",
				"topic", sub.Topic(), "serial", serial, "error", err)
		}
	}
}

// subscribe opens one subscription, retrying transient transport errors with
// backoff.
func (s *subscriber) subscribe(ctx context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	cfg := retry.Quick()
	attempt := 0
	return retry.DoWithResult(ctx, cfg, func() (transport.Subscription, error) {
		attempt++
		if attempt > 1 && s.metrics != nil {
			s.metrics.SubscriptionRetries.Inc()
		}
		return s.transport.Subscribe(ctx, pattern, handler)
	})
}

// close drops every subscription the node holds.
func (s *subscriber) close() {
	s.mu.Lock()
	statusSub := s.statusSub
	s.statusSub = nil
	perDevice := s.perDevice
	s.perDevice = make(map[string][]transport.Subscription)
	s.gen = make(map[string]uint64)
	s.mu.Unlock()

	if statusSub != nil {
		if err := retry.Do(context.Background(), retry.Quick(), statusSub.Unsubscribe); err != nil {
			s.logger.Warn("status unsubscribe failed", "error", err)
		}
	}
	for serial, subs := range perDevice {
		s.teardown(serial, subs)
	}
}

// deviceCount returns how many devices currently hold subscriptions.
func (s *subscriber) deviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.perDevice)
}
