// Package natsclient implements the node's transport contract on NATS, with
// reconnect-aware connection management, a circuit breaker around broker
// operations, and JetStream KV access for the session roster.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/transport"
)

// ConnectionStatus is the observable state of the broker connection.
type ConnectionStatus int32

// Connection states
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned for operations attempted without a live
	// broker connection.
	ErrNotConnected = stderrors.New("not connected to NATS")

	// ErrCircuitOpen is returned while the breaker is holding off the
	// broker after repeated failures.
	ErrCircuitOpen = stderrors.New("circuit breaker is open")
)

// breaker tracks consecutive broker failures and opens after a threshold,
// doubling its hold-off up to a cap. Guarded by its own mutex; the hot
// paths only touch it on failure.
type breaker struct {
	mu        sync.Mutex
	streak    int
	threshold int
	holdoff   time.Duration
	maxHold   time.Duration
}

// trip registers one failure. It returns the hold-off to apply when this
// failure opened the breaker, and zero otherwise.
func (b *breaker) trip() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak++
	if b.streak < b.threshold {
		return 0
	}
	b.streak = 0

	hold := b.holdoff
	next := hold * 2
	if next > b.maxHold {
		next = b.maxHold
	}
	b.holdoff = next
	return hold
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	b.holdoff = time.Second
}

// Client is a NATS connection exposed as the node's transport. Safe for
// concurrent use.
type Client struct {
	url    string
	logger Logger

	status   atomic.Int32
	failures atomic.Int64
	breaker  breaker

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	dialTimeout   time.Duration
	drainTimeout  time.Duration

	// Credentials are wiped on Close.
	username  string
	password  string
	token     string
	credsFile string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onReconnect    func()
	onHealthChange func(bool)

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

// NewClient builds an unconnected client for the given broker URL.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        &defaultLogger{},
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		dialTimeout:   5 * time.Second,
		drainTimeout:  30 * time.Second,
		breaker: breaker{
			threshold: 5,
			holdoff:   time.Second,
			maxHold:   time.Minute,
		},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(int32(StatusDisconnected))
	return c, nil
}

// URL returns the broker URL this client dials.
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status.
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

func (m *Client) setStatus(s ConnectionStatus) {
	m.status.Store(int32(s))
}

// IsHealthy reports whether the broker connection is up.
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// recordFailure counts one broker failure and opens the breaker once the
// streak crosses the threshold. A timer moves the breaker to half-open by
// returning the status to disconnected after the hold-off.
func (m *Client) recordFailure() {
	m.failures.Add(1)

	hold := m.breaker.trip()
	if hold == 0 {
		return
	}

	prev := m.Status()
	if prev == StatusCircuitOpen {
		return
	}
	if m.status.CompareAndSwap(int32(prev), int32(StatusCircuitOpen)) {
		m.logger.Printf("circuit opened, holding off broker for %v", hold)
		time.AfterFunc(hold, func() {
			if m.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
				m.logger.Debugf("circuit half-open, next attempt allowed")
			}
		})
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.breaker.reset()
	m.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

func (m *Client) dialOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.dialTimeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.setStatus(StatusReconnecting)
			m.logger.Errorf("broker connection lost: %v", err)
			m.notifyHealth(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			m.setStatus(StatusConnected)
			m.resetCircuit()
			m.logger.Printf("broker connection restored")
			if m.onReconnect != nil {
				go m.onReconnect()
			}
			m.notifyHealth(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.setStatus(StatusDisconnected)
			m.notifyHealth(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			m.logger.Errorf("broker error: %v", err)
		}),
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.credsFile != "" {
		opts = append(opts, nats.UserCredentials(m.credsFile))
	}
	if m.tlsEnabled {
		if m.tlsCertFile != "" && m.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(m.tlsCertFile, m.tlsKeyFile))
		}
		if m.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(m.tlsCAFile))
		}
	}
	return opts
}

func (m *Client) notifyHealth(healthy bool) {
	if m.onHealthChange != nil {
		go m.onHealthChange(healthy)
	}
}

// Connect dials the broker and initializes JetStream. The dial runs in its
// own goroutine so ctx cancellation is honored even while nats.Connect
// blocks.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("connecting to %s", m.url)

	dialed := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.dialOptions()...)
		if err != nil {
			dialed <- err
			return
		}

		js, jsErr := jetstream.New(conn)

		m.mu.Lock()
		m.conn = conn
		if jsErr == nil {
			m.js = js
		}
		m.mu.Unlock()
		dialed <- nil
	}()

	select {
	case err := <-dialed:
		if err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "dial broker")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "dial broker")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("connected to %s", m.url)
	m.notifyHealth(true)
	return nil
}

// Close drains in-flight messages and closes the connection. Credentials
// are cleared so they do not linger in memory.
func (m *Client) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var closeErr error
	if m.conn != nil {
		wait := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < wait {
				wait = remaining
			}
		}

		drained := make(chan error, 1)
		go func(conn *nats.Conn) {
			drained <- conn.Drain()
		}(m.conn)

		select {
		case err := <-drained:
			if err != nil {
				closeErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(wait):
			closeErr = errors.WrapTransient(
				fmt.Errorf("drain timed out after %v", wait),
				"Client", "Close", "drain connection")
		case <-ctx.Done():
			closeErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}

		m.conn.Close()
		m.conn = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)
	return closeErr
}

func (m *Client) liveConn() (*nats.Conn, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Publish sends raw bytes on a topic path. Implements transport.Transport.
func (m *Client) Publish(_ context.Context, topicPath string, data []byte) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	return conn.Publish(ToSubject(topicPath), data)
}

// Subscribe registers a handler for a topic pattern. Implements
// transport.Transport. The context handed to the handler is scoped to the
// subscription, not to the individual delivery: consumers may enqueue the
// message and finish processing after the callback has returned, so it must
// stay live until Unsubscribe.
func (m *Client) Subscribe(ctx context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	conn, err := m.liveConn()
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := conn.Subscribe(ToSubject(pattern), func(msg *nats.Msg) {
		handler(subCtx, FromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		cancel()
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe to subject")
	}

	return &natsSubscription{sub: sub, pattern: pattern, cancel: cancel}, nil
}

type natsSubscription struct {
	sub     *nats.Subscription
	pattern string
	cancel  context.CancelFunc
}

func (s *natsSubscription) Topic() string {
	return s.pattern
}

func (s *natsSubscription) Unsubscribe() error {
	defer s.cancel()
	return s.sub.Unsubscribe()
}

// JetStream returns the JetStream context established by Connect.
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}
