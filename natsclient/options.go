package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Logger is the printf-style logging seam the client writes through. The
// nats.go handler callbacks are printf-shaped, so the client keeps that
// shape and adapts structured loggers behind it.
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

func sprintf(format string, v ...any) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	slog.Info("nats: " + sprintf(format, v...))
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	slog.Error("nats: " + sprintf(format, v...))
}

func (l *defaultLogger) Debugf(format string, v ...any) {
	slog.Debug("nats: " + sprintf(format, v...))
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Printf(format string, v ...any) {
	l.logger.Info(sprintf(format, v...))
}

func (l *slogLogger) Errorf(format string, v ...any) {
	l.logger.Error(sprintf(format, v...))
}

func (l *slogLogger) Debugf(format string, v ...any) {
	l.logger.Debug(sprintf(format, v...))
}

// NewSlogLogger adapts a structured logger to the client's Logger seam.
func NewSlogLogger(logger *slog.Logger) Logger {
	return &slogLogger{logger: logger}
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client) error

// WithLogger sets the client logger; nil restores the default.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithName sets the connection name visible in broker monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithMaxReconnects bounds automatic reconnection attempts; -1 reconnects
// forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithReconnectCallback registers a hook fired after the broker connection
// is restored.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback registers a hook fired when connection health
// flips.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithCredsFile sets an NKey credentials file for authentication.
func WithCredsFile(path string) ClientOption {
	return func(c *Client) error {
		c.credsFile = path
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS enables TLS using the given certificate paths; caFile may be
// empty to trust the system roots.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.tlsEnabled = true
		c.tlsCertFile = certFile
		c.tlsKeyFile = keyFile
		c.tlsCAFile = caFile
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}
