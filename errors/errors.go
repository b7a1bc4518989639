// Package errors classifies failures so callers can decide between retrying,
// rejecting the input, and stopping. Every component wraps its errors through
// WrapTransient, WrapInvalid, or WrapFatal with the component, method, and
// action that failed.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/fleetstream/pkg/retry"
)

// ErrorClass partitions failures by how the caller should react.
type ErrorClass int

const (
	// ErrorTransient failures may succeed on retry.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid failures are caused by bad input and will not improve
	// with retries.
	ErrorInvalid
	// ErrorFatal failures should stop processing.
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors matched with errors.Is across the codebase.
var (
	// Transport
	ErrNotConnected      = errors.New("not connected to transport")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Message processing
	ErrDecodeFailed  = errors.New("envelope decode failed")
	ErrUnknownMethod = errors.New("unknown method")
	ErrUnknownTopic  = errors.New("unrecognized topic")

	// Device sessions
	ErrUnknownDevice = errors.New("unknown device")
	ErrDeviceOffline = errors.New("device offline")

	// Capability gate
	ErrTypeNotSupported    = errors.New("device type not supported")
	ErrVersionNotSupported = errors.New("protocol version not supported")

	// Reply correlation
	ErrCorrelationTimeout = errors.New("no reply within deadline")
	ErrPendingCallExists  = errors.New("pending call already registered")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClassifiedError carries an error's class along with where it happened.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap adds location context in the form "component.method: action failed".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func classified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as retryable with location context.
func WrapTransient(err error, component, method, action string) error {
	return classified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as a bad-input failure with location context.
func WrapInvalid(err error, component, method, action string) error {
	return classified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as unrecoverable with location context.
func WrapFatal(err error, component, method, action string) error {
	return classified(ErrorFatal, err, component, method, action)
}

var transientSentinels = []error{
	ErrConnectionTimeout,
	ErrConnectionLost,
	ErrNotConnected,
	context.DeadlineExceeded,
	context.Canceled,
}

// Substrings that mark an unclassified error message as retryable. Broker
// and network libraries outside our control word their errors this way.
var transientPatterns = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"unavailable",
	"busy",
	"retry",
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsFatal reports whether processing should stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig)
}

// IsInvalid reports whether the failure was caused by bad input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrDecodeFailed) ||
		errors.Is(err, ErrUnknownMethod) ||
		errors.Is(err, ErrUnknownTopic)
}

// Classify returns the class of an error. Unknown errors classify as
// transient so callers err on the side of retrying.
func Classify(err error) ErrorClass {
	switch {
	case IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// RetryConfig describes a retry policy in terms of this package's
// classification. MaxRetries counts attempts beyond the first.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []error
}

// DefaultRetryConfig returns the policy most callers want.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed for this error.
// When RetryableErrors is set, only listed sentinels retry.
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries || !IsTransient(err) {
		return false
	}
	if len(rc.RetryableErrors) == 0 {
		return true
	}
	for _, sentinel := range rc.RetryableErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// BackoffDelay returns the wait before the given attempt, capped at MaxDelay.
func (rc RetryConfig) BackoffDelay(attempt int) time.Duration {
	delay := rc.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rc.BackoffFactor)
		if delay >= rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	return delay
}

// ToRetryConfig converts the policy to the retry package's Config. The
// conversion adds one because retry counts total attempts, not retries.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
