// Package envelope decodes and encodes the common message envelope shared by
// every channel. The data field stays deferred (raw bytes) until the method
// registry resolves its concrete type; the envelope itself never interprets it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/pkg/timestamp"
)

// Envelope is the wire-level message wrapper. Field names are the stable
// cross-process contract with devices in the field; changing them breaks
// compatibility.
type Envelope struct {
	// TID is globally unique per individual send and is the correlation
	// key for request/reply matching.
	TID string `json:"tid"`

	// BID is stable across retries of the same logical request so the
	// receiver can de-duplicate repeated deliveries. Absent means
	// fire-and-forget with no dedup.
	BID string `json:"bid,omitempty"`

	// Timestamp is the producer-side send time in Unix milliseconds.
	// Diagnostics only, never used for correctness.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Method selects the payload schema and target handler within a
	// category. Absent on plain telemetry envelopes.
	Method string `json:"method,omitempty"`

	// Data is the polymorphic payload, deferred until the method registry
	// resolves its concrete type.
	Data json.RawMessage `json:"data,omitempty"`

	// From identifies the actual originating hardware, which may be a
	// sub-device riding on the gateway's channel.
	From string `json:"from,omitempty"`

	// Gateway identifies the addressable parent used to build the topic.
	Gateway string `json:"gateway,omitempty"`

	// NeedReply asks the cloud to publish an acknowledgement for a
	// device-originated event. Absence of a reply is only an error when
	// this is set.
	NeedReply bool `json:"need_reply,omitempty"`
}

// DecodeError reports a malformed envelope. The raw bytes are preserved for
// logging; the caller decides whether to drop only this message (it must).
type DecodeError struct {
	Raw   []byte
	Cause error
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope decode failed (%d bytes): %v", len(e.Raw), e.Cause)
}

// Unwrap returns the underlying decode cause
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Is matches the standard decode-failure sentinel so callers can use
// errors.Is without knowing the concrete type.
func (e *DecodeError) Is(target error) bool {
	return target == errors.ErrDecodeFailed
}

// Decode parses raw bytes into an Envelope, leaving Data deferred.
// Structural failures return a *DecodeError carrying the raw bytes.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Raw: raw, Cause: err}
	}
	return &env, nil
}

// Encode serializes an Envelope back into wire bytes. The concrete data
// payload must already be marshaled into Data.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil envelope"),
			"envelope", "Encode", "validate input")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// MarshalData marshals a concrete payload into the envelope's deferred form.
func MarshalData(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "MarshalData", "marshal payload")
	}
	return data, nil
}

// SentAt returns the producer-side send time, or the zero time if unset.
func (e *Envelope) SentAt() time.Time {
	return timestamp.FromUnixMs(e.Timestamp)
}
