package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/c360/fleetstream/natsclient"
)

// KVBucket is the slice of the KV client the roster needs.
type KVBucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// KVRoster persists session records to a JetStream KV bucket, one key
// per gateway serial. It exists so a restarted node can reconcile which
// devices were online before the crash.
type KVRoster struct {
	kv     KVBucket
	logger *slog.Logger
}

// NewKVRoster creates a roster store backed by the given bucket.
func NewKVRoster(kv KVBucket, logger *slog.Logger) *KVRoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVRoster{
		kv:     kv,
		logger: logger.With("component", "session.KVRoster"),
	}
}

// LoadAllOnline returns every record whose last persisted state was
// online. Records that fail to decode are skipped with a warning rather
// than aborting reconciliation.
func (r *KVRoster) LoadAllOnline(ctx context.Context) ([]Record, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("KVRoster.LoadAllOnline: list keys failed: %w", err)
	}

	var records []Record
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				// Deleted between Keys and Get
				continue
			}
			return nil, fmt.Errorf("KVRoster.LoadAllOnline: get %s failed: %w", key, err)
		}

		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			r.logger.Warn("skipping undecodable roster record",
				"key", key,
				"error", err)
			continue
		}
		if rec.Online {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Upsert writes the record under its gateway serial.
func (r *KVRoster) Upsert(ctx context.Context, rec Record) error {
	if rec.GatewaySerial == "" {
		return fmt.Errorf("KVRoster.Upsert: record has empty gateway serial")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("KVRoster.Upsert: marshal %s failed: %w", rec.GatewaySerial, err)
	}
	if _, err := r.kv.Put(ctx, rec.GatewaySerial, data); err != nil {
		return fmt.Errorf("KVRoster.Upsert: put %s failed: %w", rec.GatewaySerial, err)
	}
	return nil
}

// Remove deletes the record for a gateway serial. Removing a serial
// that was never persisted is not an error.
func (r *KVRoster) Remove(ctx context.Context, serial string) error {
	if err := r.kv.Delete(ctx, serial); err != nil {
		return fmt.Errorf("KVRoster.Remove: delete %s failed: %w", serial, err)
	}
	return nil
}
