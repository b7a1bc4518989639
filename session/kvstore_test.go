package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/natsclient"
)

type fakeBucket struct {
	entries map[string][]byte
	keysErr error
	getErr  error
	putErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{entries: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	value, ok := b.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: value, Revision: 1}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if b.putErr != nil {
		return 0, b.putErr
	}
	b.entries[key] = value
	return 1, nil
}

func (b *fakeBucket) Delete(_ context.Context, key string) error {
	delete(b.entries, key)
	return nil
}

func (b *fakeBucket) Keys(_ context.Context) ([]string, error) {
	if b.keysErr != nil {
		return nil, b.keysErr
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func rosterRecord(serial string, online bool) Record {
	return Record{
		GatewaySerial: serial,
		Identity:      device.Identity{Domain: device.DomainDock, Type: 3},
		Version:       device.MustParseVersion("1.2.0"),
		Online:        online,
	}
}

func TestKVRosterRoundTrip(t *testing.T) {
	bucket := newFakeBucket()
	roster := NewKVRoster(bucket, nil)
	ctx := context.Background()

	require.NoError(t, roster.Upsert(ctx, rosterRecord("DOCK-1", true)))
	require.NoError(t, roster.Upsert(ctx, rosterRecord("DOCK-2", false)))

	records, err := roster.LoadAllOnline(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "offline records are filtered out")
	assert.Equal(t, "DOCK-1", records[0].GatewaySerial)
	assert.Equal(t, device.DomainDock, records[0].Identity.Domain)
}

func TestKVRosterUpsertEmptySerial(t *testing.T) {
	roster := NewKVRoster(newFakeBucket(), nil)
	require.Error(t, roster.Upsert(context.Background(), Record{}))
}

func TestKVRosterUpsertPutFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = errors.New("broker unavailable")
	roster := NewKVRoster(bucket, nil)

	err := roster.Upsert(context.Background(), rosterRecord("DOCK-1", true))
	require.Error(t, err)
	assert.ErrorIs(t, err, bucket.putErr)
}

func TestKVRosterLoadSkipsUndecodable(t *testing.T) {
	bucket := newFakeBucket()
	roster := NewKVRoster(bucket, nil)
	ctx := context.Background()

	require.NoError(t, roster.Upsert(ctx, rosterRecord("DOCK-1", true)))
	bucket.entries["DOCK-2"] = []byte("not json")

	records, err := roster.LoadAllOnline(ctx)
	require.NoError(t, err, "one bad record must not abort reconciliation")
	require.Len(t, records, 1)
	assert.Equal(t, "DOCK-1", records[0].GatewaySerial)
}

func TestKVRosterLoadKeysFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.keysErr = errors.New("broker unavailable")
	roster := NewKVRoster(bucket, nil)

	_, err := roster.LoadAllOnline(context.Background())
	require.Error(t, err)
}

func TestKVRosterLoadEmptyBucket(t *testing.T) {
	roster := NewKVRoster(newFakeBucket(), nil)
	records, err := roster.LoadAllOnline(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestKVRosterRemove(t *testing.T) {
	bucket := newFakeBucket()
	roster := NewKVRoster(bucket, nil)
	ctx := context.Background()

	require.NoError(t, roster.Upsert(ctx, rosterRecord("DOCK-1", true)))
	require.NoError(t, roster.Remove(ctx, "DOCK-1"))
	require.NoError(t, roster.Remove(ctx, "DOCK-1"), "removing an absent serial is not an error")

	records, err := roster.LoadAllOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestKVRosterRecordEncoding(t *testing.T) {
	bucket := newFakeBucket()
	roster := NewKVRoster(bucket, nil)
	require.NoError(t, roster.Upsert(context.Background(), rosterRecord("DOCK-1", true)))

	var rec Record
	require.NoError(t, json.Unmarshal(bucket.entries["DOCK-1"], &rec))
	assert.Equal(t, "1.2.0", rec.Version.String(), "version persists as a string")
	assert.True(t, rec.Online)
}
