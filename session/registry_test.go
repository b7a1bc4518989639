package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/device"
	"github.com/c360/fleetstream/errors"
)

// fakeStore records roster operations in memory.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	upserts int
	removes int
	loadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (s *fakeStore) LoadAllOnline(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []Record
	for _, rec := range s.records {
		if rec.Online {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.records[rec.GatewaySerial] = rec
	return nil
}

func (s *fakeStore) Remove(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	delete(s.records, serial)
	return nil
}

func dockAttrs() Attributes {
	return Attributes{
		ChildSerial: "DRONE-1",
		Identity:    device.Identity{Domain: device.DomainDock, Type: 3},
		Version:     device.MustParseVersion("1.2.0"),
	}
}

func TestRegisterTransition(t *testing.T) {
	var onlines atomic.Int32
	store := newFakeStore()
	r := NewRegistry(store,
		WithOnOnline(func(context.Context, Snapshot) { onlines.Add(1) }),
	)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))

	snap, ok := r.Get("DOCK-1")
	require.True(t, ok)
	assert.True(t, snap.Online)
	assert.Equal(t, "DRONE-1", snap.ChildSerial)
	assert.Equal(t, device.GatewayDock, snap.GatewayType)
	assert.False(t, snap.Deadline.IsZero())
	assert.Equal(t, int32(1), onlines.Load())
	assert.Equal(t, 1, r.OnlineCount())

	// A second announcement refreshes but does not re-fire the hook.
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))
	assert.Equal(t, int32(1), onlines.Load())

	store.mu.Lock()
	rec := store.records["DOCK-1"]
	store.mu.Unlock()
	assert.True(t, rec.Online, "roster record persisted online")
}

func TestRegisterRejectsNonGatewayDomain(t *testing.T) {
	r := NewRegistry(nil)
	attrs := Attributes{Identity: device.Identity{Domain: device.DomainDrone}}

	err := r.Register(context.Background(), "DRONE-1", attrs)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, ok := r.Get("DRONE-1")
	assert.False(t, ok)
}

func TestRegisterEmptySerial(t *testing.T) {
	r := NewRegistry(nil)
	require.Error(t, r.Register(context.Background(), "", dockAttrs()))
}

func TestMarkOfflineExactlyOnce(t *testing.T) {
	var offlines atomic.Int32
	store := newFakeStore()
	r := NewRegistry(store,
		WithOnOffline(func(context.Context, Snapshot) { offlines.Add(1) }),
	)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))

	// Explicit offline and concurrent duplicates race; the hook fires once.
	const racers = 8
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			r.MarkOffline(ctx, "DOCK-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), offlines.Load())
	snap, ok := r.Get("DOCK-1")
	require.True(t, ok)
	assert.False(t, snap.Online)
	assert.Equal(t, 0, r.OnlineCount())

	store.mu.Lock()
	_, exists := store.records["DOCK-1"]
	store.mu.Unlock()
	assert.False(t, exists, "offline removes the roster record")
}

func TestMarkOfflineUnknownSerial(t *testing.T) {
	r := NewRegistry(nil)
	// Must not panic or fire hooks.
	r.MarkOffline(context.Background(), "never-seen")
}

func TestOfflineThenReannounce(t *testing.T) {
	var onlines atomic.Int32
	r := NewRegistry(nil,
		WithOnOnline(func(context.Context, Snapshot) { onlines.Add(1) }),
	)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))
	r.MarkOffline(ctx, "DOCK-1")
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))

	assert.Equal(t, int32(2), onlines.Load(), "re-announce fires the online hook again")
	snap, _ := r.Get("DOCK-1")
	assert.True(t, snap.Online)
}

func TestRefreshLiveness(t *testing.T) {
	r := NewRegistry(nil, WithLivenessWindow(time.Minute))
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))

	before, _ := r.Get("DOCK-1")
	time.Sleep(5 * time.Millisecond)
	r.RefreshLiveness("DOCK-1")
	after, _ := r.Get("DOCK-1")

	assert.True(t, after.Deadline.After(before.Deadline))

	// Refreshing an offline session must not resurrect it.
	r.MarkOffline(ctx, "DOCK-1")
	r.RefreshLiveness("DOCK-1")
	snap, _ := r.Get("DOCK-1")
	assert.False(t, snap.Online)

	// Unknown serials are ignored.
	r.RefreshLiveness("never-seen")
}

func TestSweepMarksExpiredOffline(t *testing.T) {
	var offlines atomic.Int32
	r := NewRegistry(nil,
		WithLivenessWindow(20*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
		WithOnOffline(func(context.Context, Snapshot) { offlines.Add(1) }),
	)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))
	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Stop(time.Second) }()

	assert.Eventually(t, func() bool {
		snap, _ := r.Get("DOCK-1")
		return !snap.Online
	}, time.Second, 10*time.Millisecond, "liveness expiry should mark the session offline")
	assert.Equal(t, int32(1), offlines.Load())
}

func TestReconcile(t *testing.T) {
	store := newFakeStore()
	store.records["DOCK-1"] = Record{
		GatewaySerial: "DOCK-1",
		ChildSerial:   "DRONE-1",
		Identity:      device.Identity{Domain: device.DomainDock, Type: 3},
		Version:       device.MustParseVersion("1.2.0"),
		Online:        true,
	}
	store.records["RC-2"] = Record{
		GatewaySerial: "RC-2",
		Identity:      device.Identity{Domain: device.DomainRemoteControl},
		Online:        true,
	}

	var onlines atomic.Int32
	r := NewRegistry(store,
		WithOnOnline(func(context.Context, Snapshot) { onlines.Add(1) }),
	)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, int32(2), onlines.Load(), "reconcile re-fires online hooks for re-subscription")
	assert.Equal(t, 2, r.OnlineCount())

	snap, ok := r.Get("DOCK-1")
	require.True(t, ok)
	assert.Equal(t, "DRONE-1", snap.ChildSerial)
}

func TestReconcileLoadFailure(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.ErrConnectionLost

	r := NewRegistry(store)
	err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestReconcileWithoutStore(t *testing.T) {
	r := NewRegistry(nil)
	assert.NoError(t, r.Reconcile(context.Background()))
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "DOCK-1", dockAttrs()))

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	snaps[0].Online = false

	current, _ := r.Get("DOCK-1")
	assert.True(t, current.Online, "mutating a snapshot must not touch the registry")
}
