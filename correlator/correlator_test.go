package correlator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/envelope"
	"github.com/c360/fleetstream/errors"
)

func TestRegisterResolveAwait(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	reply := &envelope.Envelope{TID: "t1", Method: "cover_open"}
	go func() {
		assert.True(t, c.Resolve("t1", reply))
	}()

	env, err := c.Await(context.Background(), pending, time.Second, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, reply, env)
	assert.Equal(t, 0, c.PendingCount())
}

func TestRegisterDuplicateTID(t *testing.T) {
	c := New()

	_, err := c.Register("t1")
	require.NoError(t, err)

	_, err = c.Register("t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPendingCallExists)
	assert.True(t, errors.IsFatal(err))
}

func TestRegisterEmptyTID(t *testing.T) {
	c := New()
	_, err := c.Register("")
	require.Error(t, err)
}

func TestResolveUnknownTID(t *testing.T) {
	c := New()
	assert.False(t, c.Resolve("never-registered", &envelope.Envelope{TID: "never-registered"}))
}

func TestResolveExactlyOnce(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	reply := &envelope.Envelope{TID: "t1"}
	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if c.Resolve("t1", reply) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one racer delivers")

	env, err := c.Await(context.Background(), pending, time.Second, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, reply, env)
}

func TestAwaitTimeoutAfterRetries(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	var republishes atomic.Int32
	republish := func(context.Context) error {
		republishes.Add(1)
		return nil
	}

	start := time.Now()
	_, err = c.Await(context.Background(), pending, 20*time.Millisecond, 2, republish)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCorrelationTimeout)
	assert.True(t, errors.IsTransient(err))
	// retries=2 means 2 republishes and 3 total attempt windows.
	assert.Equal(t, int32(2), republishes.Load())
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount(), "timed out call is removed")
}

func TestAwaitZeroRetries(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	var republishes atomic.Int32
	_, err = c.Await(context.Background(), pending, 10*time.Millisecond, 0, func(context.Context) error {
		republishes.Add(1)
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCorrelationTimeout)
	assert.Equal(t, int32(0), republishes.Load())
}

func TestAwaitContextCancelled(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = c.Await(ctx, pending, time.Minute, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
}

func TestLateReplyAfterTimeoutIsDiscarded(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	_, err = c.Await(context.Background(), pending, 10*time.Millisecond, 0, nil)
	require.Error(t, err)

	// The late reply must not be delivered anywhere.
	assert.False(t, c.Resolve("t1", &envelope.Envelope{TID: "t1"}))
}

func TestAwaitRepublishFailure(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	republish := func(context.Context) error {
		return errors.ErrNotConnected
	}

	_, err = c.Await(context.Background(), pending, 10*time.Millisecond, 3, republish)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCancelThenResolve(t *testing.T) {
	c := New()

	pending, err := c.Register("t1")
	require.NoError(t, err)

	assert.True(t, pending.Cancel())
	assert.False(t, pending.Cancel(), "second cancel is a no-op")
	assert.False(t, c.Resolve("t1", &envelope.Envelope{TID: "t1"}))
}

func TestConcurrentCalls(t *testing.T) {
	c := New()

	const calls = 50
	var wg sync.WaitGroup
	wg.Add(calls)
	for i := 0; i < calls; i++ {
		tid := fmt.Sprintf("tid-%d", i)
		pending, err := c.Register(tid)
		require.NoError(t, err)

		go func(tid string, p *Pending) {
			defer wg.Done()
			go c.Resolve(tid, &envelope.Envelope{TID: tid})
			env, err := c.Await(context.Background(), p, time.Second, 0, nil)
			assert.NoError(t, err)
			assert.Equal(t, tid, env.TID)
		}(tid, pending)
	}
	wg.Wait()
	assert.Equal(t, 0, c.PendingCount())
}
