package shared

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesKey(t *testing.T) {
	locker := NewLocalLocker()
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), RMALockKey("a"))
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen.Load())
	assert.Empty(t, locker.entries)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locker.Acquire(context.Background(), "other")
	require.NoError(t, err)
	other()
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, ttl)
	locker.retry = 5 * time.Millisecond
	return locker, mr
}

func TestRedisLockerExcludesAndReleases(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Minute)
	key := RMALockKey("rma-1")

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.False(t, mr.Exists(key))

	again, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Minute)
	key := RMALockKey("rma-2")

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	// Simulate expiry and takeover by another holder.
	require.NoError(t, mr.Set(key, "someone-else"))
	release()

	value, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestLayeredLockerReleasesAll(t *testing.T) {
	redisLocker, mr := newRedisLocker(t, time.Minute)
	local := NewLocalLocker()
	layered := NewLayeredLocker(local, redisLocker)

	release, err := layered.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("k"))
	release()
	assert.False(t, mr.Exists("k"))
	assert.Empty(t, local.entries)
}

func TestInvoiceReturnsLockKeyIsDistinctFromRMAKey(t *testing.T) {
	assert.Equal(t, "invoice:inv-1:returns:lock", InvoiceReturnsLockKey("inv-1"))
	assert.NotEqual(t, RMALockKey("inv-1"), InvoiceReturnsLockKey("inv-1"))
}
