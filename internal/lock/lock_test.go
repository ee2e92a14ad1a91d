// internal/lock/lock_test.go
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_TryAcquire(t *testing.T) {
	r := NewRegistry()
	a, b := uuid.New(), uuid.New()

	release, ok := r.TryAcquire(a)
	require.True(t, ok)
	assert.True(t, r.Held(a))

	_, ok = r.TryAcquire(a)
	assert.False(t, ok, "second acquire of the same id is skipped")

	releaseB, ok := r.TryAcquire(b)
	require.True(t, ok, "different ids do not contend")
	releaseB()

	release()
	release()
	assert.False(t, r.Held(a))

	release, ok = r.TryAcquire(a)
	require.True(t, ok)
	release()
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	var (
		wg       sync.WaitGroup
		acquired int32
		start    = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.TryAcquire(id); ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&acquired))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDistributed_AcquireRelease(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	d := NewDistributed(rdb, BatchSyncKey, 10*time.Minute)

	token, ok, err := d.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)
	assert.Equal(t, 10*time.Minute, mr.TTL(BatchSyncKey))

	_, ok, err = d.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held lock is not acquired twice")

	require.NoError(t, d.Release(ctx, token))
	assert.False(t, mr.Exists(BatchSyncKey))

	_, ok, err = d.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributed_ReleaseIgnoresForeignToken(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	d := NewDistributed(rdb, BatchSyncKey, time.Minute)

	token, ok, err := d.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Release(ctx, "someone-else"))
	got, err := mr.Get(BatchSyncKey)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestDistributed_Expiry(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	d := NewDistributed(rdb, BatchSyncKey, time.Minute)

	_, ok, err := d.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = d.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken again")
}

func TestDistributed_RedisDown(t *testing.T) {
	mr, rdb := setupRedis(t)
	mr.Close()

	_, ok, err := NewDistributed(rdb, BatchSyncKey, time.Minute).Acquire(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}
