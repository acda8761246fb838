package lock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesHolders(t *testing.T) {
	// GIVEN: Ten goroutines contending for the same key
	// WHEN: Each holds the lock briefly
	// THEN: At most one holds it at any time

	l := lock.NewLocalLocker(5 * time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Obtain(ctx, "settlement")
			if !assert.NoError(t, err) {
				return
			}

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)

			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_TimesOut(t *testing.T) {
	l := lock.NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	lease, err := l.Obtain(ctx, "k")
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = l.Obtain(ctx, "k")
	assert.ErrorIs(t, err, lock.ErrNotObtained)
	assert.ErrorIs(t, err, finance.ErrConcurrentModification)

	// other keys are independent
	other, err := l.Obtain(ctx, "other")
	require.NoError(t, err)
	assert.NoError(t, other.Release(ctx))
}

func TestLocalLocker_ReleaseTwiceIsHarmless(t *testing.T) {
	l := lock.NewLocalLocker(0)
	ctx := context.Background()

	lease, err := l.Obtain(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := l.Obtain(ctx, "k")
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("CF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CF_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	rdb, err := lock.ConnectRedis(ctx, lock.RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	l := lock.NewRedisLocker(rdb, "test", 5*time.Second, 50*time.Millisecond, nil)
	lease, err := l.Obtain(ctx, "settlement")
	require.NoError(t, err)

	_, err = l.Obtain(ctx, "settlement")
	assert.ErrorIs(t, err, lock.ErrNotObtained)

	require.NoError(t, lease.Release(ctx))
	again, err := l.Obtain(ctx, "settlement")
	require.NoError(t, err)
	assert.NoError(t, again.Release(ctx))
}
