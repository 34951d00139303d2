package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestWithLockReleasesKey(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 0)

	err := locker.WithLock(context.Background(), "slot:a", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:slot:a"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:slot:a"))
}

func TestWithLockReturnsCallbackError(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 0)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "receipt:1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithLockBusyKeyWithoutWait(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, mr.Set("lock:slot:b", "someone-else"))
	locker := NewRedisLocker(client, time.Second, 0)

	err := locker.WithLock(context.Background(), "slot:b", func(ctx context.Context) error {
		t.Fatal("callback must not run while the key is held")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// a foreign token is never released by us
	got, _ := mr.Get("lock:slot:b")
	assert.Equal(t, "someone-else", got)
}

func TestWithLockSerialisesWaiters(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 2*time.Second, 2*time.Second)

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "slot:c", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&done, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(8), done)
}

func TestCounterNextAbove(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	counter := NewCounter(client, "seq:test")

	n, err := counter.NextAbove(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	// a lower floor never moves the counter back
	n, err = counter.NextAbove(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(43), n)

	n, err = counter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(44), n)
}
