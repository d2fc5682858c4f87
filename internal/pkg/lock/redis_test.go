package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, opts Options) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, opts), mr
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	locker, mr := newTestLocker(t, DefaultOptions)
	ctx := context.Background()

	l, err := locker.Acquire(ctx, "order:1")
	require.NoError(t, err)
	assert.Equal(t, "order:1", l.Resource())
	assert.NotEmpty(t, l.Token())

	stored, err := mr.Get("lock:order:1")
	require.NoError(t, err)
	assert.Equal(t, l.Token(), stored)
	assert.Equal(t, 30*time.Second, mr.TTL("lock:order:1"))

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists("lock:order:1"))
}

func TestRedisLocker_ContendedAcquireGivesUp(t *testing.T) {
	locker, _ := newTestLocker(t, Options{TTL: time.Minute, Retries: 2, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "variant:7")
	require.NoError(t, err)
	defer first.Release(ctx)

	_, err = locker.Acquire(ctx, "variant:7")
	assert.True(t, errors.Is(err, ErrNotAcquired))
}

func TestRedisLocker_StaleHolderCannotReleaseNewOwner(t *testing.T) {
	locker, mr := newTestLocker(t, Options{TTL: time.Second, Retries: 0, BaseBackoff: time.Millisecond})
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "job:stock")
	require.NoError(t, err)

	// TTL 到期后被另一个实例重新获取
	mr.FastForward(2 * time.Second)
	owner, err := locker.Acquire(ctx, "job:stock")
	require.NoError(t, err)

	err = stale.Release(ctx)
	assert.True(t, errors.Is(err, ErrNotHeld))

	stored, _ := mr.Get("lock:job:stock")
	assert.Equal(t, owner.Token(), stored)
	require.NoError(t, owner.Release(ctx))
}

func TestWithLock_NilLockerRunsDirectly(t *testing.T) {
	called := false
	err := WithLock(context.Background(), nil, "x", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithLock_ReleasesAfterFn(t *testing.T) {
	locker, mr := newTestLocker(t, DefaultOptions)
	err := WithLock(context.Background(), locker, "order:9", func(context.Context) error {
		assert.True(t, mr.Exists("lock:order:9"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:order:9"))
}
