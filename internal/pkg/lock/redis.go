// internal/pkg/lock/redis.go
package lock

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有 token 仍然匹配时才删除，防止过期后被重新获取的锁被旧持有者释放
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisLocker(client redis.UniversalClient, opts Options) *RedisLocker {
	return &RedisLocker{client: client, opts: opts.withDefaults()}
}

func (l *RedisLocker) Acquire(ctx context.Context, resource string) (Lock, error) {
	key := Key(resource)
	token := uuid.NewString()

	err := acquireWithRetry(ctx, l.opts, func() (bool, error) {
		return l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
	})
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return &redisLock{client: l.client, key: key, resource: resource, token: token}, nil
}

type redisLock struct {
	client   redis.UniversalClient
	key      string
	resource string
	token    string
}

func (r *redisLock) Resource() string { return r.resource }
func (r *redisLock) Token() string    { return r.token }

func (r *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	if n == 0 {
		logger.Ctx(ctx).Warn().Str("lock", r.key).Msg("Lock expired before release, another holder may own it")
		return ErrNotHeld
	}
	return nil
}
