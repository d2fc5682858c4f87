// Package lock 提供跨实例的分布式互斥锁抽象。
// 存储层的行锁才是库存正确性的主要保障，这里的锁只保护跨越单个存储事务的临界区。
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrNotAcquired 在重试耗尽后仍未拿到锁
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld 释放时发现锁已过期或被他人持有
	ErrNotHeld = errors.New("lock not held")
)

const keyPrefix = "lock:"

// Key 返回资源对应的锁 key，例如 lock:order:42
func Key(resource string) string {
	return keyPrefix + resource
}

// Locker 获取资源锁；实现需要保证释放时只删除自己持有的锁。
type Locker interface {
	Acquire(ctx context.Context, resource string) (Lock, error)
}

// Lock 是一次成功加锁的句柄
type Lock interface {
	Resource() string
	Token() string
	Release(ctx context.Context) error
}

// Options 加锁参数。重试间隔为 BaseBackoff * 1.5^i
type Options struct {
	TTL         time.Duration
	Retries     int
	BaseBackoff time.Duration
}

// DefaultOptions: 30s TTL，5 次重试，200ms 起步
var DefaultOptions = Options{TTL: 30 * time.Second, Retries: 5, BaseBackoff: 200 * time.Millisecond}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultOptions.TTL
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultOptions.BaseBackoff
	}
	return o
}

func (o Options) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseBackoff
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(o.BaseBackoff) * 10)
	return b
}

// acquireWithRetry 反复调用 try，直到成功、出错或重试次数耗尽
func acquireWithRetry(ctx context.Context, opts Options, try func() (bool, error)) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := try()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrNotAcquired
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(opts.backOff()), backoff.WithMaxTries(uint(opts.Retries)+1))
	return err
}

// WithLock 在持有 resource 锁期间执行 fn。locker 为 nil 时直接执行。
func WithLock(ctx context.Context, locker Locker, resource string, fn func(ctx context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	l, err := locker.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		// 释放使用独立 context，避免调用方取消导致锁残留到 TTL
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()
	return fn(ctx)
}
