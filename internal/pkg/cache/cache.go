// Package cache 定义幂等去重与可用库存快照使用的缓存抽象。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMiss 表示 key 不存在或已过期
var ErrMiss = errors.New("cache miss")

// Cache 按 key 或前缀读写，带 TTL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetJSON 读取并反序列化，未命中返回 (false, nil)
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON 序列化后写入
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
