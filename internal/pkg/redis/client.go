// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis 客户端，供锁与缓存共享同一个连接池
type Client struct {
	rdb *goredis.Client
}

// NewClient 创建客户端并做一次连通性检查
func NewClient(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// GetClient 返回底层客户端
func (c *Client) GetClient() *goredis.Client {
	return c.rdb
}

// Healthy 用于 /healthz
func (c *Client) Healthy(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
