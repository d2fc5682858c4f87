// internal/pkg/bootstrap/infra.go
package bootstrap

import (
	"context"
	"fmt"

	"fulfillment/internal/pkg/lock"
	"fulfillment/internal/pkg/persistence"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/zookeeper"

	"gorm.io/gorm"
)

// OpenMySQL 按配置创建 gorm 连接
func OpenMySQL(cfg *Config) (*gorm.DB, error) {
	c := cfg.Infra.MySQL
	return persistence.OpenMySQL(persistence.MySQLOptions{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	})
}

// OpenRedis 按配置创建 Redis 客户端
func OpenRedis(ctx context.Context, cfg *Config) (*redis.Client, error) {
	c := cfg.Infra.Redis
	return redis.NewClient(ctx, c.Addr, c.Password, c.DB)
}

// NewLocker 根据 lock.backend 创建分布式锁。
// redis 后端复用传入的客户端；zookeeper 后端自己建连，通过返回的 closer 关闭。
// backend 为 none 时返回 nil，调用方按单实例部署处理。
func NewLocker(cfg *Config, rdb *redis.Client) (lock.Locker, func(), error) {
	opts := lock.Options{TTL: cfg.Lock.TTL, Retries: cfg.Lock.Retries, BaseBackoff: cfg.Lock.BaseBackoff}
	switch cfg.Lock.Backend {
	case "", "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("redis lock backend requires a redis client")
		}
		return lock.NewRedisLocker(rdb.GetClient(), opts), func() {}, nil
	case "zookeeper":
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, nil, err
		}
		return zookeeper.NewLocker(conn, cfg.Lock.TTL), conn.Close, nil
	case "none":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
