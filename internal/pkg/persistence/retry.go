// internal/pkg/persistence/retry.go
package persistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MySQL 错误码
const (
	mysqlDuplicateEntry   = 1062
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlockDetected = 1213
)

// RetryPolicy 描述工作单元遇到瞬时故障时的重试策略
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy 死锁通常在几十毫秒内解除
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 25 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	return b
}

// Classify 把驱动层错误归类为 apperr 中的错误类别，原始错误保留在链上。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDeadlockDetected, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %w", apperr.ErrTransient, err)
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %w", apperr.ErrDuplicate, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %w", apperr.ErrTransient, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperr.ErrDuplicate, err)
	}
	return err
}

// Retry 执行 op，遇到可重试错误时按指数退避重试，其余错误立即返回。
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := Classify(op())
		if err == nil {
			return struct{}{}, nil
		}
		if apperr.IsRetryable(err) {
			logger.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("Transient storage failure, retrying unit of work")
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy.backOff()), backoff.WithMaxTries(policy.MaxAttempts))
	return err
}

// Transaction 在一个 gorm 事务中执行 fn；整个事务在瞬时故障时重放。
func Transaction(ctx context.Context, db *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) error) error {
	return Retry(ctx, policy, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}
