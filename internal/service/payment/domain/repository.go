package domain

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"
)

var (
	ErrTransactionNotFound = fmt.Errorf("payment transaction %w", apperr.ErrNotFound)
	ErrInvalidAmount       = fmt.Errorf("%w: amount must be positive", apperr.ErrValidation)
)

// Repository 支付流水存储。状态迁移都是条件更新，返回是否命中。
type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByAuthority(ctx context.Context, authority string) (*Transaction, error)
	// FindActiveByOrder 返回订单下未过期的 Pending/Processing 流水，没有时返回 nil
	FindActiveByOrder(ctx context.Context, orderID string, now time.Time) (*Transaction, error)
	// TransitionStatus 仅当当前状态为 from 时改为 to
	TransitionStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// Finalize 仅当当前状态为 from 时写入 t 的终态与网关结果
	Finalize(ctx context.Context, t *Transaction, from Status) (bool, error)
	// ListStale 返回 updatedAt 早于 before 的指定状态流水
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Transaction, error)
}
