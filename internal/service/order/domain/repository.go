// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/pkg/apperr"
)

var (
	ErrOrderNotFound     = fmt.Errorf("order %w", apperr.ErrNotFound)
	ErrDuplicateOrder    = fmt.Errorf("%w: order with this idempotency key already exists", apperr.ErrDuplicate)
	ErrAlreadyPaid       = errors.New("order already paid")
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrStaleOrder 乐观锁版本不匹配
	ErrStaleOrder = fmt.Errorf("order %w", apperr.ErrConcurrencyConflict)
)

// OrderRepository 定义了订单聚合的持久化接口。
type OrderRepository interface {
	// Create 插入新订单，幂等键冲突时返回 ErrDuplicateOrder
	Create(ctx context.Context, order *Order) error

	FindByID(ctx context.Context, id string) (*Order, error)

	FindByIdempotencyKey(ctx context.Context, key string) (*Order, error)

	// Update 仅当存储中的版本等于 order.Version 时写入，成功后 order.Version 加一
	Update(ctx context.Context, order *Order) error
}
