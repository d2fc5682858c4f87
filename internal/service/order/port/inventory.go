package port

import (
	"context"
	"time"

	"fulfillment/internal/service/order/domain"
)

// InventoryService 是库存服务的出站端口。所有操作都以 ORDER-{id} 为引用号。
type InventoryService interface {
	// ReserveItem 为订单行预占库存，对同一订单行重复调用是幂等的
	ReserveItem(ctx context.Context, orderID, userID string, item domain.Item, expiresAt time.Time) error

	// CommitOrder 把订单的预占转为销售
	CommitOrder(ctx context.Context, orderID string) error

	// ReleaseOrder 是 ReserveItem 的补偿操作，回滚订单下的全部预占
	ReleaseOrder(ctx context.Context, orderID string) error
}
