package adapter

import (
	"context"
	"time"

	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/order/domain"
)

// InventoryLocalAdapter 在同一进程内直接调用库存服务
type InventoryLocalAdapter struct {
	service *invapp.InventoryService
}

func NewInventoryLocalAdapter(service *invapp.InventoryService) *InventoryLocalAdapter {
	return &InventoryLocalAdapter{service: service}
}

func (a *InventoryLocalAdapter) ReserveItem(ctx context.Context, orderID, userID string, item domain.Item, expiresAt time.Time) error {
	_, err := a.service.ReserveStock(ctx, invapp.ReserveRequest{
		VariantID:       item.VariantID,
		Quantity:        item.Quantity,
		OrderItemID:     item.ID,
		ReferenceNumber: invdomain.OrderReference(orderID),
		UserID:          userID,
		ExpiresAt:       &expiresAt,
	})
	return err
}

func (a *InventoryLocalAdapter) CommitOrder(ctx context.Context, orderID string) error {
	_, err := a.service.CommitStockForOrder(ctx, orderID)
	return err
}

func (a *InventoryLocalAdapter) ReleaseOrder(ctx context.Context, orderID string) error {
	_, err := a.service.RollbackReservations(ctx, invdomain.OrderReference(orderID))
	return err
}
