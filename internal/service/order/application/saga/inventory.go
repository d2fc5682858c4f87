package saga

import (
	"context"
	"fmt"

	"fulfillment/internal/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// InventoryHandler 负责库存预占步骤。
type InventoryHandler struct {
	NextHandler
}

func (h *InventoryHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InventoryReserve")
	defer span.End()

	o := orderCtx.Order
	span.SetAttributes(attribute.Int("items", len(o.Items)))

	// 回滚按引用号进行，没有预占时是空操作，所以在第一次预占前注册
	orderCtx.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := orderCtx.Tracer.Start(compCtx, "saga.compensation.ReleaseStock")
		defer compSpan.End()

		if err := orderCtx.InventoryService.ReleaseOrder(compCtx, o.ID); err != nil {
			compSpan.RecordError(err)
			compSpan.SetStatus(codes.Error, "release stock failed")
			logger.Ctx(compCtx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to release reserved stock during compensation.", o.ID)
		}
	})

	for _, item := range o.Items {
		if err := orderCtx.InventoryService.ReserveItem(ctx, o.ID, o.UserID, item, o.ExpiresAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Inventory reservation failed")
			return fmt.Errorf("reserve %s x%d: %w", item.VariantID, item.Quantity, err)
		}
	}

	span.AddEvent("All items reserved successfully")
	return h.executeNext(orderCtx)
}
