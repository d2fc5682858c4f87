package saga

import (
	"fmt"

	"fulfillment/internal/pkg/logger"
)

// AwaitPaymentHandler 负责把订单推进到待支付并调度支付超时。
type AwaitPaymentHandler struct {
	NextHandler
}

func (h *AwaitPaymentHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.AwaitPayment")
	defer span.End()

	o := orderCtx.Order
	if err := o.MarkAwaitingPayment(orderCtx.Now); err != nil {
		return err
	}
	if err := orderCtx.Repo.Update(ctx, o); err != nil {
		return fmt.Errorf("failed to save awaiting payment order: %w", err)
	}
	span.AddEvent("Awaiting payment order saved to DB.")

	// 调度失败不回滚订单，过期预占清理任务会兜底
	if err := orderCtx.Scheduler.ScheduleOrderExpiry(ctx, o.ID, o.ExpiresAt); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Failed to schedule payment timeout.", o.ID)
	}

	return h.executeNext(orderCtx)
}
