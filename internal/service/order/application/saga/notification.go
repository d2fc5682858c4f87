package saga

import (
	"fulfillment/internal/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
)

// NotificationHandler 是 Saga 流程的最后一步，负责发送最终通知。
type NotificationHandler struct {
	NextHandler
}

func (h *NotificationHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Notification")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.topic", "notifications"),
	)

	// 通知失败不影响订单流程，只记录
	if err := orderCtx.Notifier.SendAwaitingPayment(ctx, orderCtx.Order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order", orderCtx.Order.ID).Msg("WARN: Failed to publish notification")
		span.RecordError(err)
	}

	span.AddEvent("Saga process finalized and notification sent (or attempted).")
	return h.executeNext(orderCtx)
}
