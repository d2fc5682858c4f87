package adapter

import (
	"context"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

// LogNotifier 只记录日志，用于未配置通知主题的部署
type LogNotifier struct{}

func (LogNotifier) SendAwaitingPayment(ctx context.Context, order *domain.Order) error {
	return logNotification(ctx, domain.NotifyAwaitingPayment, order)
}

func (LogNotifier) SendCancelled(ctx context.Context, order *domain.Order) error {
	return logNotification(ctx, domain.NotifyCancelled, order)
}

func (LogNotifier) SendPaymentReceived(ctx context.Context, order *domain.Order) error {
	return logNotification(ctx, domain.NotifyPaymentReceived, order)
}

func logNotification(ctx context.Context, kind domain.NotificationKind, order *domain.Order) error {
	logger.Ctx(ctx).Info().
		Str("kind", string(kind)).
		Str("order", order.ID).
		Str("user", order.UserID).
		Str("status", string(order.Status)).
		Msg("Notification")
	return nil
}
