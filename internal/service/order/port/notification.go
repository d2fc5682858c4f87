package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// NotificationProducer 是消息生产者的出站端口。
type NotificationProducer interface {
	// SendAwaitingPayment 通知用户订单已创建，等待支付
	SendAwaitingPayment(ctx context.Context, order *domain.Order) error

	SendCancelled(ctx context.Context, order *domain.Order) error

	SendPaymentReceived(ctx context.Context, order *domain.Order) error
}
