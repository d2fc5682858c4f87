package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"

	"github.com/segmentio/kafka-go"
)

// NotificationKafkaAdapter 实现了 port.NotificationProducer 接口。
type NotificationKafkaAdapter struct {
	writer mq.MessageWriter
}

// NewNotificationKafkaAdapter 创建一个新的通知生产者适配器。
func NewNotificationKafkaAdapter(writer mq.MessageWriter) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) SendAwaitingPayment(ctx context.Context, order *domain.Order) error {
	payBefore := order.ExpiresAt
	return a.send(ctx, order, domain.NotificationEvent{
		Kind:      domain.NotifyAwaitingPayment,
		PayBefore: &payBefore,
	})
}

func (a *NotificationKafkaAdapter) SendCancelled(ctx context.Context, order *domain.Order) error {
	return a.send(ctx, order, domain.NotificationEvent{
		Kind:   domain.NotifyCancelled,
		Reason: order.CancelReason,
	})
}

func (a *NotificationKafkaAdapter) SendPaymentReceived(ctx context.Context, order *domain.Order) error {
	return a.send(ctx, order, domain.NotificationEvent{Kind: domain.NotifyPaymentReceived})
}

func (a *NotificationKafkaAdapter) send(ctx context.Context, order *domain.Order, ev domain.NotificationEvent) error {
	ev.OrderID = order.ID
	ev.UserID = order.UserID
	ev.Total = order.Total.StringFixed(2)
	ev.OccurredAt = time.Now().UTC()

	eventBytes, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	msg := kafka.Message{Key: []byte(order.UserID), Value: eventBytes}
	mq.InjectTraceContext(ctx, &msg.Headers)
	return a.writer.WriteMessages(ctx, msg)
}
