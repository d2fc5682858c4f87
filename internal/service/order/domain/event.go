// internal/service/order/domain/event.go
package domain

import "time"

// NotificationKind 通知类型
type NotificationKind string

const (
	NotifyAwaitingPayment NotificationKind = "order_awaiting_payment"
	NotifyCancelled       NotificationKind = "order_cancelled"
	NotifyPaymentReceived NotificationKind = "order_payment_received"
)

// NotificationEvent 是发往通知主题的消息，文案由下游通知服务生成
type NotificationEvent struct {
	Kind       NotificationKind `json:"kind"`
	OrderID    string           `json:"orderId"`
	UserID     string           `json:"userId"`
	Total      string           `json:"total,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	PayBefore  *time.Time       `json:"payBefore,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}
