// internal/service/order/application/dto.go
package application

import (
	"time"

	"fulfillment/internal/service/order/domain"

	"github.com/shopspring/decimal"
)

// CreateOrderRequest 是从接口层传入的数据结构
type CreateOrderRequest struct {
	UserID         string        `json:"userId"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Items          []ItemRequest `json:"items"`
}

type ItemRequest struct {
	VariantID string          `json:"variantId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// OrderResponse 是返回给接口层的数据结构
type OrderResponse struct {
	OrderID       string               `json:"orderId"`
	UserID        string               `json:"userId"`
	Status        domain.Status        `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"paymentStatus"`
	Total         decimal.Decimal      `json:"total"`
	CancelReason  string               `json:"cancelReason,omitempty"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	Items         []domain.Item        `json:"items"`
}

func toResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.Total,
		CancelReason:  o.CancelReason,
		ExpiresAt:     o.ExpiresAt,
		Items:         o.Items,
	}
}
