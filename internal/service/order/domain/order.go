// internal/service/order/domain/order.go
package domain

import (
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"

	"github.com/shopspring/decimal"
)

// Item 是订单行，单价由调用方给出
type Item struct {
	ID        string          `json:"id"`
	VariantID string          `json:"variantId"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal = 单价 * 数量
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Order 是订单聚合的根实体。Version 是乐观并发令牌，每次持久化更新后加一。
type Order struct {
	ID             string
	UserID         string
	Status         Status
	PaymentStatus  PaymentStatus
	IdempotencyKey string
	Items          []Item
	Total          decimal.Decimal
	CancelReason   string
	ExpiresAt      time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder 用于创建一个 Pending 状态的新订单
func NewOrder(id, userID, idempotencyKey string, items []Item, expiresAt, now time.Time) (*Order, error) {
	if id == "" || userID == "" || idempotencyKey == "" || len(items) == 0 {
		return nil, fmt.Errorf("%w: order requires id, user, idempotency key and items", apperr.ErrValidation)
	}
	total := decimal.Zero
	for _, it := range items {
		if it.VariantID == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: invalid line item %q", apperr.ErrValidation, it.ID)
		}
		if it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: negative unit price on line item %q", apperr.ErrValidation, it.ID)
		}
		total = total.Add(it.Subtotal())
	}
	return &Order{
		ID:             id,
		UserID:         userID,
		Status:         StatusPending,
		PaymentStatus:  PaymentUnpaid,
		IdempotencyKey: idempotencyKey,
		Items:          items,
		Total:          total,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Paid 是否已收到支付
func (o *Order) Paid() bool {
	return o.PaymentStatus == PaymentPaid
}

// Closed 已取消或已过期
func (o *Order) Closed() bool {
	return o.Status == StatusCancelled || o.Status == StatusExpired
}

// MarkAwaitingPayment 库存预占完成后进入待支付
func (o *Order) MarkAwaitingPayment(now time.Time) error {
	if o.Status != StatusPending {
		return transitionError(o, StatusAwaitingPayment)
	}
	o.Status = StatusAwaitingPayment
	o.UpdatedAt = now
	return nil
}

// MarkPaid 记录支付。订单已关闭时只记录支付状态，不进入履约。
func (o *Order) MarkPaid(now time.Time) {
	o.PaymentStatus = PaymentPaid
	if !o.Closed() {
		o.Status = StatusProcessing
	}
	o.UpdatedAt = now
}

// Cancel 取消未支付的订单，已关闭时返回 false
func (o *Order) Cancel(reason string, now time.Time) (bool, error) {
	return o.close(StatusCancelled, reason, now)
}

// Expire 支付超时
func (o *Order) Expire(now time.Time) (bool, error) {
	return o.close(StatusExpired, "payment window elapsed", now)
}

func (o *Order) close(to Status, reason string, now time.Time) (bool, error) {
	if o.Paid() {
		return false, ErrAlreadyPaid
	}
	if o.Closed() {
		return false, nil
	}
	o.Status = to
	o.CancelReason = reason
	o.UpdatedAt = now
	return true, nil
}

func transitionError(o *Order, to Status) error {
	return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, o.ID, o.Status, to)
}
