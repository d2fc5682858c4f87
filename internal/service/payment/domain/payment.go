// internal/service/payment/domain/payment.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status 支付流水状态：Pending → Processing → Success / Failed / Expired
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	StatusExpired    Status = "Expired"
)

// Terminal 终态只能进入一次
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Transaction 是一次向支付网关发起的支付
type Transaction struct {
	ID             string
	OrderID        string
	Authority      string
	PaymentURL     string
	Status         Status
	RefID          string
	CardPan        string
	Fee            decimal.Decimal
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	ExpiresAt      time.Time
	VerifiedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active Pending/Processing 且未过期
func (t *Transaction) Active(now time.Time) bool {
	return (t.Status == StatusPending || t.Status == StatusProcessing) && now.Before(t.ExpiresAt)
}

// Closed 失败、过期或超出有效期的流水不再可支付，同一订单可以重新发起
func (t *Transaction) Closed(now time.Time) bool {
	switch t.Status {
	case StatusFailed, StatusExpired:
		return true
	case StatusSuccess:
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// IdempotencyKey 同一订单同一金额的发起请求共用一个 key
func IdempotencyKey(orderID string, amount decimal.Decimal) string {
	return fmt.Sprintf("pay:%s:%s", orderID, amount.StringFixed(2))
}
