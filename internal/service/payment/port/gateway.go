// internal/service/payment/port/gateway.go
package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentRequest 网关发起支付的返回
type PaymentRequest struct {
	Authority  string
	PaymentURL string
}

// Verification 网关校验结果
type Verification struct {
	Verified bool
	RefID    string
	CardPan  string
	Fee      decimal.Decimal
	Message  string
}

// Gateway 定义了支付网关的能力。错误只表示通信失败，业务拒绝通过 Verified=false 返回。
type Gateway interface {
	RequestPayment(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (*PaymentRequest, error)
	VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*Verification, error)
}
