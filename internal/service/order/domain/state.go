// internal/service/order/domain/state.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending         Status = "Pending"         // 已落库，库存尚未预占
	StatusAwaitingPayment Status = "AwaitingPayment" // 库存已预占，等待支付
	StatusProcessing      Status = "Processing"      // 已支付，履约中
	StatusCancelled       Status = "Cancelled"
	StatusExpired         Status = "Expired" // 支付超时
)

// PaymentStatus 与 Status 一起构成 saga 的有效状态
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "Unpaid"
	PaymentPaid   PaymentStatus = "Paid"
)
