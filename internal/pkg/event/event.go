// Package event 定义驱动订单 saga 的领域事件以及发布/订阅抽象。
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 是封闭的事件类型集合
type Type string

const (
	OrderCreated     Type = "OrderCreated"
	PaymentSucceeded Type = "PaymentSucceeded"
	PaymentFailed    Type = "PaymentFailed"
	OrderCancelled   Type = "OrderCancelled"
	OrderExpired     Type = "OrderExpired"
	StockReserved    Type = "StockReserved"
	StockReleased    Type = "StockReleased"
	StockCommitted   Type = "StockCommitted"
)

// Valid 判断是否为已知类型
func (t Type) Valid() bool {
	switch t {
	case OrderCreated, PaymentSucceeded, PaymentFailed, OrderCancelled, OrderExpired,
		StockReserved, StockReleased, StockCommitted:
		return true
	}
	return false
}

// DrivesSaga 订单 saga 的输入事件，库存事件只用于观测
func (t Type) DrivesSaga() bool {
	switch t {
	case OrderCreated, PaymentSucceeded, PaymentFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// Envelope 是总线上传输的统一结构，OrderID 同时作为分区 key
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	OrderID    string          `json:"orderId,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New 创建一个事件，payload 可以为 nil
func New(t Type, orderID string, payload any) (Envelope, error) {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		OrderID:    orderID,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode 序列化为总线上的消息体
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return raw, nil
}

// Decode 反序列化并校验事件类型
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	if env.ID == "" || !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("decode event: invalid envelope id=%q type=%q", env.ID, env.Type)
	}
	return env, nil
}

// PaymentPayload 随 PaymentSucceeded / PaymentFailed 一起发送
type PaymentPayload struct {
	TransactionID string `json:"transactionId"`
	Authority     string `json:"authority"`
	RefID         string `json:"refId,omitempty"`
	Amount        string `json:"amount"`
}

// StockPayload 随库存事件一起发送
type StockPayload struct {
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
}

// Publisher 发布事件；实现需保证同一 OrderID 的事件有序
type Publisher interface {
	Publish(ctx context.Context, events ...Envelope) error
}

// Handler 消费事件
type Handler interface {
	Handle(ctx context.Context, env Envelope)
}

// HandlerFunc 适配普通函数
type HandlerFunc func(ctx context.Context, env Envelope)

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) { f(ctx, env) }
