// internal/service/inventory/domain/transaction.go
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 是库存流水类型的封闭集合，所有 switch 必须穷举
type Kind uint8

const (
	KindStockIn Kind = iota + 1
	KindSale
	KindReservation
	KindReservationRollback
	KindReconciliation
	KindDamage
	KindReturn
	KindAdjustment
)

// Kinds 按定义顺序列出全部类型
var Kinds = []Kind{
	KindStockIn, KindSale, KindReservation, KindReservationRollback,
	KindReconciliation, KindDamage, KindReturn, KindAdjustment,
}

func (k Kind) String() string {
	switch k {
	case KindStockIn:
		return "StockIn"
	case KindSale:
		return "Sale"
	case KindReservation:
		return "Reservation"
	case KindReservationRollback:
		return "ReservationRollback"
	case KindReconciliation:
		return "Reconciliation"
	case KindDamage:
		return "Damage"
	case KindReturn:
		return "Return"
	case KindAdjustment:
		return "Adjustment"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind 是 String 的逆操作，用于持久化层
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown inventory transaction kind %q", s)
}

// CountsTowardBalance 决定该流水是否计入账本余额。
// 回滚流水与被冲销的原流水成对抵消，对账流水只记录计数器修正，二者都不计入。
func (k Kind) CountsTowardBalance() bool {
	switch k {
	case KindStockIn, KindSale, KindReservation, KindDamage, KindReturn, KindAdjustment:
		return true
	case KindReservationRollback, KindReconciliation:
		return false
	}
	panic(fmt.Sprintf("unhandled inventory transaction kind %d", uint8(k)))
}

// Reversible 只有预占和销售可以按引用号回滚
func (k Kind) Reversible() bool {
	switch k {
	case KindReservation, KindSale:
		return true
	case KindStockIn, KindReservationRollback, KindReconciliation, KindDamage, KindReturn, KindAdjustment:
		return false
	}
	panic(fmt.Sprintf("unhandled inventory transaction kind %d", uint8(k)))
}

// Transaction 是只追加的库存流水
type Transaction struct {
	ID              string
	VariantID       string
	Kind            Kind
	QuantityChange  int64 // 作用于 StockQuantity 的增量
	ReservedChange  int64 // 作用于 ReservedQuantity 的增量
	StockBefore     int64
	ReservedBefore  int64
	OrderItemID     string
	UserID          string
	Note            string
	ReferenceNumber string
	IsReversed      bool
	RelatedID       string // Sale 指向被结算的预占，ReservationRollback 指向被冲销的流水
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// NewTransaction 以变更前的计数器快照创建流水
func NewTransaction(v *Variant, kind Kind, quantityChange, reservedChange int64, at time.Time) *Transaction {
	return &Transaction{
		ID:             uuid.NewString(),
		VariantID:      v.ID,
		Kind:           kind,
		QuantityChange: quantityChange,
		ReservedChange: reservedChange,
		StockBefore:    v.StockQuantity,
		ReservedBefore: v.ReservedQuantity,
		CreatedAt:      at,
	}
}

// OrderReference 订单相关流水的分组号
func OrderReference(orderID string) string {
	return "ORDER-" + orderID
}

// OrderIDFromReference 从 ORDER-{id} 中取出订单号
func OrderIDFromReference(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, "ORDER-")
	return id, ok && id != ""
}

// RollbackReference 回滚流水的分组号
func RollbackReference(ref string) string {
	return "ROLLBACK-" + ref
}

// Balance 按账本规则累计余额
type Balance struct {
	Stock    int64
	Reserved int64
}

// Add 计入一条流水
func (b *Balance) Add(t *Transaction) {
	if t.IsReversed || !t.Kind.CountsTowardBalance() {
		return
	}
	b.Stock += t.QuantityChange
	b.Reserved += t.ReservedChange
}
