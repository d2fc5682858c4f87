// internal/service/inventory/domain/variant.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Variant 是可售的 SKU 级库存单元
type Variant struct {
	ID                string
	ProductID         string
	SKU               string
	StockQuantity     int64 // 在库数量
	ReservedQuantity  int64 // 被进行中订单占用的数量
	IsUnlimited       bool
	LowStockThreshold int64
	UnitCost          decimal.Decimal
	UpdatedAt         time.Time
}

// AvailableStock = 在库 - 占用；无限库存时该值没有约束意义
func (v *Variant) AvailableStock() int64 {
	return v.StockQuantity - v.ReservedQuantity
}

// CanSupply 判断能否再占用 qty
func (v *Variant) CanSupply(qty int64) bool {
	return v.IsUnlimited || v.AvailableStock() >= qty
}

// Consistent 校验 stock >= reserved >= 0（无限库存跳过）
func (v *Variant) Consistent() bool {
	if v.IsUnlimited {
		return true
	}
	return v.ReservedQuantity >= 0 && v.StockQuantity >= v.ReservedQuantity
}

// Apply 把一条流水的增量作用到计数器上
func (v *Variant) Apply(quantityChange, reservedChange int64, at time.Time) {
	v.StockQuantity += quantityChange
	v.ReservedQuantity += reservedChange
	v.UpdatedAt = at
}

// Availability 是对外暴露的库存快照
type Availability struct {
	VariantID   string    `json:"variantId"`
	Stock       int64     `json:"stock"`
	Reserved    int64     `json:"reserved"`
	Available   int64     `json:"available"`
	IsUnlimited bool      `json:"isUnlimited"`
	AsOf        time.Time `json:"asOf"`
}

func (v *Variant) Snapshot(at time.Time) Availability {
	return Availability{
		VariantID:   v.ID,
		Stock:       v.StockQuantity,
		Reserved:    v.ReservedQuantity,
		Available:   v.AvailableStock(),
		IsUnlimited: v.IsUnlimited,
		AsOf:        at,
	}
}
