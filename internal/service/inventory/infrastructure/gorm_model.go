package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// VariantModel 对应 inventory_variant 表
type VariantModel struct {
	ID                string          `gorm:"size:36;primaryKey"`
	ProductID         string          `gorm:"size:36;index"`
	SKU               string          `gorm:"size:64;uniqueIndex"`
	StockQuantity     int64           `gorm:"not null;default:0"`
	ReservedQuantity  int64           `gorm:"not null;default:0"`
	IsUnlimited       bool            `gorm:"not null;default:false"`
	LowStockThreshold int64           `gorm:"not null;default:0"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (VariantModel) TableName() string {
	return "inventory_variant"
}

// TransactionModel 对应 inventory_transaction 表，只追加，is_reversed 是唯一会被更新的列
type TransactionModel struct {
	ID              string     `gorm:"size:36;primaryKey"`
	VariantID       string     `gorm:"size:36;not null;index:idx_inv_tx_variant,priority:1"`
	Kind            string     `gorm:"size:32;not null;index:idx_inv_tx_ref,priority:3"`
	QuantityChange  int64      `gorm:"not null"`
	ReservedChange  int64      `gorm:"not null"`
	StockBefore     int64      `gorm:"not null"`
	ReservedBefore  int64      `gorm:"not null"`
	OrderItemID     string     `gorm:"size:64"`
	UserID          string     `gorm:"size:64"`
	Note            string     `gorm:"size:512"`
	ReferenceNumber string     `gorm:"size:96;index:idx_inv_tx_ref,priority:1"`
	IsReversed      bool       `gorm:"not null;default:false;index:idx_inv_tx_ref,priority:2"`
	RelatedID       string     `gorm:"size:36"`
	ExpiresAt       *time.Time `gorm:"index"`
	CreatedAt       time.Time  `gorm:"index:idx_inv_tx_variant,priority:2"`
}

func (TransactionModel) TableName() string {
	return "inventory_transaction"
}
