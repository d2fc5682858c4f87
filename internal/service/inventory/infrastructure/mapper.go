package infrastructure

import (
	"fulfillment/internal/service/inventory/domain"
)

func ToDomainVariant(m *VariantModel) *domain.Variant {
	if m == nil {
		return nil
	}
	return &domain.Variant{
		ID:                m.ID,
		ProductID:         m.ProductID,
		SKU:               m.SKU,
		StockQuantity:     m.StockQuantity,
		ReservedQuantity:  m.ReservedQuantity,
		IsUnlimited:       m.IsUnlimited,
		LowStockThreshold: m.LowStockThreshold,
		UnitCost:          m.UnitCost,
		UpdatedAt:         m.UpdatedAt,
	}
}

func FromDomainVariant(v *domain.Variant) *VariantModel {
	return &VariantModel{
		ID:                v.ID,
		ProductID:         v.ProductID,
		SKU:               v.SKU,
		StockQuantity:     v.StockQuantity,
		ReservedQuantity:  v.ReservedQuantity,
		IsUnlimited:       v.IsUnlimited,
		LowStockThreshold: v.LowStockThreshold,
		UnitCost:          v.UnitCost,
		UpdatedAt:         v.UpdatedAt,
	}
}

func ToDomainTransaction(m *TransactionModel) (*domain.Transaction, error) {
	kind, err := domain.ParseKind(m.Kind)
	if err != nil {
		return nil, err
	}
	return &domain.Transaction{
		ID:              m.ID,
		VariantID:       m.VariantID,
		Kind:            kind,
		QuantityChange:  m.QuantityChange,
		ReservedChange:  m.ReservedChange,
		StockBefore:     m.StockBefore,
		ReservedBefore:  m.ReservedBefore,
		OrderItemID:     m.OrderItemID,
		UserID:          m.UserID,
		Note:            m.Note,
		ReferenceNumber: m.ReferenceNumber,
		IsReversed:      m.IsReversed,
		RelatedID:       m.RelatedID,
		ExpiresAt:       m.ExpiresAt,
		CreatedAt:       m.CreatedAt,
	}, nil
}

func FromDomainTransaction(t *domain.Transaction) *TransactionModel {
	return &TransactionModel{
		ID:              t.ID,
		VariantID:       t.VariantID,
		Kind:            t.Kind.String(),
		QuantityChange:  t.QuantityChange,
		ReservedChange:  t.ReservedChange,
		StockBefore:     t.StockBefore,
		ReservedBefore:  t.ReservedBefore,
		OrderItemID:     t.OrderItemID,
		UserID:          t.UserID,
		Note:            t.Note,
		ReferenceNumber: t.ReferenceNumber,
		IsReversed:      t.IsReversed,
		RelatedID:       t.RelatedID,
		ExpiresAt:       t.ExpiresAt,
		CreatedAt:       t.CreatedAt,
	}
}

func toDomainTransactions(models []TransactionModel) ([]*domain.Transaction, error) {
	out := make([]*domain.Transaction, 0, len(models))
	for i := range models {
		t, err := ToDomainTransaction(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func kindNames(kinds []domain.Kind) []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return names
}

// balanceKinds 计入账本余额的类型名
func balanceKinds() []string {
	var kinds []domain.Kind
	for _, k := range domain.Kinds {
		if k.CountsTowardBalance() {
			kinds = append(kinds, k)
		}
	}
	return kindNames(kinds)
}
