package application

import (
	"context"
	"fmt"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/inventory/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReturnItem 是退货的一行
type ReturnItem struct {
	VariantID   string `json:"variantId"`
	OrderItemID string `json:"orderItemId"`
	Quantity    int64  `json:"quantity"`
}

// singleWrite 描述只影响一个 variant 的审计写操作
type singleWrite struct {
	op        string
	variantID string
	kind      domain.Kind
	delta     int64
	reference string
	note      string
	userID    string
	itemID    string
}

// StockIn 入库
func (s *InventoryService) StockIn(ctx context.Context, variantID string, qty int64, reference, note, userID string) (*domain.Transaction, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.write(ctx, singleWrite{op: "stock_in", variantID: variantID, kind: domain.KindStockIn, delta: qty, reference: reference, note: note, userID: userID})
}

// AdjustStock 手工盘点调整，delta 可正可负
func (s *InventoryService) AdjustStock(ctx context.Context, variantID string, delta int64, note, userID string) (*domain.Transaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment delta must not be zero", apperr.ErrValidation)
	}
	return s.write(ctx, singleWrite{op: "adjust", variantID: variantID, kind: domain.KindAdjustment, delta: delta, note: note, userID: userID})
}

// RecordDamage 报损
func (s *InventoryService) RecordDamage(ctx context.Context, variantID string, qty int64, note, userID string) (*domain.Transaction, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.write(ctx, singleWrite{op: "damage", variantID: variantID, kind: domain.KindDamage, delta: -qty, note: note, userID: userID})
}

// ReturnStockForOrder 把已售出的商品退回库存，每行一条 Return 流水
func (s *InventoryService) ReturnStockForOrder(ctx context.Context, orderID string, items []ReturnItem, note string) ([]*domain.Transaction, error) {
	if orderID == "" || len(items) == 0 {
		return nil, fmt.Errorf("%w: order id and items are required", apperr.ErrValidation)
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	ref := domain.OrderReference(orderID)
	out := make([]*domain.Transaction, 0, len(items))
	for _, it := range items {
		t, err := s.write(ctx, singleWrite{
			op: "return", variantID: it.VariantID, kind: domain.KindReturn, delta: it.Quantity,
			reference: ref, note: note, itemID: it.OrderItemID,
		})
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *InventoryService) write(ctx context.Context, w singleWrite) (*domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "inventory."+w.op, trace.WithAttributes(
		attribute.String("variant.id", w.variantID),
		attribute.Int64("delta", w.delta),
	))
	defer span.End()

	var (
		entry *domain.Transaction
		after *domain.Variant
	)
	err := s.store.RunInTx(ctx, func(tx domain.StockTx) error {
		v, err := tx.LockVariant(ctx, w.variantID)
		if err != nil {
			return err
		}
		// 减少在库时不允许低于已占用数量
		if w.delta < 0 && !v.IsUnlimited && v.StockQuantity+w.delta < v.ReservedQuantity {
			return &domain.InsufficientStockError{VariantID: v.ID, Requested: -w.delta, Available: v.AvailableStock()}
		}

		now := s.now()
		entry = domain.NewTransaction(v, w.kind, w.delta, 0, now)
		entry.ReferenceNumber = w.reference
		entry.Note = w.note
		entry.UserID = w.userID
		entry.OrderItemID = w.itemID
		v.Apply(w.delta, 0, now)
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		after = v
		return tx.SaveCounters(ctx, v)
	})
	if err != nil {
		s.fail(ctx, span, w.op, err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues(w.op, "ok").Inc()
	logger.Ctx(ctx).Info().
		Str("variant", w.variantID).
		Str("kind", w.kind.String()).
		Int64("delta", w.delta).
		Str("user", w.userID).
		Msg("Stock updated")
	s.afterCommit(ctx, []*domain.Variant{after}, nil)
	return entry, nil
}
