package application

import (
	"context"
	"fmt"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/inventory/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReconcileReport 描述一次对账的结果
type ReconcileReport struct {
	VariantID       string `json:"variantId"`
	CounterStock    int64  `json:"counterStock"`
	CounterReserved int64  `json:"counterReserved"`
	LedgerStock     int64  `json:"ledgerStock"`
	LedgerReserved  int64  `json:"ledgerReserved"`
	Corrected       bool   `json:"corrected"`
}

// Drift 返回 (在库偏差, 占用偏差)，即账本 - 计数器
func (r *ReconcileReport) Drift() (int64, int64) {
	return r.LedgerStock - r.CounterStock, r.LedgerReserved - r.CounterReserved
}

// ReconcileStock 用账本余额校正计数器。发现偏差时追加 Reconciliation 流水并覆盖计数器，
// 偏差本身只记录日志，不作为错误返回。
func (s *InventoryService) ReconcileStock(ctx context.Context, variantID string) (*ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ReconcileStock", trace.WithAttributes(attribute.String("variant.id", variantID)))
	defer span.End()

	var (
		report *ReconcileReport
		after  *domain.Variant
	)
	err := s.store.RunInTx(ctx, func(tx domain.StockTx) error {
		v, err := tx.LockVariant(ctx, variantID)
		if err != nil {
			return err
		}
		bal, err := tx.LedgerBalance(ctx, variantID)
		if err != nil {
			return err
		}
		report = &ReconcileReport{
			VariantID:       v.ID,
			CounterStock:    v.StockQuantity,
			CounterReserved: v.ReservedQuantity,
			LedgerStock:     bal.Stock,
			LedgerReserved:  bal.Reserved,
		}
		ds, dr := report.Drift()
		if ds == 0 && dr == 0 {
			return nil
		}

		now := s.now()
		entry := domain.NewTransaction(v, domain.KindReconciliation, ds, dr, now)
		entry.Note = fmt.Sprintf("ledger reconciliation: stock %d->%d reserved %d->%d",
			v.StockQuantity, bal.Stock, v.ReservedQuantity, bal.Reserved)
		v.StockQuantity, v.ReservedQuantity, v.UpdatedAt = bal.Stock, bal.Reserved, now
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		report.Corrected = true
		after = v
		return tx.SaveCounters(ctx, v)
	})
	if err != nil {
		s.fail(ctx, span, "reconcile", err)
		return nil, err
	}

	if report.Corrected {
		metrics.LedgerDrift.Inc()
		ds, dr := report.Drift()
		logger.Ctx(ctx).Warn().
			Str("variant", variantID).
			Int64("stock_drift", ds).
			Int64("reserved_drift", dr).
			Msg("Stock counters drifted from ledger, corrected")
		s.afterCommit(ctx, []*domain.Variant{after}, nil)
	}
	return report, nil
}

// ReconcileAll 分页遍历全部 variant 并逐个对账，单个失败不影响其余
func (s *InventoryService) ReconcileAll(ctx context.Context, pageSize int) (checked, corrected int, err error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	after := ""
	for {
		ids, err := s.store.ListVariantIDs(ctx, after, pageSize)
		if err != nil {
			return checked, corrected, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return checked, corrected, ctx.Err()
			}
			r, err := s.ReconcileStock(ctx, id)
			if err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("variant", id).Msg("Reconciliation failed")
				continue
			}
			checked++
			if r.Corrected {
				corrected++
			}
		}
		if len(ids) < pageSize {
			return checked, corrected, nil
		}
		after = ids[len(ids)-1]
	}
}
