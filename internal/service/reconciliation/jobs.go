package reconciliation

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
	invdomain "fulfillment/internal/service/inventory/domain"
	orderdomain "fulfillment/internal/service/order/domain"
	payapp "fulfillment/internal/service/payment/application"
)

// StockReconciler 由库存服务实现
type StockReconciler interface {
	ReconcileAll(ctx context.Context, pageSize int) (checked, corrected int, err error)
}

// StockDriftJob 用账本余额校正库存计数器
type StockDriftJob struct {
	Inventory StockReconciler
	PageSize  int
}

func (j *StockDriftJob) Name() string { return "stock-drift" }

func (j *StockDriftJob) Run(ctx context.Context) error {
	checked, corrected, err := j.Inventory.ReconcileAll(ctx, j.PageSize)
	if err != nil {
		return err
	}
	ev := logger.Ctx(ctx).Info()
	if corrected > 0 {
		ev = logger.Ctx(ctx).Warn()
	}
	ev.Int("checked", checked).Int("corrected", corrected).Msg("Stock reconciliation finished")
	return nil
}

// PaymentReconciler 由支付服务实现
type PaymentReconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (payapp.ReconcileSummary, error)
}

// PendingPaymentJob 重新核验长时间未完成的支付
type PendingPaymentJob struct {
	Payments  PaymentReconciler
	OlderThan time.Duration
	Limit     int
}

func (j *PendingPaymentJob) Name() string { return "pending-payments" }

func (j *PendingPaymentJob) Run(ctx context.Context) error {
	sum, err := j.Payments.ReconcilePending(ctx, j.OlderThan, j.Limit)
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Info().
		Int("scanned", sum.Scanned).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("expired", sum.Expired).
		Int("skipped", sum.Skipped).
		Msg("Pending payment reconciliation finished")
	return nil
}

// ReservationSweeper 由库存服务实现
type ReservationSweeper interface {
	ExpiredReservationReferences(ctx context.Context, limit int) ([]string, error)
	RollbackReservations(ctx context.Context, ref string) (int, error)
}

// ExpiredReservationJob 清理过期未结算的预占。
// 订单引用交给 saga 处理（发布 OrderExpired），其他引用直接回滚。
type ExpiredReservationJob struct {
	Inventory ReservationSweeper
	Publisher event.Publisher
	Limit     int
}

func (j *ExpiredReservationJob) Name() string { return "expired-reservations" }

func (j *ExpiredReservationJob) Run(ctx context.Context) error {
	limit := j.Limit
	if limit <= 0 {
		limit = 500
	}
	refs, err := j.Inventory.ExpiredReservationReferences(ctx, limit)
	if err != nil {
		return err
	}

	var expired, rolledBack int
	for _, ref := range refs {
		if orderID, ok := invdomain.OrderIDFromReference(ref); ok {
			env, err := event.New(event.OrderExpired, orderID, nil)
			if err != nil {
				return err
			}
			env.Reason = "reservation expired"
			if err := j.Publisher.Publish(ctx, env); err != nil {
				return fmt.Errorf("publish expiry of order %s: %w", orderID, err)
			}
			expired++
			continue
		}
		if _, err := j.Inventory.RollbackReservations(ctx, ref); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("reference", ref).Msg("Failed to roll back expired reservation")
			continue
		}
		rolledBack++
	}
	if len(refs) > 0 {
		logger.Ctx(ctx).Info().Int("orders", expired).Int("rolledBack", rolledBack).Msg("Expired reservations swept")
	}
	return nil
}

// PendingOrderLister 由订单仓储实现
type PendingOrderLister interface {
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*orderdomain.Order, error)
}

// StalePendingOrderJob 重新投递停留在 Pending 的订单的 OrderCreated。
// 下单时 saga 未能执行（例如订单锁被占用）的订单没有预占，只有 saga 能推进它们。
type StalePendingOrderJob struct {
	Orders    PendingOrderLister
	Publisher event.Publisher
	OlderThan time.Duration
	Limit     int
	Now       func() time.Time
}

func (j *StalePendingOrderJob) Name() string { return "stale-pending-orders" }

func (j *StalePendingOrderJob) Run(ctx context.Context) error {
	olderThan, limit := j.OlderThan, j.Limit
	if olderThan <= 0 {
		olderThan = 5 * time.Minute
	}
	if limit <= 0 {
		limit = 500
	}
	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now()
	}

	orders, err := j.Orders.ListPending(ctx, now.Add(-olderThan), limit)
	if err != nil {
		return err
	}
	for _, o := range orders {
		env, err := event.New(event.OrderCreated, o.ID, nil)
		if err != nil {
			return err
		}
		if err := j.Publisher.Publish(ctx, env); err != nil {
			return fmt.Errorf("republish creation of order %s: %w", o.ID, err)
		}
		logger.Ctx(ctx).Warn().Str("order_id", o.ID).Time("createdAt", o.CreatedAt).Msg("Order stuck in Pending, creation saga re-queued")
	}
	return nil
}
