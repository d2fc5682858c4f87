// internal/service/inventory/application/service.go
package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/inventory/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const availabilityKeyPrefix = "inventory:availability:"

// AlertRule 判断 variant 是否需要低库存告警
type AlertRule interface {
	Evaluate(v *domain.Variant) (bool, error)
}

// AlertNotifier 发送低库存告警
type AlertNotifier interface {
	NotifyLowStock(ctx context.Context, v *domain.Variant) error
}

// InventoryService 提供库存账本上的全部写操作。
// 每个写操作都先锁定 variant 行，再追加流水并更新计数器，三者处于同一个存储事务。
type InventoryService struct {
	store     domain.StockStore
	cache     cache.Cache
	locker    lock.Locker
	publisher event.Publisher
	rule      AlertRule
	notifier  AlertNotifier
	tracer    trace.Tracer

	availabilityTTL time.Duration
	now             func() time.Time
}

type Option func(*InventoryService)

// WithCache 启用可用库存快照缓存
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *InventoryService) {
		s.cache = c
		s.availabilityTTL = ttl
	}
}

// WithLocker 为跨多个 variant 的引用号操作加分布式锁
func WithLocker(l lock.Locker) Option {
	return func(s *InventoryService) { s.locker = l }
}

func WithPublisher(p event.Publisher) Option {
	return func(s *InventoryService) { s.publisher = p }
}

func WithLowStockAlerts(rule AlertRule, notifier AlertNotifier) Option {
	return func(s *InventoryService) {
		s.rule = rule
		s.notifier = notifier
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *InventoryService) { s.now = now }
}

func NewInventoryService(store domain.StockStore, opts ...Option) *InventoryService {
	s := &InventoryService{
		store:           store,
		tracer:          otel.Tracer("inventory-service"),
		availabilityTTL: 30 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveRequest 是 ReserveStock 的入参
type ReserveRequest struct {
	VariantID       string
	Quantity        int64
	OrderItemID     string
	ReferenceNumber string
	UserID          string
	ExpiresAt       *time.Time
}

// ReserveStock 占用库存。同一 (引用号, 订单项) 重复调用返回已有的预占流水。
func (s *InventoryService) ReserveStock(ctx context.Context, req ReserveRequest) (*domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ReserveStock", trace.WithAttributes(
		attribute.String("variant.id", req.VariantID),
		attribute.Int64("quantity", req.Quantity),
		attribute.String("reference", req.ReferenceNumber),
	))
	defer span.End()

	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if req.ReferenceNumber == "" {
		return nil, domain.ErrEmptyReference
	}

	var (
		entry    *domain.Transaction
		after    *domain.Variant
		replayed bool
	)
	err := s.store.RunInTx(ctx, func(tx domain.StockTx) error {
		entry, after, replayed = nil, nil, false

		v, err := tx.LockVariant(ctx, req.VariantID)
		if err != nil {
			return err
		}
		if req.OrderItemID != "" {
			existing, err := tx.EntriesByReference(ctx, req.ReferenceNumber, domain.KindReservation)
			if err != nil {
				return err
			}
			for _, e := range existing {
				if e.VariantID == v.ID && e.OrderItemID == req.OrderItemID {
					entry, replayed = e, true
					return nil
				}
			}
		}
		if !v.CanSupply(req.Quantity) {
			return &domain.InsufficientStockError{VariantID: v.ID, Requested: req.Quantity, Available: v.AvailableStock()}
		}

		now := s.now()
		entry = domain.NewTransaction(v, domain.KindReservation, 0, req.Quantity, now)
		entry.OrderItemID = req.OrderItemID
		entry.UserID = req.UserID
		entry.ReferenceNumber = req.ReferenceNumber
		entry.ExpiresAt = req.ExpiresAt
		entry.Note = fmt.Sprintf("reserve %d for %s", req.Quantity, req.ReferenceNumber)
		v.Apply(0, req.Quantity, now)

		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		after = v
		return tx.SaveCounters(ctx, v)
	})
	if err != nil {
		s.fail(ctx, span, "reserve", err)
		return nil, err
	}
	if replayed {
		span.AddEvent("Reservation already exists for order item")
		return entry, nil
	}

	metrics.StockOperations.WithLabelValues("reserve", "ok").Inc()
	s.afterCommit(ctx, []*domain.Variant{after}, stockEvent(event.StockReserved, req.ReferenceNumber, after.ID, req.Quantity))
	return entry, nil
}

// CommitStockForOrder 把订单的预占转为销售
func (s *InventoryService) CommitStockForOrder(ctx context.Context, orderID string) (int, error) {
	return s.ConfirmReservation(ctx, domain.OrderReference(orderID))
}

// ConfirmReservation 为引用号下尚未结算的每条预占追加 Sale 流水，
// 在库与占用同时减少。全部已结算时为空操作。
func (s *InventoryService) ConfirmReservation(ctx context.Context, ref string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ConfirmReservation", trace.WithAttributes(attribute.String("reference", ref)))
	defer span.End()

	if ref == "" {
		return 0, domain.ErrEmptyReference
	}

	var (
		committed []*domain.Transaction
		touched   []*domain.Variant
	)
	err := lock.WithLock(ctx, s.locker, "stock-ref:"+ref, func(ctx context.Context) error {
		return s.store.RunInTx(ctx, func(tx domain.StockTx) error {
			committed, touched = nil, nil

			locked, entries, err := s.lockReference(ctx, tx, ref, domain.KindReservation, domain.KindSale)
			if err != nil {
				return err
			}

			settled := make(map[string]bool)
			var reservations []*domain.Transaction
			for _, e := range entries {
				switch e.Kind {
				case domain.KindSale:
					settled[e.RelatedID] = true
				case domain.KindReservation:
					reservations = append(reservations, e)
				}
			}
			if len(reservations) == 0 {
				return domain.ErrNoReservation
			}

			now := s.now()
			for _, r := range reservations {
				if settled[r.ID] {
					continue
				}
				v := locked[r.VariantID]
				qty := r.ReservedChange
				sale := domain.NewTransaction(v, domain.KindSale, -qty, -qty, now)
				sale.ReferenceNumber = ref
				sale.OrderItemID = r.OrderItemID
				sale.UserID = r.UserID
				sale.RelatedID = r.ID
				sale.Note = fmt.Sprintf("commit reservation %s", r.ID)
				v.Apply(-qty, -qty, now)
				if err := tx.AppendEntry(ctx, sale); err != nil {
					return err
				}
				committed = append(committed, sale)
			}
			touched = saveTouched(locked, committed)
			return saveAll(ctx, tx, touched)
		})
	})
	if err != nil {
		s.fail(ctx, span, "commit", err)
		return 0, err
	}
	if len(committed) == 0 {
		span.AddEvent("Reservations already committed")
		return 0, nil
	}

	metrics.StockOperations.WithLabelValues("commit", "ok").Inc()
	var events []event.Envelope
	for _, c := range committed {
		events = append(events, stockEvent(event.StockCommitted, ref, c.VariantID, -c.QuantityChange)...)
	}
	s.afterCommit(ctx, touched, events)
	return len(committed), nil
}

// RollbackReservations 冲销引用号下所有未冲销的预占与销售流水，恢复计数器，
// 并在同一事务内把原流水标记为已冲销，因此重复调用不会再次生效。
func (s *InventoryService) RollbackReservations(ctx context.Context, ref string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.RollbackReservations", trace.WithAttributes(attribute.String("reference", ref)))
	defer span.End()

	if ref == "" {
		return 0, domain.ErrEmptyReference
	}

	var (
		rollbacks []*domain.Transaction
		touched   []*domain.Variant
	)
	err := lock.WithLock(ctx, s.locker, "stock-ref:"+ref, func(ctx context.Context) error {
		return s.store.RunInTx(ctx, func(tx domain.StockTx) error {
			rollbacks, touched = nil, nil

			locked, entries, err := s.lockReference(ctx, tx, ref, domain.KindReservation, domain.KindSale)
			if err != nil || len(entries) == 0 {
				return err
			}

			now := s.now()
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				v := locked[e.VariantID]
				rb := domain.NewTransaction(v, domain.KindReservationRollback, -e.QuantityChange, -e.ReservedChange, now)
				rb.ReferenceNumber = domain.RollbackReference(ref)
				rb.OrderItemID = e.OrderItemID
				rb.UserID = e.UserID
				rb.RelatedID = e.ID
				rb.Note = fmt.Sprintf("rollback %s %s", e.Kind, e.ID)
				v.Apply(rb.QuantityChange, rb.ReservedChange, now)
				if !v.Consistent() {
					logger.Ctx(ctx).Warn().
						Str("variant", v.ID).
						Int64("stock", v.StockQuantity).
						Int64("reserved", v.ReservedQuantity).
						Msg("Counters inconsistent after rollback, reconciliation will repair")
				}
				if err := tx.AppendEntry(ctx, rb); err != nil {
					return err
				}
				rollbacks = append(rollbacks, rb)
				ids = append(ids, e.ID)
			}
			if err := tx.MarkReversed(ctx, ids); err != nil {
				return err
			}
			touched = saveTouched(locked, rollbacks)
			return saveAll(ctx, tx, touched)
		})
	})
	if err != nil {
		s.fail(ctx, span, "rollback", err)
		return 0, err
	}
	if len(rollbacks) == 0 {
		span.AddEvent("Nothing to roll back")
		return 0, nil
	}

	metrics.StockOperations.WithLabelValues("rollback", "ok").Inc()
	logger.Ctx(ctx).Info().Str("reference", ref).Int("entries", len(rollbacks)).Msg("Reservations rolled back")

	var events []event.Envelope
	for _, rb := range rollbacks {
		events = append(events, stockEvent(event.StockReleased, ref, rb.VariantID, -rb.ReservedChange)...)
	}
	s.afterCommit(ctx, touched, events)
	return len(rollbacks), nil
}

// lockReference 先非锁定读取引用号涉及的 variant，按 id 排序加锁，再锁定流水。
// 加锁后流水若涉及未加锁的 variant，返回 ErrTransient 让工作单元整体重放，
// 保证同一事务内的行锁始终按 id 升序获取。
func (s *InventoryService) lockReference(ctx context.Context, tx domain.StockTx, ref string, kinds ...domain.Kind) (map[string]*domain.Variant, []*domain.Transaction, error) {
	snapshot, err := tx.EntriesByReference(ctx, ref, kinds...)
	if err != nil {
		return nil, nil, err
	}
	locked := make(map[string]*domain.Variant)
	if err := lockVariants(ctx, tx, locked, variantIDs(snapshot)); err != nil {
		return nil, nil, err
	}

	entries, err := tx.LockEntriesByReference(ctx, ref, kinds...)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range variantIDs(entries) {
		if _, ok := locked[id]; !ok {
			metrics.StockOperations.WithLabelValues("lock_reference", "restart").Inc()
			return nil, nil, fmt.Errorf("%w: reference %s gained variant %s while locking", apperr.ErrTransient, ref, id)
		}
	}
	return locked, entries, nil
}

func lockVariants(ctx context.Context, tx domain.StockTx, locked map[string]*domain.Variant, ids []string) error {
	for _, id := range ids {
		if _, ok := locked[id]; ok {
			continue
		}
		v, err := tx.LockVariant(ctx, id)
		if err != nil {
			return err
		}
		locked[id] = v
	}
	return nil
}

func variantIDs(entries []*domain.Transaction) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if !seen[e.VariantID] {
			seen[e.VariantID] = true
			ids = append(ids, e.VariantID)
		}
	}
	sort.Strings(ids)
	return ids
}

func saveTouched(locked map[string]*domain.Variant, entries []*domain.Transaction) []*domain.Variant {
	var out []*domain.Variant
	for _, id := range variantIDs(entries) {
		out = append(out, locked[id])
	}
	return out
}

func saveAll(ctx context.Context, tx domain.StockTx, variants []*domain.Variant) error {
	for _, v := range variants {
		if err := tx.SaveCounters(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// ExpiredReservationReferences 供过期预占清理任务使用
func (s *InventoryService) ExpiredReservationReferences(ctx context.Context, limit int) ([]string, error) {
	return s.store.ExpiredReservationReferences(ctx, s.now(), limit)
}

// GetAvailability 优先读取短期缓存快照，未命中时回源
func (s *InventoryService) GetAvailability(ctx context.Context, variantID string) (domain.Availability, error) {
	key := availabilityKeyPrefix + variantID
	if s.cache != nil {
		var snap domain.Availability
		hit, err := cache.GetJSON(ctx, s.cache, key, &snap)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Availability cache read failed")
		}
		if hit {
			return snap, nil
		}
	}

	v, err := s.store.GetVariant(ctx, variantID)
	if err != nil {
		return domain.Availability{}, err
	}
	snap := v.Snapshot(s.now())
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, snap, s.availabilityTTL); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Availability cache write failed")
		}
	}
	return snap, nil
}

// CreateVariant 登记一个新的 variant，初始库存通过 StockIn 流水写入
func (s *InventoryService) CreateVariant(ctx context.Context, v *domain.Variant, initialStock int64) error {
	if v.ID == "" {
		return fmt.Errorf("%w: variant id is required", apperr.ErrValidation)
	}
	v.StockQuantity, v.ReservedQuantity = 0, 0
	v.UpdatedAt = s.now()
	if err := s.store.CreateVariant(ctx, v); err != nil {
		return err
	}
	if initialStock > 0 {
		_, err := s.StockIn(ctx, v.ID, initialStock, "INITIAL-"+v.ID, "initial stock", "")
		return err
	}
	return nil
}

// afterCommit 执行提交后的附带动作：失效快照、告警、发布事件。全部尽力而为。
func (s *InventoryService) afterCommit(ctx context.Context, variants []*domain.Variant, events []event.Envelope) {
	if s.cache != nil && len(variants) > 0 {
		keys := make([]string, 0, len(variants))
		for _, v := range variants {
			keys = append(keys, availabilityKeyPrefix+v.ID)
		}
		if err := s.cache.Delete(ctx, keys...); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Failed to invalidate availability snapshots")
		}
	}

	if s.rule != nil {
		for _, v := range variants {
			s.checkLowStock(ctx, v)
		}
	}

	if s.publisher != nil && len(events) > 0 {
		if err := s.publisher.Publish(ctx, events...); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int("events", len(events)).Msg("Failed to publish stock events")
		}
	}
}

func (s *InventoryService) checkLowStock(ctx context.Context, v *domain.Variant) {
	low, err := s.rule.Evaluate(v)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("variant", v.ID).Msg("Low stock rule evaluation failed")
		return
	}
	if !low {
		return
	}
	metrics.LowStockAlerts.Inc()
	logger.Ctx(ctx).Warn().Str("variant", v.ID).Int64("available", v.AvailableStock()).Msg("Low stock")
	if s.notifier != nil {
		if err := s.notifier.NotifyLowStock(ctx, v); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("variant", v.ID).Msg("Failed to send low stock alert")
		}
	}
}

func (s *InventoryService) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	metrics.StockOperations.WithLabelValues(op, outcome(err)).Inc()
	logger.Ctx(ctx).Debug().Err(err).Str("op", op).Msg("Inventory operation failed")
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperr.IsRetryable(err):
		return "transient"
	default:
		return "rejected"
	}
}

func stockEvent(t event.Type, ref, variantID string, qty int64) []event.Envelope {
	orderID, _ := domain.OrderIDFromReference(ref)
	env, err := event.New(t, orderID, event.StockPayload{VariantID: variantID, Quantity: qty})
	if err != nil {
		return nil
	}
	env.Reference = ref
	return []event.Envelope{env}
}
