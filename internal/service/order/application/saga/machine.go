package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InboxHandlerName 是 saga 在消费端去重表中的处理器名
const InboxHandlerName = "order-saga"

// Deps 是状态机的出站依赖。Locker 和 Inbox 可以为 nil。
type Deps struct {
	Repo      domain.OrderRepository
	Inventory port.InventoryService
	Scheduler port.DelayScheduler
	Notifier  port.NotificationProducer
	Locker    lock.Locker
	Inbox     port.Inbox
}

// Saga 是订单状态机：消费事件，在订单锁内推进订单状态并驱动库存。
type Saga struct {
	deps              Deps
	tracer            trace.Tracer
	processingTimeout time.Duration
	now               func() time.Time
}

type Option func(*Saga)

// WithProcessingTimeout 限制单个事件的处理时间
func WithProcessingTimeout(d time.Duration) Option {
	return func(s *Saga) { s.processingTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Saga) { s.now = now }
}

func NewSaga(deps Deps, opts ...Option) *Saga {
	s := &Saga{
		deps:              deps,
		tracer:            otel.Tracer("order-saga"),
		processingTimeout: 30 * time.Second,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle 实现 event.Handler，错误只记录。需要错误反馈的调用方使用 Apply。
func (s *Saga) Handle(ctx context.Context, env event.Envelope) {
	if err := s.Apply(ctx, env); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("event", string(env.Type)).
			Str("order", env.OrderID).
			Msg("Saga failed to handle event")
	}
}

// Apply 处理一个事件。同一订单的事件在锁内串行执行，已处理过的事件 ID 直接跳过。
func (s *Saga) Apply(ctx context.Context, env event.Envelope) error {
	if env.OrderID == "" {
		return fmt.Errorf("%w: event %s has no order id", apperr.ErrValidation, env.ID)
	}

	ctx, span := s.tracer.Start(ctx, "saga.Apply", trace.WithAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", string(env.Type)),
		attribute.String("order.id", env.OrderID),
	))
	defer span.End()

	outcome := "applied"
	err := lock.WithLock(ctx, s.deps.Locker, "order:"+env.OrderID, func(ctx context.Context) error {
		if seen, err := s.seen(ctx, env); err != nil {
			return err
		} else if seen {
			outcome = "duplicate"
			return nil
		}

		ctx, cancel := context.WithTimeout(ctx, s.processingTimeout)
		defer cancel()
		if err := s.transition(ctx, env); err != nil {
			return err
		}
		return s.mark(ctx, env)
	})
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga transition failed")
	}
	metrics.SagaTransitions.WithLabelValues(string(env.Type), outcome).Inc()
	return err
}

func (s *Saga) seen(ctx context.Context, env event.Envelope) (bool, error) {
	if s.deps.Inbox == nil || env.ID == "" {
		return false, nil
	}
	return s.deps.Inbox.Seen(ctx, env.ID, InboxHandlerName)
}

func (s *Saga) mark(ctx context.Context, env event.Envelope) error {
	if s.deps.Inbox == nil || env.ID == "" {
		return nil
	}
	return s.deps.Inbox.Mark(ctx, env.ID, InboxHandlerName)
}

func (s *Saga) transition(ctx context.Context, env event.Envelope) error {
	switch env.Type {
	case event.OrderCreated:
		return s.onOrderCreated(ctx, env.OrderID)
	case event.PaymentSucceeded:
		return s.onPaymentSucceeded(ctx, env)
	case event.PaymentFailed:
		// 用户可以在支付窗口内重试，订单保持待支付
		logger.Ctx(ctx).Warn().Str("order", env.OrderID).Str("reason", env.Reason).Msg("Payment failed, order stays awaiting payment")
		return nil
	case event.OrderCancelled:
		return s.onClose(ctx, env, false)
	case event.OrderExpired:
		return s.onClose(ctx, env, true)
	default:
		// 库存事件只用于观测
		return nil
	}
}

// buildChain 组装订单创建的处理链
func (s *Saga) buildChain() Handler {
	head := &InventoryHandler{}
	head.SetNext(&AwaitPaymentHandler{}).
		SetNext(&NotificationHandler{})
	return head
}

func (s *Saga) onOrderCreated(ctx context.Context, orderID string) error {
	o, err := s.deps.Repo.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != domain.StatusPending {
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Already in %s, skipping creation saga.", o.ID, o.Status)
		return nil
	}

	oc := &OrderContext{
		Ctx:              ctx,
		Order:            o,
		Tracer:           s.tracer,
		Now:              s.now(),
		Repo:             s.deps.Repo,
		InventoryService: s.deps.Inventory,
		Scheduler:        s.deps.Scheduler,
		Notifier:         s.deps.Notifier,
	}

	chainErr := s.buildChain().Handle(oc)
	if chainErr == nil {
		logger.Ctx(ctx).Info().Msgf("✅ [Order: %s] Reserved and awaiting payment until %s.", o.ID, o.ExpiresAt.Format(time.RFC3339))
		return nil
	}

	logger.Ctx(ctx).Error().Err(chainErr).Msgf("ERROR: [Order: %s] Order processing chain failed. SAGA compensation triggered.", o.ID)
	compCtx := context.WithoutCancel(ctx)
	oc.TriggerCompensation(compCtx)

	// 链中可能已经写入了订单，重新读取最新版本再取消
	latest, err := s.deps.Repo.FindByID(compCtx, o.ID)
	if err != nil {
		logger.Ctx(compCtx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to reload order after compensation.", o.ID)
		return err
	}
	changed, err := latest.Cancel(chainErr.Error(), s.now())
	if err != nil || !changed {
		return err
	}
	if err := s.deps.Repo.Update(compCtx, latest); err != nil {
		logger.Ctx(compCtx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to persist cancellation after compensation.", o.ID)
		return err
	}
	if err := s.deps.Notifier.SendCancelled(compCtx, latest); err != nil {
		logger.Ctx(compCtx).Warn().Err(err).Str("order", o.ID).Msg("Failed to publish cancellation notification")
	}
	return nil
}

func (s *Saga) onPaymentSucceeded(ctx context.Context, env event.Envelope) error {
	o, err := s.deps.Repo.FindByID(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o.Paid() {
		logger.Ctx(ctx).Info().Msgf("[Order: %s] Payment already recorded.", o.ID)
		return nil
	}

	if o.Closed() {
		o.MarkPaid(s.now())
		if err := s.deps.Repo.Update(ctx, o); err != nil {
			return err
		}
		logger.Ctx(ctx).Error().
			Str("order", o.ID).
			Str("status", string(o.Status)).
			RawJSON("payment", nonEmptyJSON(env.Payload)).
			Msg("CRITICAL: payment received for a closed order, manual refund required")
		return nil
	}

	// 先扣减库存再标记已支付，失败时事件会被重投
	if err := s.deps.Inventory.CommitOrder(ctx, o.ID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to commit reserved stock for paid order.", o.ID)
		return err
	}

	o.MarkPaid(s.now())
	if err := s.deps.Repo.Update(ctx, o); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Msgf("✅ [Order: %s] Paid, stock committed.", o.ID)

	if err := s.deps.Notifier.SendPaymentReceived(ctx, o); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order", o.ID).Msg("Failed to publish payment notification")
	}
	return nil
}

func (s *Saga) onClose(ctx context.Context, env event.Envelope, expire bool) error {
	o, err := s.deps.Repo.FindByID(ctx, env.OrderID)
	if err != nil {
		return err
	}
	if o.Paid() {
		logger.Ctx(ctx).Warn().Str("order", o.ID).Str("event", string(env.Type)).Msg("Order already paid, ignoring close request")
		return nil
	}

	now := s.now()
	if expire && now.Before(o.ExpiresAt) {
		logger.Ctx(ctx).Warn().Str("order", o.ID).Time("expiresAt", o.ExpiresAt).Msg("Expiry event arrived early, ignoring")
		return nil
	}

	var changed bool
	if expire {
		changed, err = o.Expire(now)
	} else {
		reason := env.Reason
		if reason == "" {
			reason = "cancelled by user"
		}
		changed, err = o.Cancel(reason, now)
	}
	if err != nil {
		return err
	}
	if changed {
		if err := s.deps.Repo.Update(ctx, o); err != nil {
			return err
		}
	}

	// 重复的关闭事件也会回滚一次，回滚本身是幂等的
	if err := s.deps.Inventory.ReleaseOrder(ctx, o.ID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msgf("CRITICAL: [Order: %s] Failed to release reserved stock.", o.ID)
		return err
	}

	if changed {
		logger.Ctx(ctx).Info().Msgf("🛑 [Order: %s] %s, reserved stock released.", o.ID, o.Status)
		if err := s.deps.Notifier.SendCancelled(ctx, o); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order", o.ID).Msg("Failed to publish cancellation notification")
		}
	}
	return nil
}

func nonEmptyJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// IsBusinessFailure 判断错误是否属于不应重投的业务失败
func IsBusinessFailure(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, domain.ErrAlreadyPaid) ||
		errors.Is(err, domain.ErrInvalidTransition)
}
