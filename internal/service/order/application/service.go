// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application/saga"
	"fulfillment/internal/service/order/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderApplicationService 负责订单用例编排，状态推进交给 saga。
type OrderApplicationService struct {
	orderRepo     domain.OrderRepository
	saga          saga.Applier
	tracer        trace.Tracer
	paymentWindow time.Duration
	now           func() time.Time
}

func NewOrderApplicationService(orderRepo domain.OrderRepository, sagaApplier saga.Applier, tracer trace.Tracer, paymentWindow time.Duration) *OrderApplicationService {
	if paymentWindow <= 0 {
		paymentWindow = 15 * time.Minute
	}
	return &OrderApplicationService{
		orderRepo:     orderRepo,
		saga:          sagaApplier,
		tracer:        tracer,
		paymentWindow: paymentWindow,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟（测试用）
func (s *OrderApplicationService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateOrder 落库一个 Pending 订单并同步执行创建 saga。
// 幂等键重复时返回 domain.ErrDuplicateOrder。库存不足不是错误，返回已取消的订单。
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()

	if req == nil {
		return nil, fmt.Errorf("%w: empty request", apperr.ErrValidation)
	}
	if existing, err := s.orderRepo.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		span.SetAttributes(attribute.String("order.id", existing.ID))
		return nil, domain.ErrDuplicateOrder
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}

	now := s.now()
	orderID := uuid.NewString()
	items := make([]domain.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.Item{
			ID:        uuid.NewString(),
			VariantID: it.VariantID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	o, err := domain.NewOrder(orderID, req.UserID, req.IdempotencyKey, items, now.Add(s.paymentWindow), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create order entity")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("user.id", o.UserID))

	// 唯一索引兜底并发的重复请求
	if err := s.orderRepo.Create(ctx, o); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save initial order")
		logger.Ctx(ctx).Error().Err(err).Msgf("ERROR: [Order: %s] Failed to save initial order.", o.ID)
		return nil, err
	}
	span.AddEvent("Initial order saved with Pending state.")

	created, err := event.New(event.OrderCreated, o.ID, nil)
	if err != nil {
		return nil, err
	}
	if err := s.saga.Apply(ctx, created); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Order creation saga failed")
		return nil, err
	}
	return s.GetOrder(ctx, o.ID)
}

// CancelOrder 取消未支付的订单并释放预占库存，已关闭的订单重复取消无副作用
func (s *OrderApplicationService) CancelOrder(ctx context.Context, orderID, reason string) (*OrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	o, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Paid() {
		return nil, domain.ErrAlreadyPaid
	}

	cancelled, err := event.New(event.OrderCancelled, orderID, nil)
	if err != nil {
		return nil, err
	}
	cancelled.Reason = reason
	if err := s.saga.Apply(ctx, cancelled); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Order cancellation failed")
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	o, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toResponse(o), nil
}
