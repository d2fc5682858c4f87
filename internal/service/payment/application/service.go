// internal/service/payment/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/payment/domain"
	"fulfillment/internal/service/payment/port"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	MsgGatewayUnavailable  = "payment gateway unavailable, please try again"
	MsgVerificationPending = "payment verification in progress, please try again"

	verifyCachePrefix = "payverify:"
)

// Options 支付服务参数
type Options struct {
	CallbackURL      string
	GatewayTimeout   time.Duration
	IdempotencyTTL   time.Duration
	TransactionTTL   time.Duration
	VerifyWaitPeriod time.Duration
}

// DefaultOptions 与 configs/config.yaml 中的默认值一致
var DefaultOptions = Options{
	GatewayTimeout:   10 * time.Second,
	IdempotencyTTL:   24 * time.Hour,
	TransactionTTL:   20 * time.Minute,
	VerifyWaitPeriod: 15 * time.Second,
}

// InitiateRequest 发起支付
type InitiateRequest struct {
	OrderID     string          `json:"orderId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CallbackURL string          `json:"callbackUrl"`
}

// InitiateResult 网关不可用时 Retryable=true，且不返回 error
type InitiateResult struct {
	Success       bool   `json:"success"`
	Retryable     bool   `json:"retryable"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Authority     string `json:"authority,omitempty"`
	PaymentURL    string `json:"paymentUrl,omitempty"`
}

// VerifyResult 是一次校验的对外结果
type VerifyResult struct {
	Success   bool          `json:"success"`
	Retryable bool          `json:"retryable"`
	Status    domain.Status `json:"status"`
	OrderID   string        `json:"orderId,omitempty"`
	RefID     string        `json:"refId,omitempty"`
	CardPan   string        `json:"cardPan,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// PaymentService 负责支付的幂等发起与校验
type PaymentService struct {
	repo      domain.Repository
	gateway   port.Gateway
	cache     cache.Cache
	publisher event.Publisher
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time

	verifyGroup singleflight.Group
}

func NewPaymentService(repo domain.Repository, gateway port.Gateway, c cache.Cache, publisher event.Publisher, opts Options) *PaymentService {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = DefaultOptions.GatewayTimeout
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultOptions.IdempotencyTTL
	}
	if opts.TransactionTTL <= 0 {
		opts.TransactionTTL = DefaultOptions.TransactionTTL
	}
	if opts.VerifyWaitPeriod <= 0 {
		opts.VerifyWaitPeriod = DefaultOptions.VerifyWaitPeriod
	}
	return &PaymentService{
		repo:      repo,
		gateway:   gateway,
		cache:     c,
		publisher: publisher,
		opts:      opts,
		tracer:    otel.Tracer("payment-service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟（测试用）
func (s *PaymentService) SetClock(now func() time.Time) { s.now = now }

// Initiate 以 pay:{orderId}:{amount} 为幂等键发起支付
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Initiate", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	if req.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", apperr.ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	key := domain.IdempotencyKey(req.OrderID, req.Amount)

	var cached InitiateResult
	if hit, err := cache.GetJSON(ctx, s.cache, key, &cached); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Payment idempotency cache read failed")
	} else if hit {
		if s.replayable(ctx, &cached) {
			span.AddEvent("Idempotent replay from cache")
			return &cached, nil
		}
		span.AddEvent("Cached payment closed, requesting a new one")
		s.forgetInitiation(ctx, key)
	}

	existing, err := s.repo.FindActiveByOrder(ctx, req.OrderID, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if existing != nil && existing.Amount.Equal(req.Amount) {
		span.AddEvent("Active transaction already exists")
		return initiateResultOf(existing), nil
	}

	callback := req.CallbackURL
	if callback == "" {
		callback = s.opts.CallbackURL
	}
	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	start := time.Now()
	pr, err := s.gateway.RequestPayment(gctx, req.Amount, req.Description, callback)
	cancel()
	metrics.GatewayLatency.WithLabelValues("request").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway request failed")
		logger.Ctx(ctx).Error().Err(err).Str("order_id", req.OrderID).Msg("Payment gateway request failed")
		return &InitiateResult{Retryable: true, Message: MsgGatewayUnavailable}, nil
	}

	now := s.now()
	t := &domain.Transaction{
		ID:             uuid.NewString(),
		OrderID:        req.OrderID,
		Authority:      pr.Authority,
		PaymentURL:     pr.PaymentURL,
		Status:         domain.StatusPending,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: key,
		ExpiresAt:      now.Add(s.opts.TransactionTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := initiateResultOf(t)
	if err := cache.SetJSON(ctx, s.cache, key, result, s.opts.IdempotencyTTL); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Payment idempotency cache write failed")
	}
	logger.Ctx(ctx).Info().Str("order_id", req.OrderID).Str("authority", t.Authority).Msg("Payment initiated")
	return result, nil
}

// replayable 缓存的发起结果只有在对应流水仍可支付时才能重放
func (s *PaymentService) replayable(ctx context.Context, cached *InitiateResult) bool {
	if !cached.Success || cached.Authority == "" {
		return false
	}
	t, err := s.repo.GetByAuthority(ctx, cached.Authority)
	if err != nil {
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Str("authority", cached.Authority).Msg("Failed to load cached payment, not replaying")
		}
		return false
	}
	return !t.Closed(s.now())
}

// forgetInitiation 删除发起幂等键，失败或过期后允许重新发起
func (s *PaymentService) forgetInitiation(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Failed to drop payment idempotency key")
	}
}

func initiateResultOf(t *domain.Transaction) *InitiateResult {
	return &InitiateResult{
		Success:       true,
		TransactionID: t.ID,
		Authority:     t.Authority,
		PaymentURL:    t.PaymentURL,
	}
}

// Verify 校验一笔支付。同一 authority 在进程内的并发调用合并为一次；
// 跨进程时由 Pending→Processing 的条件更新决出唯一调用网关的实例，其余等待结果。
func (s *PaymentService) Verify(ctx context.Context, authority string) (*VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Verify", trace.WithAttributes(attribute.String("authority", authority)))
	defer span.End()

	if authority == "" {
		return nil, fmt.Errorf("%w: authority is required", apperr.ErrValidation)
	}

	var cached VerifyResult
	if hit, err := cache.GetJSON(ctx, s.cache, verifyCachePrefix+authority, &cached); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("authority", authority).Msg("Verify cache read failed")
	} else if hit {
		return &cached, nil
	}

	v, err, shared := s.verifyGroup.Do(authority, func() (any, error) {
		// 结果由所有等待者共享，不受首个调用方取消的影响
		sctx := context.WithoutCancel(ctx)
		t, err := s.repo.GetByAuthority(sctx, authority)
		if err != nil {
			return nil, err
		}
		return s.verifyTransaction(sctx, t, domain.StatusFailed)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return nil, err
	}
	if shared {
		span.AddEvent("Coalesced with in-flight verification")
	}
	res := *v.(*VerifyResult)
	return &res, nil
}

// verifyTransaction 执行一次校验；unverified 为网关明确拒绝时写入的终态
func (s *PaymentService) verifyTransaction(ctx context.Context, t *domain.Transaction, unverified domain.Status) (*VerifyResult, error) {
	if t.Status.Terminal() {
		return verifyResultOf(t), nil
	}

	won, err := s.repo.TransitionStatus(ctx, t.ID, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		metrics.PaymentVerifications.WithLabelValues("waited").Inc()
		return s.awaitOutcome(ctx, t.Authority)
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	start := time.Now()
	verification, err := s.gateway.VerifyPayment(gctx, t.Authority, t.Amount)
	cancel()
	metrics.GatewayLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("authority", t.Authority).Msg("Payment gateway verify failed, reverting to Pending")
		if _, rerr := s.repo.TransitionStatus(context.WithoutCancel(ctx), t.ID, domain.StatusProcessing, domain.StatusPending); rerr != nil {
			logger.Ctx(ctx).Error().Err(rerr).Str("authority", t.Authority).Msg("Failed to revert payment to Pending")
		}
		metrics.PaymentVerifications.WithLabelValues("gateway_error").Inc()
		return &VerifyResult{Retryable: true, Status: domain.StatusPending, OrderID: t.OrderID, Message: MsgGatewayUnavailable}, nil
	}

	now := s.now()
	t.UpdatedAt = now
	if verification.Verified {
		t.Status = domain.StatusSuccess
		t.RefID = verification.RefID
		t.CardPan = verification.CardPan
		t.Fee = verification.Fee
		t.VerifiedAt = &now
	} else {
		t.Status = unverified
	}
	ok, err := s.repo.Finalize(context.WithoutCancel(ctx), t, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 其他实例已经写入终态（例如对账任务抢先完成），以存储为准
		return s.awaitOutcome(ctx, t.Authority)
	}

	result := verifyResultOf(t)
	if !verification.Verified && verification.Message != "" {
		result.Message = verification.Message
	}
	metrics.PaymentVerifications.WithLabelValues(string(t.Status)).Inc()
	if t.Status != domain.StatusSuccess {
		s.forgetInitiation(ctx, t.IdempotencyKey)
	}
	if err := cache.SetJSON(ctx, s.cache, verifyCachePrefix+t.Authority, result, s.opts.IdempotencyTTL); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("authority", t.Authority).Msg("Verify cache write failed")
	}
	s.publishOutcome(ctx, t)
	return result, nil
}

// awaitOutcome 轮询存储直到流水进入终态，最长等待 VerifyWaitPeriod
func (s *PaymentService) awaitOutcome(ctx context.Context, authority string) (*VerifyResult, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = time.Second

	errNotYet := errors.New("payment not settled yet")
	t, err := backoff.Retry(ctx, func() (*domain.Transaction, error) {
		t, err := s.repo.GetByAuthority(ctx, authority)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !t.Status.Terminal() {
			return t, errNotYet
		}
		return t, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(s.opts.VerifyWaitPeriod))
	if errors.Is(err, errNotYet) || (err != nil && ctx.Err() != nil) {
		orderID := ""
		if t != nil {
			orderID = t.OrderID
		}
		return &VerifyResult{Retryable: true, Status: domain.StatusProcessing, OrderID: orderID, Message: MsgVerificationPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return verifyResultOf(t), nil
}

func verifyResultOf(t *domain.Transaction) *VerifyResult {
	return &VerifyResult{
		Success: t.Status == domain.StatusSuccess,
		Status:  t.Status,
		OrderID: t.OrderID,
		RefID:   t.RefID,
		CardPan: t.CardPan,
	}
}

func (s *PaymentService) publishOutcome(ctx context.Context, t *domain.Transaction) {
	if s.publisher == nil {
		return
	}
	typ := event.PaymentFailed
	if t.Status == domain.StatusSuccess {
		typ = event.PaymentSucceeded
	}
	env, err := event.New(typ, t.OrderID, event.PaymentPayload{
		TransactionID: t.ID,
		Authority:     t.Authority,
		RefID:         t.RefID,
		Amount:        t.Amount.String(),
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to build payment event")
		return
	}
	if t.Status != domain.StatusSuccess {
		env.Reason = string(t.Status)
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", t.OrderID).Str("event", string(typ)).Msg("Failed to publish payment event")
	}
}
