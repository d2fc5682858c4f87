package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/service/payment/domain"
	"fulfillment/internal/service/payment/infrastructure"
	"fulfillment/internal/service/payment/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) RequestPayment(ctx context.Context, amount decimal.Decimal, description, callbackURL string) (*port.PaymentRequest, error) {
	args := m.Called(ctx, amount, description, callbackURL)
	pr, _ := args.Get(0).(*port.PaymentRequest)
	return pr, args.Error(1)
}

func (m *mockGateway) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*port.Verification, error) {
	args := m.Called(ctx, authority, amount)
	v, _ := args.Get(0).(*port.Verification)
	return v, args.Error(1)
}

// slowGateway 统计调用次数，并在校验时阻塞直到 release 关闭
type slowGateway struct {
	verifyCalls atomic.Int32
	release     chan struct{}
}

func (g *slowGateway) RequestPayment(context.Context, decimal.Decimal, string, string) (*port.PaymentRequest, error) {
	return &port.PaymentRequest{Authority: "A-slow", PaymentURL: "https://pay.example/A-slow"}, nil
}

func (g *slowGateway) VerifyPayment(context.Context, string, decimal.Decimal) (*port.Verification, error) {
	g.verifyCalls.Add(1)
	<-g.release
	return &port.Verification{Verified: true, RefID: "R-slow", CardPan: "6037****0000"}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (p *capturePublisher) Publish(_ context.Context, events ...event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) snapshot() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Envelope(nil), p.events...)
}

var amount = decimal.RequireFromString("250.00")

func newService(gw port.Gateway) (*PaymentService, *infrastructure.MemoryRepository, *capturePublisher) {
	repo := infrastructure.NewMemoryRepository()
	pub := &capturePublisher{}
	svc := NewPaymentService(repo, gw, cache.NewMemoryCache(), pub, Options{VerifyWaitPeriod: 2 * time.Second})
	return svc, repo, pub
}

func TestInitiateIsIdempotent(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, "order o1", "https://cb").
		Return(&port.PaymentRequest{Authority: "A-1", PaymentURL: "https://pay/A-1"}, nil).Once()
	svc, repo, _ := newService(gw)
	ctx := context.Background()

	req := InitiateRequest{OrderID: "o1", Amount: amount, Description: "order o1", CallbackURL: "https://cb"}
	first, err := svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "A-1", first.Authority)

	second, err := svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	gw.AssertExpectations(t)

	stored, err := repo.GetByAuthority(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, "pay:o1:250.00", stored.IdempotencyKey)
}

func TestInitiateGatewayFailureIsSoft(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))
	svc, _, _ := newService(gw)

	res, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: "o1", Amount: amount})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, MsgGatewayUnavailable, res.Message)
}

func TestInitiateValidation(t *testing.T) {
	svc, _, _ := newService(&mockGateway{})
	_, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: "o1", Amount: decimal.Zero})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func initiate(t *testing.T, svc *PaymentService, orderID string) string {
	t.Helper()
	res, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: orderID, Amount: amount})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res.Authority
}

func TestVerifySuccessPublishesOnce(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-1"}, nil)
	gw.On("VerifyPayment", mock.Anything, "A-1", amount).
		Return(&port.Verification{Verified: true, RefID: "R-1", CardPan: "6037****1111"}, nil).Once()
	svc, repo, pub := newService(gw)
	ctx := context.Background()
	authority := initiate(t, svc, "o1")

	res, err := svc.Verify(ctx, authority)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "R-1", res.RefID)
	assert.Equal(t, "o1", res.OrderID)

	again, err := svc.Verify(ctx, authority)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	gw.AssertExpectations(t)

	stored, _ := repo.GetByAuthority(ctx, authority)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	require.NotNil(t, stored.VerifiedAt)

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, event.PaymentSucceeded, events[0].Type)
	assert.Equal(t, "o1", events[0].OrderID)
}

func TestVerifyRejectedMarksFailed(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-2"}, nil)
	gw.On("VerifyPayment", mock.Anything, "A-2", amount).
		Return(&port.Verification{Verified: false, Message: "card declined"}, nil)
	svc, _, pub := newService(gw)

	res, err := svc.Verify(context.Background(), initiate(t, svc, "o2"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, "card declined", res.Message)
	assert.Equal(t, event.PaymentFailed, pub.snapshot()[0].Type)
}

func TestInitiateAfterFailedPaymentRequestsNewAuthority(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-1"}, nil).Once()
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-2"}, nil).Once()
	gw.On("VerifyPayment", mock.Anything, "A-1", amount).Return(&port.Verification{Verified: false}, nil)
	svc, _, _ := newService(gw)
	ctx := context.Background()

	require.Equal(t, "A-1", initiate(t, svc, "o1"))
	res, err := svc.Verify(ctx, "A-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)

	retry, err := svc.Initiate(ctx, InitiateRequest{OrderID: "o1", Amount: amount})
	require.NoError(t, err)
	assert.True(t, retry.Success)
	assert.Equal(t, "A-2", retry.Authority)

	// 新流水仍可支付，再次发起应重放
	again, err := svc.Initiate(ctx, InitiateRequest{OrderID: "o1", Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, retry, again)
	gw.AssertExpectations(t)
}

func TestInitiateDoesNotReplayExpiredPayment(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-1"}, nil).Once()
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-2"}, nil).Once()
	svc, _, _ := newService(gw)

	require.Equal(t, "A-1", initiate(t, svc, "o1"))
	// 越过流水有效期，但幂等键仍在缓存中
	svc.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	assert.Equal(t, "A-2", initiate(t, svc, "o1"))
	gw.AssertExpectations(t)
}

func TestVerifyGatewayErrorRevertsToPending(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-3"}, nil)
	gw.On("VerifyPayment", mock.Anything, "A-3", amount).
		Return(nil, errors.New("timeout")).Once()
	gw.On("VerifyPayment", mock.Anything, "A-3", amount).
		Return(&port.Verification{Verified: true, RefID: "R-3"}, nil).Once()
	svc, repo, _ := newService(gw)
	ctx := context.Background()
	authority := initiate(t, svc, "o3")

	res, err := svc.Verify(ctx, authority)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	stored, _ := repo.GetByAuthority(ctx, authority)
	assert.Equal(t, domain.StatusPending, stored.Status)

	res, err = svc.Verify(ctx, authority)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestConcurrentVerifyCallsGatewayOnce(t *testing.T) {
	gw := &slowGateway{release: make(chan struct{})}
	svc, _, pub := newService(gw)
	authority := initiate(t, svc, "o4")

	const callers = 8
	results := make([]*VerifyResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Verify(context.Background(), authority)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	assert.Equal(t, int32(1), gw.verifyCalls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success)
		assert.Equal(t, "R-slow", r.RefID)
	}
	assert.Len(t, pub.snapshot(), 1)
}

func TestVerifyLoserWaitsForWinner(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-5"}, nil)
	svc, repo, _ := newService(gw)
	ctx := context.Background()
	authority := initiate(t, svc, "o5")
	stored, _ := repo.GetByAuthority(ctx, authority)

	// 模拟另一个实例已经抢到 Processing
	ok, err := repo.TransitionStatus(ctx, stored.ID, domain.StatusPending, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(150 * time.Millisecond)
		now := time.Now().UTC()
		stored.Status = domain.StatusSuccess
		stored.RefID = "R-other"
		stored.VerifiedAt = &now
		stored.UpdatedAt = now
		_, _ = repo.Finalize(ctx, stored, domain.StatusProcessing)
	}()

	res, err := svc.Verify(ctx, authority)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "R-other", res.RefID)
	gw.AssertNotCalled(t, "VerifyPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyUnknownAuthority(t *testing.T) {
	svc, _, _ := newService(&mockGateway{})
	_, err := svc.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestReconcilePending(t *testing.T) {
	gw := &mockGateway{}
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-paid"}, nil).Once()
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-abandoned"}, nil).Once()
	gw.On("RequestPayment", mock.Anything, amount, mock.Anything, mock.Anything).
		Return(&port.PaymentRequest{Authority: "A-stuck"}, nil).Once()
	gw.On("VerifyPayment", mock.Anything, "A-paid", amount).Return(&port.Verification{Verified: true, RefID: "R-p"}, nil)
	gw.On("VerifyPayment", mock.Anything, "A-abandoned", amount).Return(&port.Verification{Verified: false}, nil)
	gw.On("VerifyPayment", mock.Anything, "A-stuck", amount).Return(&port.Verification{Verified: true, RefID: "R-s"}, nil)

	svc, repo, _ := newService(gw)
	ctx := context.Background()
	initiate(t, svc, "paid")
	initiate(t, svc, "abandoned")
	initiate(t, svc, "stuck")

	stuck, _ := repo.GetByAuthority(ctx, "A-stuck")
	_, err := repo.TransitionStatus(ctx, stuck.ID, domain.StatusPending, domain.StatusProcessing)
	require.NoError(t, err)

	// 对账时钟前移 13 小时：三笔流水都超出 12 小时窗口，也都过了有效期
	svc.SetClock(func() time.Time { return time.Now().UTC().Add(13 * time.Hour) })

	sum, err := svc.ReconcilePending(ctx, 12*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Expired)

	abandoned, _ := repo.GetByAuthority(ctx, "A-abandoned")
	assert.Equal(t, domain.StatusExpired, abandoned.Status)
	recovered, _ := repo.GetByAuthority(ctx, "A-stuck")
	assert.Equal(t, domain.StatusSuccess, recovered.Status)

	// 过期流水的幂等键已删除
	_, err = svc.cache.Get(ctx, abandoned.IdempotencyKey)
	assert.ErrorIs(t, err, cache.ErrMiss)
}
