package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/service/order/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockInventory struct {
	mock.Mock
}

func (m *mockInventory) ReserveItem(ctx context.Context, orderID, userID string, item domain.Item, expiresAt time.Time) error {
	return m.Called(orderID, item.VariantID).Error(0)
}

func (m *mockInventory) CommitOrder(ctx context.Context, orderID string) error {
	return m.Called(orderID).Error(0)
}

func (m *mockInventory) ReleaseOrder(ctx context.Context, orderID string) error {
	return m.Called(orderID).Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleOrderExpiry(ctx context.Context, orderID string, at time.Time) error {
	return m.Called(orderID, at).Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendAwaitingPayment(ctx context.Context, o *domain.Order) error {
	return m.Called(o.ID).Error(0)
}

func (m *mockNotifier) SendCancelled(ctx context.Context, o *domain.Order) error {
	return m.Called(o.ID).Error(0)
}

func (m *mockNotifier) SendPaymentReceived(ctx context.Context, o *domain.Order) error {
	return m.Called(o.ID).Error(0)
}

// mapRepo 是最小的内存仓储
type mapRepo struct {
	orders map[string]*domain.Order
}

func (r *mapRepo) Create(_ context.Context, o *domain.Order) error {
	r.orders[o.ID] = o
	return nil
}

func (r *mapRepo) FindByID(_ context.Context, id string) (*domain.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (r *mapRepo) FindByIdempotencyKey(context.Context, string) (*domain.Order, error) {
	return nil, domain.ErrOrderNotFound
}

func (r *mapRepo) Update(_ context.Context, o *domain.Order) error {
	if r.orders[o.ID].Version != o.Version {
		return domain.ErrStaleOrder
	}
	o.Version++
	c := *o
	r.orders[o.ID] = &c
	return nil
}

func newMachine(t *testing.T) (*Saga, *mapRepo, *mockInventory, *mockScheduler, *mockNotifier) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o, err := domain.NewOrder("o1", "u1", "k1", []domain.Item{
		{ID: "i1", VariantID: "v1", Quantity: 1, UnitPrice: decimal.NewFromInt(5)},
		{ID: "i2", VariantID: "v2", Quantity: 1, UnitPrice: decimal.NewFromInt(5)},
	}, now.Add(15*time.Minute), now)
	require.NoError(t, err)

	repo := &mapRepo{orders: map[string]*domain.Order{"o1": o}}
	inv, sched, notif := &mockInventory{}, &mockScheduler{}, &mockNotifier{}
	s := NewSaga(Deps{Repo: repo, Inventory: inv, Scheduler: sched, Notifier: notif}, WithClock(func() time.Time { return now }))
	return s, repo, inv, sched, notif
}

func TestOrderCreatedRunsChain(t *testing.T) {
	s, repo, inv, sched, notif := newMachine(t)
	inv.On("ReserveItem", "o1", "v1").Return(nil).Once()
	inv.On("ReserveItem", "o1", "v2").Return(nil).Once()
	sched.On("ScheduleOrderExpiry", "o1", repo.orders["o1"].ExpiresAt).Return(nil).Once()
	notif.On("SendAwaitingPayment", "o1").Return(errors.New("broker down")).Once()

	require.NoError(t, s.Apply(context.Background(), event.Envelope{ID: "e1", Type: event.OrderCreated, OrderID: "o1"}))
	assert.Equal(t, domain.StatusAwaitingPayment, repo.orders["o1"].Status)
	inv.AssertExpectations(t)
	sched.AssertExpectations(t)
	notif.AssertExpectations(t)
	inv.AssertNotCalled(t, "ReleaseOrder", "o1")
}

func TestOrderCreatedFailureCompensates(t *testing.T) {
	s, repo, inv, sched, notif := newMachine(t)
	inv.On("ReserveItem", "o1", "v1").Return(nil).Once()
	inv.On("ReserveItem", "o1", "v2").Return(apperr.ErrInsufficientStock).Once()
	inv.On("ReleaseOrder", "o1").Return(nil).Once()
	notif.On("SendCancelled", "o1").Return(nil).Once()

	require.NoError(t, s.Apply(context.Background(), event.Envelope{ID: "e1", Type: event.OrderCreated, OrderID: "o1"}))

	o := repo.orders["o1"]
	assert.Equal(t, domain.StatusCancelled, o.Status)
	assert.Contains(t, o.CancelReason, "insufficient stock")
	inv.AssertExpectations(t)
	notif.AssertExpectations(t)
	sched.AssertNotCalled(t, "ScheduleOrderExpiry", mock.Anything, mock.Anything)
}

func TestPaymentSucceededCommitFailureIsReturned(t *testing.T) {
	s, repo, inv, _, _ := newMachine(t)
	repo.orders["o1"].Status = domain.StatusAwaitingPayment
	inv.On("CommitOrder", "o1").Return(apperr.ErrTransient).Once()

	err := s.Apply(context.Background(), event.Envelope{ID: "e2", Type: event.PaymentSucceeded, OrderID: "o1"})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.False(t, repo.orders["o1"].Paid())
}

func TestApplyRejectsEventWithoutOrder(t *testing.T) {
	s, _, _, _, _ := newMachine(t)
	err := s.Apply(context.Background(), event.Envelope{ID: "e3", Type: event.OrderCreated})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.True(t, IsBusinessFailure(err))
}
