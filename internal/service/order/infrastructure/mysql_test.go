package infrastructure

import (
	"context"
	"testing"
	"time"

	"fulfillment/internal/pkg/persistence/mysqltest"
	"fulfillment/internal/service/order/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newMysqlRepo(t *testing.T) (*MysqlRepository, *gorm.DB) {
	t.Helper()
	db := mysqltest.Open(t, Migrate)
	return NewMysqlRepository(db), db
}

func placeOrder(t *testing.T, repo *MysqlRepository, db *gorm.DB, createdAt time.Time) *domain.Order {
	t.Helper()
	id := uuid.NewString()
	o, err := domain.NewOrder(id, "u1", "key-"+id, []domain.Item{
		{ID: uuid.NewString(), VariantID: "v1", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
	}, createdAt.Add(15*time.Minute), createdAt)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), o))
	t.Cleanup(func() {
		db.Where("order_id = ?", id).Delete(&OrderItemModel{})
		db.Where("id = ?", id).Delete(&OrderModel{})
	})
	return o
}

func TestMysqlRepository_CreateAndFind(t *testing.T) {
	repo, db := newMysqlRepo(t)
	ctx := context.Background()
	o := placeOrder(t, repo, db, time.Now().UTC())

	byID, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, byID.Status)
	require.Len(t, byID.Items, 1)
	assert.True(t, byID.Total.Equal(decimal.RequireFromString("25.00")))

	byKey, err := repo.FindByIdempotencyKey(ctx, o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byKey.ID)

	dup := *o
	dup.ID = uuid.NewString()
	dup.Items = nil
	assert.ErrorIs(t, repo.Create(ctx, &dup), domain.ErrDuplicateOrder)

	_, err = repo.FindByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMysqlRepository_UpdateRejectsStaleVersion(t *testing.T) {
	repo, db := newMysqlRepo(t)
	ctx := context.Background()
	o := placeOrder(t, repo, db, time.Now().UTC())

	first, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, first.MarkAwaitingPayment(time.Now().UTC()))
	require.NoError(t, repo.Update(ctx, first))
	assert.Equal(t, o.Version+1, first.Version)

	_, err = second.Cancel("late writer", time.Now().UTC())
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Update(ctx, second), domain.ErrStaleOrder)

	stored, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingPayment, stored.Status)
	assert.Equal(t, first.Version, stored.Version)
}

func TestMysqlRepository_ListPending(t *testing.T) {
	repo, db := newMysqlRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := placeOrder(t, repo, db, now.Add(-time.Hour))
	fresh := placeOrder(t, repo, db, now)
	moved := placeOrder(t, repo, db, now.Add(-time.Hour))
	require.NoError(t, moved.MarkAwaitingPayment(now))
	require.NoError(t, repo.Update(ctx, moved))

	pending, err := repo.ListPending(ctx, now.Add(-5*time.Minute), 100000)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, o := range pending {
		ids[o.ID] = true
	}
	assert.True(t, ids[stuck.ID])
	assert.False(t, ids[fresh.ID])
	assert.False(t, ids[moved.ID])
}

func TestMysqlInbox_MarkIsIdempotent(t *testing.T) {
	db := mysqltest.Open(t, Migrate)
	inbox := NewMysqlInbox(db)
	ctx := context.Background()
	eventID := uuid.NewString()
	t.Cleanup(func() { db.Where("event_id = ?", eventID).Delete(&HandledEventModel{}) })

	seen, err := inbox.Seen(ctx, eventID, "order-saga")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, inbox.Mark(ctx, eventID, "order-saga"))
	// 重复标记命中主键冲突，OnConflict DoNothing 吞掉
	require.NoError(t, inbox.Mark(ctx, eventID, "order-saga"))

	seen, err = inbox.Seen(ctx, eventID, "order-saga")
	require.NoError(t, err)
	assert.True(t, seen)

	other, err := inbox.Seen(ctx, eventID, "notifier")
	require.NoError(t, err)
	assert.False(t, other)

	var n int64
	require.NoError(t, db.Model(&HandledEventModel{}).Where("event_id = ?", eventID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
