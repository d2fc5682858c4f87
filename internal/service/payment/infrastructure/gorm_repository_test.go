package infrastructure

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment/internal/pkg/persistence/mysqltest"
	"fulfillment/internal/service/payment/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newGormRepo(t *testing.T) (*GormRepository, *gorm.DB) {
	t.Helper()
	db := mysqltest.Open(t, Migrate)
	return NewGormRepository(db), db
}

func createPending(t *testing.T, repo *GormRepository, db *gorm.DB, orderID string, createdAt time.Time) *domain.Transaction {
	t.Helper()
	amount := decimal.RequireFromString("99.50")
	tx := &domain.Transaction{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		Authority:      "A-" + uuid.NewString(),
		Status:         domain.StatusPending,
		Amount:         amount,
		IdempotencyKey: domain.IdempotencyKey(orderID, amount),
		ExpiresAt:      createdAt.Add(20 * time.Minute),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	require.NoError(t, repo.Create(context.Background(), tx))
	t.Cleanup(func() { db.Where("id = ?", tx.ID).Delete(&TransactionModel{}) })
	return tx
}

func TestGormRepository_ConditionalTransitionHasOneWinner(t *testing.T) {
	repo, db := newGormRepo(t)
	ctx := context.Background()
	tx := createPending(t, repo, db, uuid.NewString(), time.Now().UTC())

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.TransitionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusProcessing)
			assert.NoError(t, err)
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	stored, err := repo.GetByAuthority(ctx, tx.Authority)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
}

func TestGormRepository_FinalizeOnlyFromExpectedStatus(t *testing.T) {
	repo, db := newGormRepo(t)
	ctx := context.Background()
	tx := createPending(t, repo, db, uuid.NewString(), time.Now().UTC())

	now := time.Now().UTC().Truncate(time.Second)
	tx.Status = domain.StatusSuccess
	tx.RefID = "R-1"
	tx.CardPan = "6037****1234"
	tx.VerifiedAt = &now
	tx.UpdatedAt = now

	// 仍是 Pending，从 Processing 终结不生效
	ok, err := repo.Finalize(ctx, tx, domain.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	won, err := repo.TransitionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, won)
	ok, err = repo.Finalize(ctx, tx, domain.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := repo.GetByAuthority(ctx, tx.Authority)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.Equal(t, "R-1", stored.RefID)
	require.NotNil(t, stored.VerifiedAt)
	assert.True(t, now.Equal(*stored.VerifiedAt))

	// 终态只写入一次
	ok, err = repo.Finalize(ctx, tx, domain.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormRepository_ActiveAndStaleQueries(t *testing.T) {
	repo, db := newGormRepo(t)
	ctx := context.Background()
	orderID := uuid.NewString()
	now := time.Now().UTC()

	old := createPending(t, repo, db, orderID, now.Add(-13*time.Hour))
	fresh := createPending(t, repo, db, orderID, now)

	active, err := repo.FindActiveByOrder(ctx, orderID, now)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.ID, active.ID)

	none, err := repo.FindActiveByOrder(ctx, orderID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, none)

	stale, err := repo.ListStale(ctx, []domain.Status{domain.StatusPending}, now.Add(-12*time.Hour), 100000)
	require.NoError(t, err)
	var ids []string
	for _, s := range stale {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, old.ID)
	assert.NotContains(t, ids, fresh.ID)

	_, err = repo.GetByAuthority(ctx, "A-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}
