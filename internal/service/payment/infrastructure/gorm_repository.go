package infrastructure

import (
	"context"
	"time"

	"fulfillment/internal/pkg/persistence"
	"fulfillment/internal/service/payment/domain"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionModel 对应 payment_transaction 表
type TransactionModel struct {
	ID             string          `gorm:"primaryKey;size:36"`
	OrderID        string          `gorm:"size:64;index:idx_payment_order"`
	Authority      string          `gorm:"size:128;uniqueIndex"`
	PaymentURL     string          `gorm:"size:512"`
	Status         string          `gorm:"size:16;index:idx_payment_status_updated,priority:1"`
	RefID          string          `gorm:"size:128"`
	CardPan        string          `gorm:"size:32"`
	Fee            decimal.Decimal `gorm:"type:decimal(18,2)"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,2)"`
	Description    string          `gorm:"size:255"`
	IdempotencyKey string          `gorm:"size:128;index"`
	ExpiresAt      time.Time
	VerifiedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index:idx_payment_status_updated,priority:2"`
}

func (TransactionModel) TableName() string {
	return "payment_transaction"
}

func toModel(t *domain.Transaction) *TransactionModel {
	return &TransactionModel{
		ID: t.ID, OrderID: t.OrderID, Authority: t.Authority, PaymentURL: t.PaymentURL,
		Status: string(t.Status), RefID: t.RefID, CardPan: t.CardPan, Fee: t.Fee, Amount: t.Amount,
		Description: t.Description, IdempotencyKey: t.IdempotencyKey, ExpiresAt: t.ExpiresAt,
		VerifiedAt: t.VerifiedAt, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func toDomain(m *TransactionModel) *domain.Transaction {
	return &domain.Transaction{
		ID: m.ID, OrderID: m.OrderID, Authority: m.Authority, PaymentURL: m.PaymentURL,
		Status: domain.Status(m.Status), RefID: m.RefID, CardPan: m.CardPan, Fee: m.Fee, Amount: m.Amount,
		Description: m.Description, IdempotencyKey: m.IdempotencyKey, ExpiresAt: m.ExpiresAt,
		VerifiedAt: m.VerifiedAt, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

// GormRepository 是 domain.Repository 的 MySQL 实现
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&TransactionModel{})
}

func (r *GormRepository) Create(ctx context.Context, t *domain.Transaction) error {
	err := persistence.Retry(ctx, persistence.DefaultRetryPolicy, func() error {
		return r.db.WithContext(ctx).Create(toModel(t)).Error
	})
	return errors.Wrapf(err, "create payment transaction for order %s", t.OrderID)
}

func (r *GormRepository) GetByAuthority(ctx context.Context, authority string) (*domain.Transaction, error) {
	var m TransactionModel
	if err := r.db.WithContext(ctx).Where("authority = ?", authority).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, errors.Wrapf(err, "get payment %s", authority)
	}
	return toDomain(&m), nil
}

func (r *GormRepository) FindActiveByOrder(ctx context.Context, orderID string, now time.Time) (*domain.Transaction, error) {
	var m TransactionModel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ? AND expires_at > ?", orderID,
			[]string{string(domain.StatusPending), string(domain.StatusProcessing)}, now).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find active payment of order %s", orderID)
	}
	return toDomain(&m), nil
}

func (r *GormRepository) TransitionStatus(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	var affected int64
	err := persistence.Retry(ctx, persistence.DefaultRetryPolicy, func() error {
		res := r.db.WithContext(ctx).Model(&TransactionModel{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(map[string]interface{}{"status": string(to), "updated_at": time.Now().UTC()})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, errors.Wrapf(err, "transition payment %s %s->%s", id, from, to)
	}
	return affected == 1, nil
}

func (r *GormRepository) Finalize(ctx context.Context, t *domain.Transaction, from domain.Status) (bool, error) {
	var affected int64
	err := persistence.Retry(ctx, persistence.DefaultRetryPolicy, func() error {
		res := r.db.WithContext(ctx).Model(&TransactionModel{}).
			Where("id = ? AND status = ?", t.ID, string(from)).
			Updates(map[string]interface{}{
				"status":      string(t.Status),
				"ref_id":      t.RefID,
				"card_pan":    t.CardPan,
				"fee":         t.Fee,
				"verified_at": t.VerifiedAt,
				"updated_at":  t.UpdatedAt,
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, errors.Wrapf(err, "finalize payment %s", t.ID)
	}
	return affected == 1, nil
}

func (r *GormRepository) ListStale(ctx context.Context, statuses []domain.Status, before time.Time, limit int) ([]*domain.Transaction, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	var models []TransactionModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", names, before).
		Order("updated_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stale payments")
	}
	out := make([]*domain.Transaction, 0, len(models))
	for i := range models {
		out = append(out, toDomain(&models[i]))
	}
	return out, nil
}
