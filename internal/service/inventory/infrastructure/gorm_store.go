package infrastructure

import (
	"context"
	"time"

	"fulfillment/internal/pkg/persistence"
	"fulfillment/internal/service/inventory/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStockStore 是 domain.StockStore 的 MySQL 实现
type GormStockStore struct {
	db     *gorm.DB
	policy persistence.RetryPolicy
}

func NewGormStockStore(db *gorm.DB) *GormStockStore {
	return &GormStockStore{db: db, policy: persistence.DefaultRetryPolicy}
}

// Migrate 创建库存相关表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&VariantModel{}, &TransactionModel{})
}

func (s *GormStockStore) RunInTx(ctx context.Context, fn func(tx domain.StockTx) error) error {
	return persistence.Transaction(ctx, s.db, s.policy, func(tx *gorm.DB) error {
		return fn(&gormStockTx{db: tx})
	})
}

func (s *GormStockStore) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	var m VariantModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrVariantNotFound
		}
		return nil, errors.Wrapf(err, "get variant %s", id)
	}
	return ToDomainVariant(&m), nil
}

func (s *GormStockStore) CreateVariant(ctx context.Context, v *domain.Variant) error {
	err := s.db.WithContext(ctx).Create(FromDomainVariant(v)).Error
	return errors.Wrapf(persistence.Classify(err), "create variant %s", v.ID)
}

func (s *GormStockStore) ListVariantIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&VariantModel{}).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, errors.Wrap(err, "list variant ids")
}

func (s *GormStockStore) ListTransactions(ctx context.Context, variantID string) ([]*domain.Transaction, error) {
	var models []TransactionModel
	err := s.db.WithContext(ctx).
		Where("variant_id = ?", variantID).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list transactions of %s", variantID)
	}
	return toDomainTransactions(models)
}

func (s *GormStockStore) ExpiredReservationReferences(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var refs []string
	err := s.db.WithContext(ctx).Raw(`
SELECT DISTINCT r.reference_number
FROM inventory_transaction r
WHERE r.kind = ? AND r.is_reversed = FALSE AND r.expires_at IS NOT NULL AND r.expires_at < ?
  AND NOT EXISTS (
    SELECT 1 FROM inventory_transaction s
    WHERE s.reference_number = r.reference_number AND s.kind = ? AND s.is_reversed = FALSE
  )
ORDER BY r.reference_number
LIMIT ?`, domain.KindReservation.String(), now, domain.KindSale.String(), limit).
		Scan(&refs).Error
	return refs, errors.Wrap(err, "find expired reservations")
}

type gormStockTx struct {
	db *gorm.DB
}

func (t *gormStockTx) LockVariant(ctx context.Context, id string) (*domain.Variant, error) {
	var m VariantModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrVariantNotFound
		}
		return nil, errors.Wrapf(err, "lock variant %s", id)
	}
	return ToDomainVariant(&m), nil
}

func (t *gormStockTx) SaveCounters(ctx context.Context, v *domain.Variant) error {
	err := t.db.WithContext(ctx).Model(&VariantModel{}).
		Where("id = ?", v.ID).
		Updates(map[string]interface{}{
			"stock_quantity":    v.StockQuantity,
			"reserved_quantity": v.ReservedQuantity,
			"updated_at":        v.UpdatedAt,
		}).Error
	return errors.Wrapf(err, "save counters of %s", v.ID)
}

func (t *gormStockTx) AppendEntry(ctx context.Context, entry *domain.Transaction) error {
	err := t.db.WithContext(ctx).Create(FromDomainTransaction(entry)).Error
	return errors.Wrapf(err, "append %s entry for %s", entry.Kind, entry.VariantID)
}

func (t *gormStockTx) EntriesByReference(ctx context.Context, ref string, kinds ...domain.Kind) ([]*domain.Transaction, error) {
	var models []TransactionModel
	err := t.db.WithContext(ctx).
		Where("reference_number = ? AND is_reversed = ? AND kind IN ?", ref, false, kindNames(kinds)).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "find entries of %s", ref)
	}
	return toDomainTransactions(models)
}

func (t *gormStockTx) LockEntriesByReference(ctx context.Context, ref string, kinds ...domain.Kind) ([]*domain.Transaction, error) {
	var models []TransactionModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference_number = ? AND is_reversed = ? AND kind IN ?", ref, false, kindNames(kinds)).
		Order("created_at, id").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "lock entries of %s", ref)
	}
	return toDomainTransactions(models)
}

func (t *gormStockTx) MarkReversed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := t.db.WithContext(ctx).Model(&TransactionModel{}).
		Where("id IN ?", ids).
		Update("is_reversed", true).Error
	return errors.Wrap(err, "mark entries reversed")
}

func (t *gormStockTx) LedgerBalance(ctx context.Context, variantID string) (domain.Balance, error) {
	var row struct {
		Stock    int64
		Reserved int64
	}
	err := t.db.WithContext(ctx).Model(&TransactionModel{}).
		Select("COALESCE(SUM(quantity_change), 0) AS stock, COALESCE(SUM(reserved_change), 0) AS reserved").
		Where("variant_id = ? AND is_reversed = ? AND kind IN ?", variantID, false, balanceKinds()).
		Scan(&row).Error
	if err != nil {
		return domain.Balance{}, errors.Wrapf(err, "ledger balance of %s", variantID)
	}
	return domain.Balance{Stock: row.Stock, Reserved: row.Reserved}, nil
}
