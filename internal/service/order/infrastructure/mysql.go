package infrastructure

import (
	"context"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/persistence"
	"fulfillment/internal/service/order/domain"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderModel 对应 orders 表，Version 用于乐观锁
type OrderModel struct {
	ID             string          `gorm:"primaryKey;size:36"`
	UserID         string          `gorm:"size:64;index"`
	Status         string          `gorm:"size:32;index:idx_order_status_created,priority:1"`
	PaymentStatus  string          `gorm:"size:16"`
	IdempotencyKey string          `gorm:"size:128;uniqueIndex"`
	Total          decimal.Decimal `gorm:"type:decimal(18,2)"`
	CancelReason   string          `gorm:"size:255"`
	ExpiresAt      time.Time
	Version        int64
	CreatedAt      time.Time `gorm:"index:idx_order_status_created,priority:2"`
	UpdatedAt      time.Time
	Items          []OrderItemModel `gorm:"foreignKey:OrderID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

type OrderItemModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OrderID   string `gorm:"size:36;index"`
	VariantID string `gorm:"size:64"`
	Quantity  int64
	UnitPrice decimal.Decimal `gorm:"type:decimal(18,2)"`
}

func (OrderItemModel) TableName() string {
	return "order_item"
}

// HandledEventModel 是 saga 的消费端去重表
type HandledEventModel struct {
	EventID   string `gorm:"primaryKey;size:64"`
	Handler   string `gorm:"primaryKey;size:64"`
	HandledAt time.Time
}

func (HandledEventModel) TableName() string {
	return "handled_event"
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&OrderModel{}, &OrderItemModel{}, &HandledEventModel{})
}

func toOrderModel(o *domain.Order) *OrderModel {
	items := make([]OrderItemModel, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemModel{ID: it.ID, OrderID: o.ID, VariantID: it.VariantID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return &OrderModel{
		ID: o.ID, UserID: o.UserID, Status: string(o.Status), PaymentStatus: string(o.PaymentStatus),
		IdempotencyKey: o.IdempotencyKey, Total: o.Total, CancelReason: o.CancelReason,
		ExpiresAt: o.ExpiresAt, Version: o.Version, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
		Items: items,
	}
}

func toOrder(m *OrderModel) *domain.Order {
	items := make([]domain.Item, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, domain.Item{ID: it.ID, VariantID: it.VariantID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return &domain.Order{
		ID: m.ID, UserID: m.UserID, Status: domain.Status(m.Status), PaymentStatus: domain.PaymentStatus(m.PaymentStatus),
		IdempotencyKey: m.IdempotencyKey, Items: items, Total: m.Total, CancelReason: m.CancelReason,
		ExpiresAt: m.ExpiresAt, Version: m.Version, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

// MysqlRepository 是 domain.OrderRepository 的 gorm 实现
type MysqlRepository struct {
	db *gorm.DB
}

func NewMysqlRepository(db *gorm.DB) *MysqlRepository {
	return &MysqlRepository{db: db}
}

func (r *MysqlRepository) Create(ctx context.Context, o *domain.Order) error {
	m := toOrderModel(o)
	err := persistence.Transaction(ctx, r.db, persistence.DefaultRetryPolicy, func(tx *gorm.DB) error {
		return tx.Create(m).Error
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		return domain.ErrDuplicateOrder
	}
	return errors.Wrapf(err, "create order %s", o.ID)
}

func (r *MysqlRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *MysqlRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return r.findOne(ctx, "idempotency_key = ?", key)
}

func (r *MysqlRepository) findOne(ctx context.Context, query string, arg string) (*domain.Order, error) {
	var m OrderModel
	err := r.db.WithContext(ctx).Preload("Items").Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find order by %s", arg)
	}
	return toOrder(&m), nil
}

func (r *MysqlRepository) Update(ctx context.Context, o *domain.Order) error {
	var affected int64
	err := persistence.Retry(ctx, persistence.DefaultRetryPolicy, func() error {
		res := r.db.WithContext(ctx).Model(&OrderModel{}).
			Where("id = ? AND version = ?", o.ID, o.Version).
			Updates(map[string]interface{}{
				"status":         string(o.Status),
				"payment_status": string(o.PaymentStatus),
				"cancel_reason":  o.CancelReason,
				"updated_at":     o.UpdatedAt,
				"version":        o.Version + 1,
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return errors.Wrapf(err, "update order %s", o.ID)
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrStaleOrder, "update order %s at version %d", o.ID, o.Version)
	}
	o.Version++
	return nil
}

// ListPending 返回创建时间早于 createdBefore 仍为 Pending 的订单，按创建时间升序
func (r *MysqlRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).Preload("Items").
		Where("status = ? AND created_at < ?", string(domain.StatusPending), createdBefore).
		Order("created_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list pending orders")
	}
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		out = append(out, toOrder(&models[i]))
	}
	return out, nil
}

// MysqlInbox 是 port.Inbox 的 gorm 实现
type MysqlInbox struct {
	db *gorm.DB
}

func NewMysqlInbox(db *gorm.DB) *MysqlInbox {
	return &MysqlInbox{db: db}
}

func (i *MysqlInbox) Seen(ctx context.Context, eventID, handler string) (bool, error) {
	var n int64
	err := i.db.WithContext(ctx).Model(&HandledEventModel{}).
		Where("event_id = ? AND handler = ?", eventID, handler).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrapf(err, "check handled event %s", eventID)
	}
	return n > 0, nil
}

func (i *MysqlInbox) Mark(ctx context.Context, eventID, handler string) error {
	err := persistence.Retry(ctx, persistence.DefaultRetryPolicy, func() error {
		return i.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&HandledEventModel{EventID: eventID, Handler: handler, HandledAt: time.Now().UTC()}).Error
	})
	return errors.Wrapf(err, "mark handled event %s", eventID)
}
