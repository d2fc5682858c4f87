// internal/service/inventory/domain/repository.go
package domain

import (
	"context"
	"time"
)

// StockStore 是库存存储的工作单元入口
type StockStore interface {
	// RunInTx 在一个存储事务中执行 fn，fn 返回错误则回滚；瞬时故障时整体重试
	RunInTx(ctx context.Context, fn func(tx StockTx) error) error

	GetVariant(ctx context.Context, id string) (*Variant, error)
	CreateVariant(ctx context.Context, v *Variant) error
	ListVariantIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListTransactions(ctx context.Context, variantID string) ([]*Transaction, error)
	// ExpiredReservationReferences 返回存在已过期有效预占、且尚未形成销售的引用号
	ExpiredReservationReferences(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// StockTx 只在 RunInTx 内有效
type StockTx interface {
	// LockVariant 对行加排他锁（SELECT ... FOR UPDATE），锁持续到事务结束
	LockVariant(ctx context.Context, id string) (*Variant, error)
	SaveCounters(ctx context.Context, v *Variant) error
	AppendEntry(ctx context.Context, t *Transaction) error
	// EntriesByReference 非锁定读取引用号下未冲销的指定类型流水
	EntriesByReference(ctx context.Context, ref string, kinds ...Kind) ([]*Transaction, error)
	// LockEntriesByReference 锁定并返回引用号下未冲销的指定类型流水
	LockEntriesByReference(ctx context.Context, ref string, kinds ...Kind) ([]*Transaction, error)
	MarkReversed(ctx context.Context, ids []string) error
	// LedgerBalance 按账本规则汇总某个 variant 的余额
	LedgerBalance(ctx context.Context, variantID string) (Balance, error)
}
