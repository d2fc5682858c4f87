package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/service/inventory/domain"
)

// MemoryStockStore 是进程内实现：事务串行执行，写入在提交时一次性生效
type MemoryStockStore struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	variants map[string]*domain.Variant
	entries  []*domain.Transaction
}

func NewMemoryStockStore() *MemoryStockStore {
	return &MemoryStockStore{variants: make(map[string]*domain.Variant)}
}

func (s *MemoryStockStore) RunInTx(ctx context.Context, fn func(tx domain.StockTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryStockTx{
		store:    s,
		variants: make(map[string]*domain.Variant),
		reversed: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range tx.variants {
		cp := *v
		s.variants[id] = &cp
	}
	for _, e := range s.entries {
		if tx.reversed[e.ID] {
			e.IsReversed = true
		}
	}
	s.entries = append(s.entries, tx.appended...)
	return nil
}

func (s *MemoryStockStore) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStockStore) CreateVariant(_ context.Context, v *domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.variants[v.ID]; exists {
		return apperr.ErrDuplicate
	}
	cp := *v
	s.variants[v.ID] = &cp
	return nil
}

func (s *MemoryStockStore) ListVariantIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.variants))
	for id := range s.variants {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStockStore) ListTransactions(_ context.Context, variantID string) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Transaction
	for _, e := range s.entries {
		if e.VariantID == variantID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStockStore) ExpiredReservationReferences(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make(map[string]bool)
	sold := make(map[string]bool)
	for _, e := range s.entries {
		if e.IsReversed {
			continue
		}
		switch e.Kind {
		case domain.KindReservation:
			if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
				expired[e.ReferenceNumber] = true
			}
		case domain.KindSale:
			sold[e.ReferenceNumber] = true
		}
	}
	var refs []string
	for ref := range expired {
		if !sold[ref] {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

type memoryStockTx struct {
	store    *MemoryStockStore
	variants map[string]*domain.Variant
	appended []*domain.Transaction
	reversed map[string]bool
}

func (t *memoryStockTx) LockVariant(_ context.Context, id string) (*domain.Variant, error) {
	if v, ok := t.variants[id]; ok {
		cp := *v
		return &cp, nil
	}
	t.store.mu.RLock()
	v, ok := t.store.variants[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	cp := *v
	t.variants[id] = &cp
	out := cp
	return &out, nil
}

func (t *memoryStockTx) SaveCounters(_ context.Context, v *domain.Variant) error {
	cp := *v
	t.variants[v.ID] = &cp
	return nil
}

func (t *memoryStockTx) AppendEntry(_ context.Context, e *domain.Transaction) error {
	cp := *e
	t.appended = append(t.appended, &cp)
	return nil
}

// all 返回已提交与本事务追加的流水视图（应用本事务的冲销标记）
func (t *memoryStockTx) all() []*domain.Transaction {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := make([]*domain.Transaction, 0, len(t.store.entries)+len(t.appended))
	for _, e := range append(append([]*domain.Transaction{}, t.store.entries...), t.appended...) {
		cp := *e
		if t.reversed[cp.ID] {
			cp.IsReversed = true
		}
		out = append(out, &cp)
	}
	return out
}

func (t *memoryStockTx) EntriesByReference(ctx context.Context, ref string, kinds ...domain.Kind) ([]*domain.Transaction, error) {
	return t.LockEntriesByReference(ctx, ref, kinds...)
}

func (t *memoryStockTx) LockEntriesByReference(_ context.Context, ref string, kinds ...domain.Kind) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, e := range t.all() {
		if e.ReferenceNumber != ref || e.IsReversed {
			continue
		}
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (t *memoryStockTx) MarkReversed(_ context.Context, ids []string) error {
	for _, id := range ids {
		t.reversed[id] = true
	}
	for _, e := range t.appended {
		if t.reversed[e.ID] {
			e.IsReversed = true
		}
	}
	return nil
}

func (t *memoryStockTx) LedgerBalance(_ context.Context, variantID string) (domain.Balance, error) {
	var b domain.Balance
	for _, e := range t.all() {
		if e.VariantID == variantID {
			b.Add(e)
		}
	}
	return b, nil
}
