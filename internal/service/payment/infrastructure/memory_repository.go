package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/service/payment/domain"
)

// MemoryRepository 进程内实现，用于测试与单机运行
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.Transaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.Transaction)}
}

func (r *MemoryRepository) Create(_ context.Context, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Authority == t.Authority {
			return apperr.ErrDuplicate
		}
	}
	cp := *t
	r.byID[t.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetByAuthority(_ context.Context, authority string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		if t.Authority == authority {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *MemoryRepository) FindActiveByOrder(_ context.Context, orderID string, now time.Time) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Transaction
	for _, t := range r.byID {
		if t.OrderID == orderID && t.Active(now) && (found == nil || t.CreatedAt.After(found.CreatedAt)) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id string, from, to domain.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) Finalize(_ context.Context, t *domain.Transaction, from domain.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[t.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = t.Status
	cur.RefID = t.RefID
	cur.CardPan = t.CardPan
	cur.Fee = t.Fee
	cur.VerifiedAt = t.VerifiedAt
	cur.UpdatedAt = t.UpdatedAt
	return true, nil
}

func (r *MemoryRepository) ListStale(_ context.Context, statuses []domain.Status, before time.Time, limit int) ([]*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Transaction
	for _, t := range r.byID {
		if want[t.Status] && t.UpdatedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
