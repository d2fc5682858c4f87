package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/service/order/domain"
)

// MemoryRepository 是进程内的订单仓储，用于单机运行和测试
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	byKey  map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]domain.Order), byKey: make(map[string]string)}
}

func (r *MemoryRepository) Create(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[o.IdempotencyKey]; ok {
		return domain.ErrDuplicateOrder
	}
	r.orders[o.ID] = clone(o)
	r.byKey[o.IdempotencyKey] = o.ID
	return nil
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	c := clone(&o)
	return &c, nil
}

func (r *MemoryRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	r.mu.Lock()
	id, ok := r.byKey[key]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *MemoryRepository) Update(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return domain.ErrStaleOrder
	}
	o.Version++
	r.orders[o.ID] = clone(o)
	return nil
}

func (r *MemoryRepository) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.Status == domain.StatusPending && o.CreatedAt.Before(createdBefore) {
			c := clone(&o)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(o *domain.Order) domain.Order {
	c := *o
	c.Items = append([]domain.Item(nil), o.Items...)
	return c
}

// MemoryInbox 是进程内的 port.Inbox
type MemoryInbox struct {
	mu   sync.Mutex
	seen map[[2]string]struct{}
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{seen: make(map[[2]string]struct{})}
}

func (i *MemoryInbox) Seen(_ context.Context, eventID, handler string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[[2]string{eventID, handler}]
	return ok, nil
}

func (i *MemoryInbox) Mark(_ context.Context, eventID, handler string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[[2]string{eventID, handler}] = struct{}{}
	return nil
}
