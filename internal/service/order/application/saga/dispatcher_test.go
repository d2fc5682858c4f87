package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/pkg/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderingApplier 记录每个订单的处理顺序，并检测同一订单的并发处理
type orderingApplier struct {
	mu       sync.Mutex
	seen     map[string][]string
	inFlight map[string]bool
	overlap  bool
	fail     string
}

func newOrderingApplier() *orderingApplier {
	return &orderingApplier{seen: make(map[string][]string), inFlight: make(map[string]bool)}
}

func (a *orderingApplier) Apply(_ context.Context, env event.Envelope) error {
	a.mu.Lock()
	if a.inFlight[env.OrderID] {
		a.overlap = true
	}
	a.inFlight[env.OrderID] = true
	a.mu.Unlock()

	time.Sleep(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight[env.OrderID] = false
	a.seen[env.OrderID] = append(a.seen[env.OrderID], env.ID)
	if env.ID == a.fail {
		return errors.New("boom")
	}
	return nil
}

func TestDispatcherSerializesPerOrder(t *testing.T) {
	applier := newOrderingApplier()
	d := NewDispatcher(applier, 4)
	defer d.Stop()

	ctx := context.Background()
	want := make(map[string][]string)
	for i := 0; i < 20; i++ {
		orderID := fmt.Sprintf("o%d", i%5)
		id := fmt.Sprintf("e%d", i)
		want[orderID] = append(want[orderID], id)
		d.Handle(ctx, event.Envelope{ID: id, Type: event.OrderCreated, OrderID: orderID})
	}
	d.Wait()

	applier.mu.Lock()
	defer applier.mu.Unlock()
	assert.False(t, applier.overlap)
	assert.Equal(t, want, applier.seen)
}

func TestDispatcherDispatchReturnsError(t *testing.T) {
	applier := newOrderingApplier()
	applier.fail = "bad"
	d := NewDispatcher(applier, 2)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, event.Envelope{ID: "good", Type: event.OrderCreated, OrderID: "o1"}))
	assert.EqualError(t, d.Dispatch(ctx, event.Envelope{ID: "bad", Type: event.OrderCreated, OrderID: "o1"}), "boom")

	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Dispatch(ctx, event.Envelope{ID: "late", OrderID: "o1"}), ErrDispatcherStopped)
}
