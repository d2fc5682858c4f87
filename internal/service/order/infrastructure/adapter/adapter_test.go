package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/mq"
	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	invhttp "fulfillment/internal/service/inventory/interfaces"
	"fulfillment/internal/service/order/domain"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, events ...event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestSchedulerKafkaAdapter(t *testing.T) {
	w := &recordingWriter{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, NewSchedulerKafkaAdapter(w, "fulfillment-events").ScheduleOrderExpiry(context.Background(), "o1", at))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "o1", string(msg.Key))
	assert.Equal(t, "fulfillment-events", mq.Header(msg.Headers, mq.HeaderRealTopic))
	assert.Equal(t, "2026-01-02T03:04:05Z", mq.Header(msg.Headers, mq.HeaderDelayTimestamp))

	env, err := event.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, event.OrderExpired, env.Type)
	assert.Equal(t, "o1", env.OrderID)
}

func TestSchedulerTimerAdapter(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewSchedulerTimerAdapter(pub)

	require.NoError(t, s.ScheduleOrderExpiry(context.Background(), "o1", time.Now().Add(10*time.Millisecond)))
	require.NoError(t, s.ScheduleOrderExpiry(context.Background(), "o2", time.Now().Add(time.Hour)))

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	s.Stop()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, event.OrderExpired, pub.events[0].Type)
	assert.Equal(t, "o1", pub.events[0].OrderID)
}

func TestNotificationKafkaAdapter(t *testing.T) {
	w := &recordingWriter{}
	o := &domain.Order{ID: "o1", UserID: "u1", Total: decimal.RequireFromString("12.5"), CancelReason: "out of stock"}

	require.NoError(t, NewNotificationKafkaAdapter(w).SendCancelled(context.Background(), o))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))

	var ev domain.NotificationEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, domain.NotifyCancelled, ev.Kind)
	assert.Equal(t, "12.50", ev.Total)
	assert.Equal(t, "out of stock", ev.Reason)
}

func TestInventoryHTTPAdapter(t *testing.T) {
	ctx := context.Background()
	svc := invapp.NewInventoryService(invinfra.NewMemoryStockStore())
	require.NoError(t, svc.CreateVariant(ctx, &invdomain.Variant{ID: "v1"}, 5))

	mux := http.NewServeMux()
	invhttp.NewInventoryHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewInventoryHTTPAdapter(httpclient.NewClient(otel.Tracer("test")), srv.URL+"/")
	expires := time.Now().Add(15 * time.Minute)

	require.NoError(t, a.ReserveItem(ctx, "o1", "u1", domain.Item{ID: "i1", VariantID: "v1", Quantity: 4}, expires))
	err := a.ReserveItem(ctx, "o2", "u1", domain.Item{ID: "i2", VariantID: "v1", Quantity: 2}, expires)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	require.NoError(t, a.CommitOrder(ctx, "o1"))
	snap, err := svc.GetAvailability(ctx, "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Available)

	require.NoError(t, a.ReleaseOrder(ctx, "o2"))
	err = a.ReserveItem(ctx, "o3", "u1", domain.Item{ID: "i3", VariantID: "missing", Quantity: 1}, expires)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
