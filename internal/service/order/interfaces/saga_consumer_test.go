package interfaces

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      chan kafka.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type dltWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *dltWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type scriptedDispatcher struct {
	mu     sync.Mutex
	errs   map[string]error
	called map[string]int
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, env event.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.called[env.OrderID]++
	return d.errs[env.OrderID]
}

func encoded(t *testing.T, orderID string, offset int64) kafka.Message {
	t.Helper()
	return encodedType(t, event.PaymentSucceeded, orderID, offset)
}

func encodedType(t *testing.T, typ event.Type, orderID string, offset int64) kafka.Message {
	t.Helper()
	env, err := event.New(typ, orderID, nil)
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	return kafka.Message{Topic: "fulfillment-events", Offset: offset, Key: []byte(orderID), Value: raw}
}

func TestSagaConsumerRoutesFailures(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "fulfillment-events", Offset: 1, Value: []byte("not json")},
		encoded(t, "ok", 2),
		encoded(t, "rejected", 3),
		encoded(t, "broken", 4),
		encoded(t, "flaky", 5),
		encodedType(t, event.StockReserved, "observed", 6),
	)
	dispatcher := &scriptedDispatcher{
		errs: map[string]error{
			"rejected": apperr.ErrValidation,
			"broken":   errors.New("unexpected"),
			"flaky":    apperr.ErrTransient,
		},
		called: make(map[string]int),
	}
	dlt := &dltWriter{}
	consumer := NewSagaConsumerAdapter(reader, "fulfillment-events", dispatcher, mq.NewFailureHandler(dlt))
	consumer.maxTries = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return reader.commits() == 6 }, 5*time.Second, 10*time.Millisecond)
	consumer.Stop(ctx)

	dispatcher.mu.Lock()
	assert.Equal(t, 1, dispatcher.called["ok"])
	assert.Equal(t, 1, dispatcher.called["rejected"])
	assert.Equal(t, 1, dispatcher.called["broken"])
	assert.Equal(t, 2, dispatcher.called["flaky"])
	assert.Zero(t, dispatcher.called["observed"])
	dispatcher.mu.Unlock()

	require.Len(t, dlt.msgs, 3)
	offsets := []string{}
	for _, m := range dlt.msgs {
		for _, h := range m.Headers {
			if h.Key == mq.HeaderOriginalOffset {
				offsets = append(offsets, string(h.Value))
			}
		}
	}
	assert.ElementsMatch(t, []string{"1", "4", "5"}, offsets)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, reader.offsets())
}

// gatedDispatcher 记录每个订单的事件顺序，对 blocked 中的订单阻塞直到 release 关闭
type gatedDispatcher struct {
	mu      sync.Mutex
	seen    map[string][]string
	blocked map[string]bool
	release chan struct{}
}

func (d *gatedDispatcher) Dispatch(_ context.Context, env event.Envelope) error {
	d.mu.Lock()
	d.seen[env.OrderID] = append(d.seen[env.OrderID], env.ID)
	block := d.blocked[env.OrderID]
	d.mu.Unlock()
	if block {
		<-d.release
	}
	return nil
}

func (d *gatedDispatcher) count(orderID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen[orderID])
}

func TestSagaConsumerDispatchesOrdersInParallelAndCommitsInOrder(t *testing.T) {
	// "slow" 与 "fast" 落在不同通道
	reader := newFakeReader(
		encoded(t, "slow", 1),
		encoded(t, "fast", 2),
		encoded(t, "fast", 3),
	)
	dispatcher := &gatedDispatcher{
		seen:    make(map[string][]string),
		blocked: map[string]bool{"slow": true},
		release: make(chan struct{}),
	}
	consumer := NewSagaConsumerAdapter(reader, "fulfillment-events", dispatcher, mq.NewFailureHandler(&dltWriter{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))

	require.Eventually(t, func() bool { return dispatcher.count("fast") == 2 }, 5*time.Second, 10*time.Millisecond)
	// slow 未处理完之前，其后的 Offset 不能提交
	assert.Never(t, func() bool { return reader.commits() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(dispatcher.release)
	require.Eventually(t, func() bool { return reader.commits() == 3 }, 5*time.Second, 10*time.Millisecond)
	consumer.Stop(ctx)
	assert.Equal(t, []int64{1, 2, 3}, reader.offsets())
}

func TestSagaConsumerKeepsPerOrderSequence(t *testing.T) {
	var msgs []kafka.Message
	var want []string
	for i := int64(1); i <= 20; i++ {
		m := encoded(t, "o1", i)
		env, err := event.Decode(m.Value)
		require.NoError(t, err)
		want = append(want, env.ID)
		msgs = append(msgs, m)
	}
	reader := newFakeReader(msgs...)
	dispatcher := &gatedDispatcher{seen: make(map[string][]string), release: make(chan struct{})}
	consumer := NewSagaConsumerAdapter(reader, "fulfillment-events", dispatcher, mq.NewFailureHandler(&dltWriter{}))
	consumer.SetConcurrency(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return reader.commits() == 20 }, 5*time.Second, 10*time.Millisecond)
	consumer.Stop(ctx)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Equal(t, want, dispatcher.seen["o1"])
}
