package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsUnknownType(t *testing.T) {
	env, err := New(PaymentSucceeded, "o1", PaymentPayload{TransactionID: "t1", Amount: "10.00"})
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "o1", got.OrderID)

	_, err = Decode([]byte(`{"id":"x","type":"OrderShipped"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":"OrderCreated"}`))
	assert.Error(t, err)
}

func TestDrivesSaga(t *testing.T) {
	assert.True(t, OrderExpired.DrivesSaga())
	assert.True(t, PaymentSucceeded.DrivesSaga())
	assert.False(t, StockReserved.DrivesSaga())
	assert.False(t, Type("OrderShipped").DrivesSaga())
}

func TestChannelBusDeliversSubscribedTypesInOrder(t *testing.T) {
	bus := NewChannelBus(8)
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []Type
	)
	bus.Subscribe(HandlerFunc(func(_ context.Context, env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.Type)
	}), PaymentSucceeded, OrderExpired)

	ctx := context.Background()
	for _, typ := range []Type{OrderExpired, StockReserved, PaymentSucceeded} {
		env, err := New(typ, "o1", nil)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, env))
	}
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Type{OrderExpired, PaymentSucceeded}, got)
}
