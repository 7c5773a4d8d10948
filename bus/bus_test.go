package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/bus"
	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/id"
)

func TestMemoryBus_PublishFanOut(t *testing.T) {
	b := bus.NewMemoryBus()

	var gotA, gotB bus.Event
	_, err := b.Register(bus.SubscriberFunc(func(_ context.Context, e bus.Event) error {
		gotA = e
		return nil
	}))
	require.NoError(t, err)
	_, err = b.Register(bus.SubscriberFunc(func(_ context.Context, e bus.Event) error {
		gotB = e
		return nil
	}))
	require.NoError(t, err)

	actorID := id.NewActorID()
	evt := bus.Event{Type: bus.EventActorError, ActorID: actorID, Err: errors.New("boom")}
	require.NoError(t, b.Publish(context.Background(), evt))

	assert.Equal(t, bus.EventActorError, gotA.Type)
	assert.Equal(t, actorID, gotA.ActorID)
	assert.Equal(t, bus.EventActorError, gotB.Type)
}

func TestMemoryBus_UnregisterStopsDelivery(t *testing.T) {
	b := bus.NewMemoryBus()
	calls := 0
	sub, err := b.Register(bus.SubscriberFunc(func(_ context.Context, _ bus.Event) error {
		calls++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.Event{Type: bus.EventShuttingDown}))
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(context.Background(), bus.Event{Type: bus.EventShuttingDown}))

	assert.Equal(t, 1, calls)
}

func TestMemoryBus_CollectsFirstSubscriberError(t *testing.T) {
	b := bus.NewMemoryBus()
	boom := errors.New("boom")
	_, err := b.Register(bus.SubscriberFunc(func(context.Context, bus.Event) error { return boom }))
	require.NoError(t, err)
	secondCalled := false
	_, err = b.Register(bus.SubscriberFunc(func(context.Context, bus.Event) error {
		secondCalled = true
		return nil
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), bus.Event{Type: bus.EventActorRuntimeError})
	assert.ErrorIs(t, err, boom)
	assert.True(t, secondCalled, "publish must still reach every subscriber")
}

func TestMemoryBus_RegisterRejectsNil(t *testing.T) {
	b := bus.NewMemoryBus()
	_, err := b.Register(nil)
	assert.Error(t, err)
}

func TestChainBus_PublishesNewEvent(t *testing.T) {
	b := bus.NewMemoryBus()
	actorID := id.NewActorID()

	received := make(chan bus.Event, 1)
	_, err := b.Register(bus.SubscriberFunc(func(_ context.Context, e bus.Event) error {
		received <- e
		return nil
	}))
	require.NoError(t, err)

	cb := bus.NewChainBus(b, nil)
	c := chain.New(actorID, cb)
	_, err = c.Append(context.Background(), chain.Data{EventType: "wasm.WasmCall", Data: []byte("x")})
	require.NoError(t, err)

	e := <-received
	assert.Equal(t, bus.EventNewEvent, e.Type)
	assert.Equal(t, actorID, e.ActorID)
	assert.Equal(t, "wasm.WasmCall", e.Chain.EventType)
}
