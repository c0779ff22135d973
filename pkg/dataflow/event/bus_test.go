package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
)

func TestBus_SubscribeByType(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})

	var outputs, all atomic.Int32
	bus.Subscribe([]event.Type{event.Output}, func(context.Context, event.Lifecycle) error {
		outputs.Add(1)
		return nil
	})
	bus.SubscribeAll(func(context.Context, event.Lifecycle) error {
		all.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, event.New(event.Output, []int{0})))
	require.NoError(t, bus.Publish(ctx, event.New(event.NodeStart, []int{1})))
	require.NoError(t, bus.Emit(ctx, event.New(event.Output, []int{2})))

	require.NoError(t, bus.Close())
	assert.Equal(t, int32(2), outputs.Load())
	assert.Equal(t, int32(3), all.Load())
}

func TestBus_PreservesOrderPerSubscription(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 100})

	var mu sync.Mutex
	var got []int
	bus.SubscribeAll(func(_ context.Context, evt event.Lifecycle) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Path[0])
		return nil
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(context.Background(), event.New(event.NodeEnd, []int{i})))
	}
	require.NoError(t, bus.Close())

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBus_PauseResume(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})

	var received atomic.Int32
	sub := bus.SubscribeAll(func(context.Context, event.Lifecycle) error {
		received.Add(1)
		return nil
	})

	sub.Pause()
	assert.True(t, sub.IsPaused())
	require.NoError(t, bus.Publish(context.Background(), event.New(event.Skip, nil)))

	sub.Resume()
	assert.False(t, sub.IsPaused())
	require.NoError(t, bus.Publish(context.Background(), event.New(event.Skip, nil)))

	require.NoError(t, bus.Close())
	assert.Equal(t, int32(1), received.Load())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := event.NewBus(event.BusConfig{BufferSize: 10})
	defer bus.Close()

	var received atomic.Int32
	sub := bus.SubscribeAll(func(context.Context, event.Lifecycle) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), event.New(event.End, nil)))
	assert.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), event.New(event.End, nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestBus_OnError(t *testing.T) {
	var failures atomic.Int32
	bus := event.NewBus(event.BusConfig{
		OnError: func(evt event.Lifecycle, _ string, err error) {
			failures.Add(1)
		},
	})

	bus.SubscribeAll(func(context.Context, event.Lifecycle) error {
		return errors.New("handler failed")
	})
	require.NoError(t, bus.Publish(context.Background(), event.New(event.Error, nil)))
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(1), failures.Load())
}

func TestBus_NonBlockingDrops(t *testing.T) {
	release := make(chan struct{})
	var dropped atomic.Int32
	bus := event.NewBus(event.BusConfig{
		BufferSize:  1,
		NonBlocking: true,
		OnDrop: func(event.Lifecycle, string) {
			dropped.Add(1)
		},
	})

	bus.SubscribeAll(func(context.Context, event.Lifecycle) error {
		<-release
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), event.New(event.NodeStart, nil)))
	}
	close(release)
	require.NoError(t, bus.Close())

	// One event can be in the handler and one in the buffer; the rest drop.
	assert.GreaterOrEqual(t, dropped.Load(), int32(8))
}

func TestBus_Closed(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "closing twice is a no-op")

	err := bus.Publish(context.Background(), event.New(event.End, nil))
	assert.ErrorIs(t, err, event.ErrBusClosed)
	assert.Nil(t, bus.SubscribeAll(func(context.Context, event.Lifecycle) error { return nil }))
}
