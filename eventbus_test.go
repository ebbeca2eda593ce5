package jobsched_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	js "github.com/azargarov/jobsched"
)

func TestEventBusNoSubscribers(t *testing.T) {
	bus := js.NewEventBus()
	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), js.WorkItemEnqueued{ID: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without subscribers")
	}
	require.Zero(t, bus.Delivered())
	require.Zero(t, bus.Failed())

	// a nil bus is a valid no-op publisher
	var nilBus *js.EventBus
	nilBus.Publish(context.Background(), js.WorkItemEnqueued{})
}

func TestEventBusDeliversByTopic(t *testing.T) {
	bus := js.NewEventBus()

	var enq, started atomic.Int32
	bus.Subscribe(js.TopicWorkItemEnqueued, func(_ context.Context, ev js.Event) error {
		if _, ok := ev.(js.WorkItemEnqueued); !ok {
			return errors.New("wrong event type")
		}
		enq.Add(1)
		return nil
	})
	js.SubscribeFunc(bus, func(_ context.Context, ev js.WorkItemStarted) error {
		started.Add(1)
		return nil
	})

	bus.Publish(context.Background(), js.WorkItemEnqueued{ID: "a"})
	bus.Publish(context.Background(), js.WorkItemEnqueued{ID: "b"})
	bus.Publish(context.Background(), js.WorkItemStarted{ID: "a", Attempt: 1})

	require.EqualValues(t, 2, enq.Load())
	require.EqualValues(t, 1, started.Load())
	require.EqualValues(t, 3, bus.Delivered())
}

func TestEventBusHandlerIsolation(t *testing.T) {
	tests := []struct {
		name    string
		handler js.Handler
	}{
		{"error", func(context.Context, js.Event) error { return errors.New("handler broke") }},
		{"panic", func(context.Context, js.Event) error { panic("handler panicked") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bus := js.NewEventBus()
			var healthy atomic.Int32
			bus.Subscribe(js.TopicWorkItemCompleted, tc.handler)
			bus.Subscribe(js.TopicWorkItemCompleted, func(context.Context, js.Event) error {
				healthy.Add(1)
				return nil
			})

			require.NotPanics(t, func() {
				bus.Publish(context.Background(), js.WorkItemCompleted{ID: "x"})
			})
			require.EqualValues(t, 1, healthy.Load())
			require.EqualValues(t, 1, bus.Delivered())
			require.EqualValues(t, 1, bus.Failed())
		})
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := js.NewEventBus()
	var calls atomic.Int32
	sub := bus.Subscribe(js.TopicWorkItemRetrying, func(context.Context, js.Event) error {
		calls.Add(1)
		return nil
	})
	require.Equal(t, js.TopicWorkItemRetrying, sub.Topic())
	require.Equal(t, 1, bus.HandlerCount(js.TopicWorkItemRetrying))

	bus.Publish(context.Background(), js.WorkItemRetrying{ID: "x"})
	require.True(t, bus.Unsubscribe(sub))
	require.False(t, bus.Unsubscribe(sub))
	bus.Publish(context.Background(), js.WorkItemRetrying{ID: "x"})

	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, bus.HandlerCount(js.TopicWorkItemRetrying))
}

func TestEventBusUnsubscribeDuringPublish(t *testing.T) {
	bus := js.NewEventBus()
	var sub js.Subscription
	var calls atomic.Int32
	sub = bus.Subscribe(js.TopicServiceHealthChanged, func(context.Context, js.Event) error {
		calls.Add(1)
		bus.Unsubscribe(sub)
		return nil
	})

	bus.Publish(context.Background(), js.ServiceHealthChanged{ServiceName: "s"})
	bus.Publish(context.Background(), js.ServiceHealthChanged{ServiceName: "s"})
	require.EqualValues(t, 1, calls.Load())
}
