package jobsched

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/sync/errgroup"
)

// Handler receives events of one topic.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

func (s Subscription) Topic() string { return s.topic }

type subscriber struct {
	id uint64
	fn Handler
}

// EventBus is an in-process publish/subscribe router.
//
// Delivery is best-effort: no persistence, no retries. Each handler runs
// in its own goroutine and its error or panic is logged and counted
// without reaching the publisher or the other handlers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextID   uint64

	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string][]subscriber)}
}

// Subscribe registers h for topic.
func (b *EventBus) Subscribe(topic string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := subscriber{id: b.nextID, fn: h}
	// copy-on-write: a publish holding the old slice is unaffected
	list := slices.Clone(b.handlers[topic])
	b.handlers[topic] = append(list, s)
	return Subscription{topic: topic, id: s.id}
}

// SubscribeFunc registers fn for events of exactly type E. E must be a
// value type whose Topic method does not depend on its fields.
func SubscribeFunc[E Event](b *EventBus, fn func(ctx context.Context, ev E) error) Subscription {
	var zero E
	return b.Subscribe(zero.Topic(), func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return nil
		}
		return fn(ctx, e)
	})
}

// Unsubscribe removes the handler. It reports whether it was registered.
func (b *EventBus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.topic]
	i := slices.IndexFunc(list, func(s subscriber) bool { return s.id == sub.id })
	if i < 0 {
		return false
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(b.handlers, sub.topic)
	} else {
		b.handlers[sub.topic] = list
	}
	return true
}

// HandlerCount returns the number of handlers registered for topic.
func (b *EventBus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Publish delivers ev to every handler of its topic concurrently and
// returns when all of them have returned. No subscribers is a no-op.
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	subs := b.handlers[ev.Topic()]
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	var g errgroup.Group
	for _, s := range subs {
		g.Go(func() error {
			b.deliver(ctx, s, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *EventBus) deliver(ctx context.Context, s subscriber, ev Event) {
	logger := lg.FromContext(ctx).With(lg.String("topic", ev.Topic()))
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			logger.Error("event handler panicked", lg.Any("panic", r))
		}
	}()
	if err := s.fn(ctx, ev); err != nil {
		b.failed.Add(1)
		logger.Warn("event handler failed", lg.Any("error", fmt.Errorf("handler %d: %w", s.id, err)))
		return
	}
	b.delivered.Add(1)
}

// Delivered returns the number of successful handler invocations.
func (b *EventBus) Delivered() uint64 { return b.delivered.Load() }

// Failed returns the number of handler invocations that errored or panicked.
func (b *EventBus) Failed() uint64 { return b.failed.Load() }
