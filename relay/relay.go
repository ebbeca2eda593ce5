// Package relay forwards scheduler events to a Redis pub/sub channel so
// that processes outside the scheduler can observe work item progress.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/azargarov/jobsched"
)

// DefaultChannel is used when New is given an empty channel.
const DefaultChannel = "jobsched:events"

// Publisher is the subset of a go-redis client the relay needs.
// *redis.Client and *redis.ClusterClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Envelope is the JSON message written to the channel.
type Envelope struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Relay republishes every jobsched event it is attached to.
type Relay struct {
	client  Publisher
	channel string

	mu   sync.Mutex
	subs map[*jobsched.EventBus][]jobsched.Subscription

	published atomic.Uint64
}

// New creates a detached relay.
func New(client Publisher, channel string) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		client:  client,
		channel: channel,
		subs:    make(map[*jobsched.EventBus][]jobsched.Subscription),
	}
}

func (r *Relay) Channel() string { return r.channel }

// Published returns the number of messages Redis accepted.
func (r *Relay) Published() uint64 { return r.published.Load() }

// Attach subscribes the relay to every topic of bus. Attaching twice to
// the same bus returns the existing subscriptions.
func (r *Relay) Attach(bus *jobsched.EventBus) []jobsched.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.subs[bus]; ok {
		return subs
	}
	subs := make([]jobsched.Subscription, 0, len(jobsched.Topics))
	for _, topic := range jobsched.Topics {
		subs = append(subs, bus.Subscribe(topic, r.Forward))
	}
	r.subs[bus] = subs
	return subs
}

// Detach removes the relay's handlers from bus.
func (r *Relay) Detach(bus *jobsched.EventBus) {
	r.mu.Lock()
	subs := r.subs[bus]
	delete(r.subs, bus)
	r.mu.Unlock()
	for _, s := range subs {
		bus.Unsubscribe(s)
	}
}

// Forward publishes one event. It is the handler registered by Attach;
// its error is reported by the bus and never reaches the publisher.
func (r *Relay) Forward(ctx context.Context, ev jobsched.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", ev.Topic(), err)
	}
	msg, err := json.Marshal(Envelope{
		ID:      uuid.NewString(),
		Topic:   ev.Topic(),
		At:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		lg.FromContext(ctx).Warn("event not relayed",
			lg.String("topic", ev.Topic()),
			lg.String("channel", r.channel),
			lg.Any("error", err),
		)
		return fmt.Errorf("relay: publish %s to %s: %w", ev.Topic(), r.channel, err)
	}
	r.published.Add(1)
	return nil
}
