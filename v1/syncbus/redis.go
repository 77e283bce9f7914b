package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockstep/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	subs   []*subscriber
}

// RedisBus implements Bus over Redis pub/sub. Keys are mapped to channels
// with Topic and events travel as JSON. Redis delivers the messages of one
// connection in order.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string, ev Event) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(
		attribute.String("lockstep.bus.key", key),
		attribute.String("lockstep.bus.kind", ev.Kind.String()),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	pk := pendingKey(key, ev)
	b.mu.Lock()
	if _, ok := b.pending[pk]; ok {
		b.mu.Unlock()
		return nil // deduplicate
	}
	b.pending[pk] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, pk)
		b.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, Topic(key), data).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The Redis subscription is confirmed
// before Subscribe returns, so later publishes are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber()

	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		sub.subs = append(sub.subs, s)
		b.mu.Unlock()
		unsubscribeOnDone(ctx, b, key, s.ch)
		return s.ch, nil
	}
	b.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	ps := b.client.Subscribe(cctx, Topic(key))
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		s.close()
		return nil, err
	}

	b.mu.Lock()
	if sub, ok := b.subs[key]; ok {
		// Lost a race with another Subscribe for key.
		sub.subs = append(sub.subs, s)
		b.mu.Unlock()
		_ = ps.Close()
	} else {
		sub = &redisSubscription{pubsub: ps, subs: []*subscriber{s}}
		b.subs[key] = sub
		b.mu.Unlock()
		go b.dispatch(key, sub)
	}

	unsubscribeOnDone(ctx, b, key, s.ch)
	return s.ch, nil
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		ev, ok := decodeEvent([]byte(msg.Payload))
		if !ok {
			continue
		}
		b.mu.Lock()
		if b.subs[key] == sub {
			b.delivered.Add(fanout(sub.subs, ev))
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is dropped
// with its last channel.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.subs = removeSub(sub.subs, ch)
	if len(sub.subs) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close drops every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.subs {
		for _, s := range sub.subs {
			s.close()
		}
		_ = sub.pubsub.Close()
		delete(b.subs, key)
	}
	return nil
}
