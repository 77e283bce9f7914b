package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub  *nats.Subscription
	subs []*subscriber
}

// NATSBus implements Bus over a NATS connection. Keys are mapped to subjects
// with Topic and events travel as JSON.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string, ev Event) error {
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

	err = b.conn.Publish(Topic(key), data)
	if err == nil {
		// The server has accepted the event once Flush returns.
		err = b.conn.Flush()
	}
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, pk)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber()
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(Topic(key), func(msg *nats.Msg) {
			ev, ok := decodeEvent(msg.Data)
			if !ok {
				return
			}
			b.mu.Lock()
			if cur := b.subs[key]; cur != nil {
				b.delivered.Add(fanout(cur.subs, ev))
			}
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			s.close()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			s.close()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.subs = append(sub.subs, s)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, key, s.ch)
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The NATS subscription is dropped
// with its last channel.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
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
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
