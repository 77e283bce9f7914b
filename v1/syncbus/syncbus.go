// Package syncbus propagates lock and unlock events between lockers that
// share a transport. Several in-memory lockers attached to the same bus
// behave like a single keyed lock.
package syncbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind tells what happened to a lock.
type Kind uint8

const (
	KindLock Kind = iota + 1
	KindUnlock
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindUnlock:
		return "unlock"
	}
	return "unknown"
}

// Event is a lock state change announced on a Bus.
type Event struct {
	Kind Kind `json:"k"`
	// Origin identifies the locker that published the event.
	Origin string `json:"o,omitempty"`
	// TTL is the lease of a lock event. Zero means no expiry.
	TTL time.Duration `json:"t,omitempty"`
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Kind == 0 {
		return Event{}, false
	}
	return ev, true
}

// Bus provides a simple pub/sub mechanism for lock events. Events published
// on a key reach every subscriber of that key in publish order.
type Bus interface {
	Publish(ctx context.Context, key string, ev Event) error
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// LockTopic names the topic carrying the events of the lock key.
func LockTopic(key string) string { return "lock:" + key }

// Topic maps a bus key to a name accepted by transports that only allow
// [a-zA-Z0-9._-] in subjects and topics.
func Topic(key string) string {
	return "lockstep." + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, key)
}

// Metrics reports the bus traffic counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// pendingKey identifies an in-flight publish. Only identical events are
// collapsed.
func pendingKey(key string, ev Event) string {
	return key + "\x00" + ev.Kind.String() + "\x00" + ev.Origin
}

// subscriber queues events for one channel so a slow reader never loses
// them and never blocks the publisher.
type subscriber struct {
	ch   chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		ch:   make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// close stops delivery. The channel is closed once the pump exits.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// fanout queues ev for every subscriber and returns how many got it.
func fanout(subs []*subscriber, ev Event) uint64 {
	for _, s := range subs {
		s.push(ev)
	}
	return uint64(len(subs))
}

// removeSub drops the subscriber reading from ch and stops it. Unknown
// channels are ignored.
func removeSub(subs []*subscriber, ch <-chan Event) []*subscriber {
	for i, s := range subs {
		if s.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs[len(subs)-1] = nil
			s.close()
			return subs[:len(subs)-1]
		}
	}
	return subs
}

func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch <-chan Event) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]*subscriber)}
}

// Publish implements Bus.Publish. Events are queued for subscribers before
// Publish returns.
func (b *InMemoryBus) Publish(ctx context.Context, key string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Queueing under the lock keeps publish order across publishers.
	b.mu.Lock()
	b.delivered.Add(fanout(b.subs[key], ev))
	b.mu.Unlock()

	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The channel is closed once ctx ends.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSubscriber()
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], s)
	b.mu.Unlock()
	unsubscribeOnDone(ctx, b, key, s.ch)
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := removeSub(b.subs[key], ch)
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
