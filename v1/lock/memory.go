package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	lserrors "github.com/mirkobrombin/go-lockstep/v1/errors"
	"github.com/mirkobrombin/go-lockstep/v1/syncbus"
)

type lockState struct {
	owner  string // id of the locker holding the key
	timer  *time.Timer
	notify chan struct{}
}

// InMemory implements Locker using local memory. Lock and unlock events are
// propagated through a syncbus Bus allowing multiple nodes to coordinate.
// Events carry the id of the publishing locker, so a locker skips its own.
type InMemory struct {
	id    string
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
	subs  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewInMemory returns a new in-memory locker that uses bus to propagate
// events. A nil bus keeps the locks private to this locker.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemory{
		id:     uuid.NewString(),
		bus:    bus,
		locks:  make(map[string]*lockState),
		subs:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close drops the bus subscriptions. Locks held by this locker are not
// released.
func (l *InMemory) Close() {
	l.cancel()
}

// Held reports whether key is locked, by this locker or by a peer.
func (l *InMemory) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok
}

// Watch subscribes to the bus events of keys ahead of use. Peers only learn
// about a key once they subscribe to it, so every node should watch a shared
// key before any node takes it.
func (l *InMemory) Watch(keys ...string) error {
	for _, key := range keys {
		if err := l.ensureSubscriptions(key); err != nil {
			return err
		}
	}
	return nil
}

func (l *InMemory) ensureSubscriptions(key string) error {
	l.mu.Lock()
	if _, ok := l.subs[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subs[key] = struct{}{}
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
	}

	ch, err := l.bus.Subscribe(l.ctx, syncbus.LockTopic(key))
	if err != nil {
		cleanup()
		return err
	}

	go func() {
		for ev := range ch {
			if ev.Origin == l.id {
				continue
			}
			l.mu.Lock()
			l.applyPeerEvent(key, ev)
			l.mu.Unlock()
		}
	}()
	return nil
}

// applyPeerEvent mirrors the lock state announced by another locker. A peer
// lock with a TTL is forgotten once it expires, even if its unlock never
// arrives. Callers hold l.mu.
func (l *InMemory) applyPeerEvent(key string, ev syncbus.Event) {
	switch ev.Kind {
	case syncbus.KindLock:
		if _, ok := l.locks[key]; ok {
			return
		}
		st := &lockState{owner: ev.Origin, notify: make(chan struct{})}
		if ev.TTL > 0 {
			st.timer = time.AfterFunc(ev.TTL, func() {
				l.mu.Lock()
				defer l.mu.Unlock()
				if cur, ok := l.locks[key]; ok && cur == st {
					l.dropLocked(key, st)
				}
			})
		}
		l.locks[key] = st
	case syncbus.KindUnlock:
		if st, ok := l.locks[key]; ok && st.owner == ev.Origin {
			l.dropLocked(key, st)
		}
	}
}

// dropLocked removes st and wakes waiters. Callers hold l.mu.
func (l *InMemory) dropLocked(key string, st *lockState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.notify)
	delete(l.locks, key)
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := l.ensureSubscriptions(key); err != nil {
		return false, err
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	st := &lockState{owner: l.id, notify: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.expire(key, st)
		})
	}
	l.locks[key] = st
	l.publishLocked(ctx, key, syncbus.Event{Kind: syncbus.KindLock, TTL: ttl})
	l.mu.Unlock()
	return true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		var ch chan struct{}
		if st, held := l.locks[key]; held {
			ch = st.notify
		}
		l.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the lock for the given key. It returns ErrNotHeld unless
// this locker holds key.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || st.owner != l.id {
		l.mu.Unlock()
		return lserrors.ErrNotHeld
	}
	l.dropLocked(key, st)
	l.publishLocked(ctx, key, syncbus.Event{Kind: syncbus.KindUnlock})
	l.mu.Unlock()
	return nil
}

func (l *InMemory) expire(key string, st *lockState) {
	l.mu.Lock()
	if cur, ok := l.locks[key]; !ok || cur != st {
		l.mu.Unlock()
		return
	}
	l.dropLocked(key, st)
	l.publishLocked(context.Background(), key, syncbus.Event{Kind: syncbus.KindUnlock})
	l.mu.Unlock()
}

// publishLocked announces an event to peers. Publishing under l.mu keeps
// the events of this locker in state order. Peers that miss an unlock still
// drop a lock whose TTL has passed. Callers hold l.mu.
func (l *InMemory) publishLocked(ctx context.Context, key string, ev syncbus.Event) {
	ev.Origin = l.id
	_ = l.bus.Publish(context.WithoutCancel(ctx), syncbus.LockTopic(key), ev)
}
